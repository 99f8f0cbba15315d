package monitoring

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
)

// SystemMonitor samples process CPU and memory on an interval and
// mirrors them into the gauges. One instance per binary.
type SystemMonitor struct {
	proc *process.Process
	log  zerolog.Logger

	mu  sync.RWMutex
	cpu float64
	rss uint64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewSystemMonitor(log zerolog.Logger) *SystemMonitor {
	m := &SystemMonitor{
		log: log.With().Str("component", "system_monitor").Logger(),
	}
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		m.log.Warn().Err(err).Msg("process handle unavailable, cpu and rss gauges stay zero")
	} else {
		m.proc = proc
	}
	return m
}

// Start begins sampling every interval until Shutdown.
func (m *SystemMonitor) Start(interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer RecoverPanic(m.log, "system_monitor")
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		m.sample()
		for {
			select {
			case <-ticker.C:
				m.sample()
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (m *SystemMonitor) sample() {
	goroutines := runtime.NumGoroutine()
	GoroutinesActive.Set(float64(goroutines))

	if m.proc == nil {
		return
	}
	cpuPercent, err := m.proc.CPUPercent()
	if err != nil {
		m.log.Debug().Err(err).Msg("cpu sample failed")
		cpuPercent = 0
	}
	var rss uint64
	if info, err := m.proc.MemoryInfo(); err == nil {
		rss = info.RSS
	}

	m.mu.Lock()
	m.cpu = cpuPercent
	m.rss = rss
	m.mu.Unlock()

	CPUUsagePercent.Set(cpuPercent)
	MemoryUsageBytes.Set(float64(rss))

	m.log.Debug().
		Float64("cpu_percent", cpuPercent).
		Uint64("rss_bytes", rss).
		Int("goroutines", goroutines).
		Msg("system sample")
}

// CPUPercent returns the last sampled process CPU usage.
func (m *SystemMonitor) CPUPercent() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cpu
}

// MemoryBytes returns the last sampled resident set size.
func (m *SystemMonitor) MemoryBytes() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rss
}

func (m *SystemMonitor) Shutdown() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}
