package consumer

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/VoteIT/channels-envelope/internal/monitoring"
)

// ConnLimiter throttles upgrade attempts with two token buckets: one per
// client IP and one global. The global bucket is checked first so a
// distributed flood never grows the per-IP map.
type ConnLimiter struct {
	mu    sync.Mutex
	perIP map[string]*ipEntry

	ipRate  float64
	ipBurst int
	ipTTL   time.Duration

	global *rate.Limiter

	log  zerolog.Logger
	stop chan struct{}
}

type ipEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ConnLimiterConfig shapes the buckets. Zero fields take the defaults:
// 10 burst and 1/s sustained per IP with a 5 minute idle TTL, 300 burst
// and 50/s sustained globally.
type ConnLimiterConfig struct {
	IPBurst     int
	IPRate      float64
	IPTTL       time.Duration
	GlobalBurst int
	GlobalRate  float64
}

func NewConnLimiter(cfg ConnLimiterConfig, log zerolog.Logger) *ConnLimiter {
	if cfg.IPBurst == 0 {
		cfg.IPBurst = 10
	}
	if cfg.IPRate == 0 {
		cfg.IPRate = 1.0
	}
	if cfg.IPTTL == 0 {
		cfg.IPTTL = 5 * time.Minute
	}
	if cfg.GlobalBurst == 0 {
		cfg.GlobalBurst = 300
	}
	if cfg.GlobalRate == 0 {
		cfg.GlobalRate = 50.0
	}
	l := &ConnLimiter{
		perIP:   make(map[string]*ipEntry),
		ipRate:  cfg.IPRate,
		ipBurst: cfg.IPBurst,
		ipTTL:   cfg.IPTTL,
		global:  rate.NewLimiter(rate.Limit(cfg.GlobalRate), cfg.GlobalBurst),
		log:     log.With().Str("component", "conn_limiter").Logger(),
		stop:    make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Allow reports whether an upgrade from ip may proceed.
func (l *ConnLimiter) Allow(ip string) bool {
	if !l.global.Allow() {
		monitoring.ConnectionsRejected.WithLabelValues("global_rate").Inc()
		l.log.Debug().Str("ip", ip).Msg("upgrade rejected, global rate limit")
		return false
	}
	if !l.ipLimiter(ip).Allow() {
		monitoring.ConnectionsRejected.WithLabelValues("ip_rate").Inc()
		l.log.Debug().Str("ip", ip).Msg("upgrade rejected, per-ip rate limit")
		return false
	}
	return true
}

func (l *ConnLimiter) ipLimiter(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.perIP[ip]
	if !ok {
		entry = &ipEntry{limiter: rate.NewLimiter(rate.Limit(l.ipRate), l.ipBurst)}
		l.perIP[ip] = entry
	}
	entry.lastSeen = time.Now()
	return entry.limiter
}

// cleanupLoop drops per-IP entries idle past the TTL so the map does not
// grow with the address space.
func (l *ConnLimiter) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.cleanup()
		case <-l.stop:
			return
		}
	}
}

func (l *ConnLimiter) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := time.Now().Add(-l.ipTTL)
	removed := 0
	for ip, entry := range l.perIP {
		if entry.lastSeen.Before(cutoff) {
			delete(l.perIP, ip)
			removed++
		}
	}
	if removed > 0 {
		l.log.Debug().Int("removed", removed).Int("remaining", len(l.perIP)).Msg("stale ip limiters dropped")
	}
}

// Stop ends the cleanup goroutine.
func (l *ConnLimiter) Stop() {
	close(l.stop)
}

// TrackedIPs reports the per-IP map size, for introspection endpoints.
func (l *ConnLimiter) TrackedIPs() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.perIP)
}
