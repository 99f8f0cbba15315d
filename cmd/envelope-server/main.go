// Command envelope-server runs one messaging fabric node: the WebSocket
// endpoint, the channel layer, the job workers and the presence sweep,
// each backend selected by configuration.
package main

import (
	"flag"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	_ "go.uber.org/automaxprocs"

	"github.com/VoteIT/channels-envelope/config"
	"github.com/VoteIT/channels-envelope/internal/monitoring"
)

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides ENVELOPE_LOG_LEVEL)")
	flag.Parse()

	// Bootstrap logger for everything before the config is known.
	boot := monitoring.NewLogger("info", false)
	cfg, err := config.Load(&boot)
	if err != nil {
		boot.Fatal().Err(err).Msg("configuration failed")
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	log := monitoring.NewLogger(cfg.LogLevel, cfg.LogFormat == "pretty")
	log.Info().
		Int("gomaxprocs", runtime.GOMAXPROCS(0)).
		Msg("starting envelope server")
	cfg.LogConfig(log)

	srv, err := newServer(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("server wiring failed")
	}
	if err := srv.Start(); err != nil {
		log.Fatal().Err(err).Msg("server start failed")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	if err := srv.Shutdown(); err != nil {
		log.Error().Err(err).Msg("shutdown failed")
	}
}
