package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dratasich/waterquality-monitor/config"
	"github.com/dratasich/waterquality-monitor/display"
	"github.com/dratasich/waterquality-monitor/hardware"
	"github.com/dratasich/waterquality-monitor/metrics"
	"github.com/dratasich/waterquality-monitor/quality"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		log.Fatal().Msgf("%s", err)
	}
	setupLogging(cfg.LogLevel)

	observer := metrics.New()
	if cfg.MetricsAddr != "" {
		go func() {
			if err := observer.Serve(ctx, cfg.MetricsAddr); err != nil {
				log.Error().Msgf("Metrics server failed: %s", err)
			}
		}()
	}

	if err := hardware.Init(); err != nil {
		log.Fatal().Msgf("%s", err)
	}

	m := &monitor{
		cfg:         cfg,
		observer:    observer,
		newSink:     func() quality.DisplaySink { return newSink(cfg) },
		openDevices: func() (*devices, error) { return openDevices(cfg.Hardware) },
		newRemote:   func() remote { return newThingsBoard(cfg.ThingsBoard) },
		after:       time.After,
	}
	m.supervise(ctx)
}

func setupLogging(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		log.Warn().Msgf("Unknown log level %q, using info", level)
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	if isatty.IsTerminal(os.Stderr.Fd()) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly})
	}
}

func newSink(cfg *config.Config) quality.DisplaySink {
	if cfg.Display == "log" {
		return display.LogSink{}
	}
	return display.NewPanel(os.Stdout, isatty.IsTerminal(os.Stdout.Fd()))
}
