package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/iago/botfleet/internal/app"
	"github.com/iago/botfleet/internal/config"
	"github.com/rs/zerolog"
)

func main() {
	dotenvErr := config.LoadDotEnv(".env", ".env.local")
	cfg := config.Load()
	logger := newLogger(cfg)
	if dotenvErr != nil {
		logger.Warn().Err(dotenvErr).Msg("failed loading .env files")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg, logger, app.WithReadyHook(func(addr string) {
		notifySystemd(logger, daemon.SdNotifyReady)
	}))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize")
	}
	defer application.Close()

	if err := application.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("server failed")
	}
	notifySystemd(logger, daemon.SdNotifyStopping)
	logger.Info().Msg("shutdown complete")
}

func newLogger(cfg config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.TimeFieldFormat = time.RFC3339Nano

	var logger zerolog.Logger
	if strings.EqualFold(cfg.LogFormat, "console") {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stdout)
	}
	return logger.Level(level).With().Timestamp().Str("service", "botfleet").Logger()
}

// notifySystemd is a no-op outside a systemd unit with Type=notify.
func notifySystemd(logger zerolog.Logger, state string) {
	if _, err := daemon.SdNotify(false, state); err != nil {
		logger.Warn().Err(err).Str("state", state).Msg("sd_notify failed")
	}
}
