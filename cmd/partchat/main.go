package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/partway/chat/config"
	"github.com/partway/chat/src/gateway"
	"github.com/partway/chat/src/identity"
	"github.com/partway/chat/src/session"
	"github.com/partway/chat/src/transport"
)

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		fallback := zerolog.New(os.Stderr)
		fallback.Fatal().Err(err).Msg("invalid configuration")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(level).
		With().Timestamp().Logger()

	userID, err := loadIdentity(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("identity unavailable")
	}
	logger.Info().
		Str("user_id", userID).
		Str("username", identity.DisplayName(userID)).
		Msg("identity loaded")

	rt := transport.NewRedis(&cfg.Redis, userID, logger)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	err = rt.Start(ctx)
	cancel()
	if err != nil {
		logger.Fatal().Err(err).Msg("transport unavailable")
	}

	sess, err := session.Shared(session.Options{
		Channel:   cfg.Channel,
		UserID:    userID,
		Transport: rt,
		Logger:    logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("session start failed")
	}

	gw := gateway.New(sess, logger)
	go func() {
		if err := gw.Listen(cfg.Listen); err != nil {
			logger.Error().Err(err).Msg("gateway stopped")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	logger.Info().Msg("shutting down")

	if err := gw.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("gateway shutdown error")
	}
	if err := sess.Close(); err != nil {
		logger.Error().Err(err).Msg("session close error")
	}
	if err := rt.Close(); err != nil {
		logger.Error().Err(err).Msg("transport close error")
	}
}

func loadIdentity(cfg *config.Config) (string, error) {
	path := cfg.IdentityPath
	if path == "" {
		return identity.Default()
	}
	return identity.Load(identity.FileStore{Path: path})
}
