// Command server runs the phishing-email triage service: webhook intake,
// poll fallback, subscription renewal, and the operations endpoints, all
// in one process.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"phishtriage/config"
	"phishtriage/internal/bootstrap"
	"phishtriage/pkg/logger"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger.Init(logger.Config{
		Level:   "info",
		Service: "phishtriage",
		Pretty:  os.Getenv("ENV") != "production",
	})
	log := logger.Get()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	deps, cleanup, err := bootstrap.NewServer(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize service")
	}
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := deps.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start background loops")
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info().Dur("timeout", shutdownTimeout).Msg("shutting down")
		cancel()
		deps.Stop()

		done := make(chan error, 1)
		go func() { done <- deps.App().Shutdown() }()

		select {
		case err := <-done:
			if err != nil {
				log.Error().Err(err).Msg("error shutting down HTTP app")
			} else {
				log.Info().Msg("shut down gracefully")
			}
		case <-time.After(shutdownTimeout):
			log.Warn().Msg("shutdown timed out, forcing exit")
		}
	}()

	addr := ":" + cfg.Port
	log.Info().Str("addr", addr).Msg("starting server")
	if err := deps.App().Listen(addr); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
}
