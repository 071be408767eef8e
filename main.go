package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	flags "github.com/jessevdk/go-flags"

	"whale-backend/config"
	"whale-backend/internal/pipeline"
	"whale-backend/internal/server"
	"whale-backend/internal/utils"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	closer, err := utils.SetupLogging(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging setup failed: %v\n", err)
		os.Exit(1)
	}
	logger := utils.NewComponentLogger("MAIN")

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	coordinator, err := pipeline.NewCoordinator(ctx, cfg)
	if err != nil {
		logger.Error().Err(err).Msg("failed to create coordinator")
		closer.Close()
		os.Exit(1)
	}
	srv := server.NewServer(coordinator, cfg.Server.ShutdownTimeout)

	var wg sync.WaitGroup
	serverErr := make(chan error, 1)

	// Start pipeline
	if err := coordinator.Start(ctx); err != nil {
		logger.Error().Err(err).Msg("pipeline start failed")
	}

	// Start HTTP server
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.Start(ctx, cfg.Server.Listen); err != nil {
			serverErr <- err
		}
	}()

	logger.Info().Str("listen", cfg.Server.Listen).Msg("whale backend started")

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	case err := <-serverErr:
		logger.Error().Err(err).Msg("HTTP server failed")
		exitCode = 1
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer stop()

	// Sessions get their close frames before the tasks feeding them stop.
	if err := coordinator.Stop(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("pipeline shutdown incomplete")
	}
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info().Msg("graceful shutdown completed")
	case <-shutdownCtx.Done():
		logger.Warn().Msg("shutdown timeout reached")
	}

	closer.Close()
	os.Exit(exitCode)
}
