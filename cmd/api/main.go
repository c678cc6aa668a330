package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"reliable-queue/internal/api"
	"reliable-queue/internal/backend"
	"reliable-queue/internal/config"
	"reliable-queue/internal/queue"
	"reliable-queue/internal/ratelimit"
)

func main() {
	cfg := config.Load()
	logger := cfg.Logger(os.Stdout).With(slog.String("service", "api"))
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("api stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	be, err := backend.Open(ctx, cfg, cfg.RateLimitCapacity > 0, logger)
	if err != nil {
		return err
	}
	defer be.Close()

	queueOpts := []queue.Option{
		queue.WithKV(be.KV, cfg.IdempotencyTTL),
		queue.WithDefaultMaxAttempts(cfg.MaxAttempts),
		queue.WithLogger(logger),
	}
	for _, topic := range cfg.Topics {
		tc, err := cfg.TopicConfig(topic)
		if err != nil {
			return err
		}
		queueOpts = append(queueOpts, queue.WithTopicMaxAttempts(topic, tc.MaxAttempts))
	}
	q := queue.New(be.Store, queueOpts...)

	var limiter api.Limiter
	if be.Redis != nil && cfg.RateLimitCapacity > 0 {
		limiter = ratelimit.NewTokenBucket(be.Redis, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
	} else {
		logger.Warn("producer rate limiting disabled")
	}

	server := api.New(q, limiter, cfg.Topics, logger)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("api listening", slog.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
