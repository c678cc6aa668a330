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

	"reliable-queue/internal/archive"
	"reliable-queue/internal/backend"
	"reliable-queue/internal/blob"
	"reliable-queue/internal/config"
	"reliable-queue/internal/events"
	"reliable-queue/internal/handlers"
	"reliable-queue/internal/periodic"
	"reliable-queue/internal/queue"
	"reliable-queue/internal/telemetry"
	"reliable-queue/internal/worker"
)

func main() {
	cfg := config.Load()
	logger := cfg.Logger(os.Stdout).With(slog.String("service", "worker"))
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("worker stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	be, err := backend.Open(ctx, cfg, false, logger)
	if err != nil {
		return err
	}
	defer be.Close()

	topicConfigs := make(map[string]worker.TopicConfig, len(cfg.Topics))
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
		topicConfigs[topic] = tc
		queueOpts = append(queueOpts, queue.WithTopicMaxAttempts(topic, tc.MaxAttempts))
	}

	sinks := []events.Sink{events.LogSink{Logger: logger}, telemetry.Sink{}}
	if cfg.AMQPURL != "" {
		pub, err := events.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange, logger)
		if err != nil {
			return err
		}
		defer pub.Close()
		sinks = append(sinks, pub)
	}
	archiver, err := newArchiver(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if archiver != nil {
		sinks = append(sinks, archiver)
	}

	sink := events.Multi(sinks...)
	q := queue.New(be.Store, append(queueOpts, queue.WithSink(sink))...)

	dispatcher := worker.NewDispatcher(q, worker.Options{
		Concurrency:   cfg.Concurrency,
		LeaseDuration: cfg.LeaseDuration,
		PollInterval:  cfg.PollInterval,
		DrainTimeout:  cfg.DrainTimeout,
		Sink:          sink,
		Logger:        logger,
	})
	available, err := topicHandlers(ctx, cfg, logger)
	if err != nil {
		return err
	}
	for _, topic := range cfg.Topics {
		h, ok := available[topic]
		if !ok {
			return fmt.Errorf("no handler for topic %q", topic)
		}
		tc := topicConfigs[topic]
		tc.Handler = h
		if err := dispatcher.Register(topic, tc); err != nil {
			return err
		}
	}
	if err := telemetry.RegisterInFlight(dispatcher.InFlight); err != nil {
		return fmt.Errorf("register inflight gauge: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	metrics := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler()}
	g.Go(func() error {
		logger.Info("metrics listening", slog.String("addr", cfg.MetricsAddr))
		if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metrics.Shutdown(shutdownCtx)
	})

	g.Go(func() error { return dispatcher.Run(gctx) })
	g.Go(func() error {
		telemetry.PollDepth(gctx, q, cfg.Topics, cfg.DepthInterval, logger)
		return nil
	})
	if archiver != nil {
		g.Go(func() error { return archiver.Run(gctx) })
	}
	if cfg.PeriodicJobs != "" {
		entries, err := periodic.ParseEntries(cfg.PeriodicJobs)
		if err != nil {
			return err
		}
		sched, err := periodic.New(q, entries, periodic.WithLogger(logger))
		if err != nil {
			return err
		}
		g.Go(func() error { return sched.Run(gctx) })
	}

	logger.Info("worker started",
		slog.Int("concurrency", cfg.Concurrency),
		slog.Duration("lease", cfg.LeaseDuration),
		slog.String("backoff", cfg.BackoffStrategy),
	)
	return g.Wait()
}

func topicHandlers(ctx context.Context, cfg config.Config, logger *slog.Logger) (map[string]worker.Handler, error) {
	var imageS3 blob.Uploader
	if cfg.ImageS3Bucket != "" {
		s3, err := blob.NewS3(ctx, blob.S3Config{
			Bucket:    cfg.ImageS3Bucket,
			Region:    cfg.ImageS3Region,
			Endpoint:  cfg.ImageS3Endpoint,
			PathStyle: cfg.ImageS3PathStyle,
		})
		if err != nil {
			return nil, fmt.Errorf("image s3: %w", err)
		}
		imageS3 = s3
	}
	image := handlers.NewImage(handlers.ImageConfig{
		DownloadTimeout: cfg.ImageDownloadTimeout,
		MaxBytes:        cfg.ImageMaxBytes,
		DefaultWidth:    cfg.ImageDefaultWidth,
		DefaultHeight:   cfg.ImageDefaultHeight,
	}, blob.Local{BaseDir: cfg.ImageOutputDir}, imageS3)

	return map[string]worker.Handler{
		handlers.EmailTopic: handlers.NewEmail(nil, logger).Handle,
		handlers.ImageTopic: image.Handle,
	}, nil
}

func newArchiver(ctx context.Context, cfg config.Config, logger *slog.Logger) (*archive.Archiver, error) {
	switch {
	case cfg.ArchiveS3Bucket != "":
		s3, err := blob.NewS3(ctx, blob.S3Config{
			Bucket:    cfg.ArchiveS3Bucket,
			Region:    cfg.ArchiveS3Region,
			Endpoint:  cfg.ArchiveS3Endpoint,
			PathStyle: cfg.ArchiveS3PathStyle,
		})
		if err != nil {
			return nil, fmt.Errorf("archive s3: %w", err)
		}
		return archive.New(s3, cfg.ArchiveS3Prefix, 0, logger), nil
	case cfg.ArchiveDir != "":
		return archive.New(blob.Local{BaseDir: cfg.ArchiveDir}, "", 0, logger), nil
	}
	return nil, nil
}
