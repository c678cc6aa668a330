// Package telemetry exposes Prometheus metrics for the queue and feeds them
// from job lifecycle events.
package telemetry

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"reliable-queue/internal/events"
	"reliable-queue/internal/job"
)

var (
	once sync.Once

	EnqueueCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rq_jobs_enqueued_total", Help: "Jobs enqueued",
	}, []string{"topic"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rq_rate_limit_rejects_total", Help: "Producer requests rejected by the rate limiter",
	})
	Leased = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rq_jobs_leased_total", Help: "Leases handed to worker slots",
	}, []string{"topic"})
	Completed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rq_jobs_completed_total", Help: "Jobs acknowledged after a successful handler run",
	}, []string{"topic"})
	Failures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rq_jobs_failed_total", Help: "Handler failures, including the final one",
	}, []string{"topic"})
	DeadLettered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rq_jobs_dead_lettered_total", Help: "Jobs moved to the dead-letter state",
	}, []string{"topic"})
	StoreErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rq_store_unavailable_total", Help: "Store calls that failed with an unavailable store",
	}, []string{"topic"})
	HandlerDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rq_handler_duration_seconds",
		Help:    "Handler run time",
		Buckets: prometheus.DefBuckets,
	}, []string{"topic"})
	QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rq_queue_depth", Help: "Envelopes per topic and status",
	}, []string{"topic", "status"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueueCounter,
			RateLimitRejects,
			Leased,
			Completed,
			Failures,
			DeadLettered,
			StoreErrors,
			HandlerDuration,
			QueueDepth,
		)
	})
	return promhttp.Handler()
}

// RegisterInFlight publishes fn as the rq_inflight gauge.
func RegisterInFlight(fn func() int) error {
	return prometheus.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "rq_inflight", Help: "Handlers currently running",
	}, func() float64 { return float64(fn()) }))
}

// Sink turns lifecycle events into metric updates.
type Sink struct{}

func (Sink) Emit(_ context.Context, ev events.Event) {
	switch ev.Kind {
	case events.Leased:
		Leased.WithLabelValues(ev.Topic).Inc()
	case events.Completed:
		Completed.WithLabelValues(ev.Topic).Inc()
		HandlerDuration.WithLabelValues(ev.Topic).Observe(ev.Duration.Seconds())
	case events.Failed:
		Failures.WithLabelValues(ev.Topic).Inc()
		HandlerDuration.WithLabelValues(ev.Topic).Observe(ev.Duration.Seconds())
	case events.DeadLettered:
		DeadLettered.WithLabelValues(ev.Topic).Inc()
	case events.StoreUnavailable:
		StoreErrors.WithLabelValues(ev.Topic).Inc()
	}
}

// StatsSource reports per-status counts for a topic.
type StatsSource interface {
	Stats(ctx context.Context, topic string) (map[job.Status]int64, error)
}

// PollDepth refreshes QueueDepth for topics every interval until ctx ends.
func PollDepth(ctx context.Context, src StatsSource, topics []string, interval time.Duration, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		for _, topic := range topics {
			if err := RecordDepth(ctx, src, topic); err != nil && ctx.Err() == nil {
				logger.Warn("queue depth", slog.String("topic", topic), slog.String("error", err.Error()))
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RecordDepth sets QueueDepth for one topic.
func RecordDepth(ctx context.Context, src StatsSource, topic string) error {
	counts, err := src.Stats(ctx, topic)
	if err != nil {
		return err
	}
	for _, st := range []job.Status{job.StatusPending, job.StatusLeased, job.StatusCompleted, job.StatusDeadLettered} {
		QueueDepth.WithLabelValues(topic, string(st)).Set(float64(counts[st]))
	}
	return nil
}
