package telemetry

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reliable-queue/internal/events"
	"reliable-queue/internal/job"
)

func TestSinkCountsLifecycle(t *testing.T) {
	ctx := context.Background()
	s := Sink{}
	s.Emit(ctx, events.Event{Kind: events.Leased, Topic: "telemetry-test"})
	s.Emit(ctx, events.Event{Kind: events.Failed, Topic: "telemetry-test", Duration: time.Millisecond})
	s.Emit(ctx, events.Event{Kind: events.Leased, Topic: "telemetry-test"})
	s.Emit(ctx, events.Event{Kind: events.Completed, Topic: "telemetry-test", Duration: time.Millisecond})
	s.Emit(ctx, events.Event{Kind: events.DeadLettered, Topic: "telemetry-test"})

	assert.Equal(t, 2.0, testutil.ToFloat64(Leased.WithLabelValues("telemetry-test")))
	assert.Equal(t, 1.0, testutil.ToFloat64(Failures.WithLabelValues("telemetry-test")))
	assert.Equal(t, 1.0, testutil.ToFloat64(Completed.WithLabelValues("telemetry-test")))
	assert.Equal(t, 1.0, testutil.ToFloat64(DeadLettered.WithLabelValues("telemetry-test")))
}

type staticStats map[job.Status]int64

func (s staticStats) Stats(context.Context, string) (map[job.Status]int64, error) { return s, nil }

func TestRecordDepth(t *testing.T) {
	src := staticStats{job.StatusPending: 4, job.StatusDeadLettered: 1}
	require.NoError(t, RecordDepth(context.Background(), src, "depth-test"))

	assert.Equal(t, 4.0, testutil.ToFloat64(QueueDepth.WithLabelValues("depth-test", "pending")))
	assert.Equal(t, 0.0, testutil.ToFloat64(QueueDepth.WithLabelValues("depth-test", "leased")))
	assert.Equal(t, 1.0, testutil.ToFloat64(QueueDepth.WithLabelValues("depth-test", "dead_lettered")))
}

func TestHandlerServesMetrics(t *testing.T) {
	EnqueueCounter.WithLabelValues("scrape-test").Inc()
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), `rq_jobs_enqueued_total{topic="scrape-test"} 1`)
}
