// Package archive copies dead-lettered envelopes to object storage so they
// survive store retention. The store remains the source of truth; the copy
// is written asynchronously and never slows a worker slot.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"time"

	"reliable-queue/internal/blob"
	"reliable-queue/internal/events"
	"reliable-queue/internal/job"
)

// Record is the archived document.
type Record struct {
	Envelope   job.Envelope `json:"envelope"`
	Error      string       `json:"error,omitempty"`
	ArchivedAt time.Time    `json:"archived_at"`
}

// Archiver is an events.Sink that writes dead-letter records.
type Archiver struct {
	out    blob.Uploader
	prefix string
	queue  chan events.Event
	now    func() time.Time
	logger *slog.Logger
}

// New builds an archiver buffering up to buffer events.
func New(out blob.Uploader, prefix string, buffer int, logger *slog.Logger) *Archiver {
	if buffer <= 0 {
		buffer = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{
		out:    out,
		prefix: prefix,
		queue:  make(chan events.Event, buffer),
		now:    time.Now,
		logger: logger,
	}
}

// Emit queues dead-letter events carrying an envelope. A full buffer drops
// the copy with a warning.
func (a *Archiver) Emit(_ context.Context, ev events.Event) {
	if ev.Kind != events.DeadLettered || ev.Envelope == nil {
		return
	}
	select {
	case a.queue <- ev:
	default:
		a.logger.Warn("archive buffer full, dead-letter copy skipped",
			slog.String("job_id", ev.JobID),
			slog.String("topic", ev.Topic),
		)
	}
}

// Run writes queued records until ctx is done, then flushes what is left.
func (a *Archiver) Run(ctx context.Context) error {
	for {
		select {
		case ev := <-a.queue:
			a.write(ctx, ev)
		case <-ctx.Done():
			flush := context.WithoutCancel(ctx)
			for {
				select {
				case ev := <-a.queue:
					a.write(flush, ev)
				default:
					return nil
				}
			}
		}
	}
}

// Key returns the object key for an envelope.
func (a *Archiver) Key(env job.Envelope, at time.Time) string {
	return path.Join(a.prefix, env.Topic, at.UTC().Format("2006/01/02"), env.ID+".json")
}

func (a *Archiver) write(ctx context.Context, ev events.Event) {
	if err := a.Write(ctx, *ev.Envelope, ev.Error); err != nil {
		a.logger.Error("archive dead letter",
			slog.String("job_id", ev.JobID),
			slog.String("error", err.Error()),
		)
	}
}

// Write archives env synchronously.
func (a *Archiver) Write(ctx context.Context, env job.Envelope, cause string) error {
	at := a.now()
	body, err := json.MarshalIndent(Record{Envelope: env, Error: cause, ArchivedAt: at.UTC()}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	where, err := a.out.Upload(ctx, a.Key(env, at), body, "application/json")
	if err != nil {
		return fmt.Errorf("upload %s: %w", env.ID, err)
	}
	a.logger.Debug("archived dead letter", slog.String("job_id", env.ID), slog.String("location", where))
	return nil
}
