// Package periodic enqueues jobs on cron schedules.
//
// Every process running the scheduler fires the same entries. Each fire is
// enqueued with an idempotency key derived from the entry and its scheduled
// time, so processes sharing a store enqueue it once.
package periodic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"reliable-queue/internal/job"
)

// cronParser supports standard 5-field cron and descriptors like "@every 30s".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Enqueuer is the part of queue.Queue the scheduler needs.
type Enqueuer interface {
	EnqueueJob(ctx context.Context, topic string, payload []byte, opts job.EnqueueOptions) (job.Envelope, bool, error)
}

// Entry is one recurring job.
type Entry struct {
	Topic   string
	Spec    string
	Payload json.RawMessage
}

// ParseEntries reads "topic=spec[|payload]" entries separated by ';', e.g.
// `email=@every 1m|{"to":"ops@example.com"}; reports=0 6 * * *`.
func ParseEntries(s string) ([]Entry, error) {
	var out []Entry
	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		topic, rest, ok := strings.Cut(part, "=")
		if !ok || strings.TrimSpace(topic) == "" {
			return nil, fmt.Errorf("periodic entry %q: want topic=spec", part)
		}
		spec, payload, _ := strings.Cut(rest, "|")
		e := Entry{Topic: strings.TrimSpace(topic), Spec: strings.TrimSpace(spec)}
		if payload = strings.TrimSpace(payload); payload != "" {
			if !json.Valid([]byte(payload)) {
				return nil, fmt.Errorf("periodic entry %q: payload is not valid JSON", part)
			}
			e.Payload = json.RawMessage(payload)
		}
		if _, err := cronParser.Parse(e.Spec); err != nil {
			return nil, fmt.Errorf("periodic entry %q: %w", part, err)
		}
		out = append(out, e)
	}
	return out, nil
}

type scheduled struct {
	Entry
	schedule cronlib.Schedule
	next     time.Time
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithTickInterval sets how often due entries are checked.
func WithTickInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.tickInterval = d }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// Scheduler fires entries when due.
type Scheduler struct {
	q            Enqueuer
	tickInterval time.Duration
	now          func() time.Time
	logger       *slog.Logger

	mu      sync.Mutex
	entries []*scheduled
}

// New parses every entry's schedule. The first fire of each entry is its
// next scheduled time after now.
func New(q Enqueuer, entries []Entry, opts ...Option) (*Scheduler, error) {
	s := &Scheduler{
		q:            q,
		tickInterval: time.Second,
		now:          time.Now,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if len(entries) == 0 {
		return nil, errors.New("periodic: no entries")
	}
	now := s.now()
	for _, e := range entries {
		sched, err := cronParser.Parse(e.Spec)
		if err != nil {
			return nil, fmt.Errorf("periodic %s %q: %w", e.Topic, e.Spec, err)
		}
		s.entries = append(s.entries, &scheduled{Entry: e, schedule: sched, next: sched.Next(now)})
	}
	return s, nil
}

// Run ticks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()
	s.logger.Info("periodic scheduler started", slog.Int("entries", len(s.entries)))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick enqueues every entry that is due and returns how many fired. Missed
// fires collapse into one.
func (s *Scheduler) Tick(ctx context.Context) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	fired := 0
	for _, e := range s.entries {
		if now.Before(e.next) {
			continue
		}
		key := fmt.Sprintf("periodic:%s:%d", e.Spec, e.next.Unix())
		env, dup, err := s.q.EnqueueJob(ctx, e.Topic, e.Payload, job.EnqueueOptions{IdempotencyKey: key})
		if err != nil {
			// Retried on the next tick.
			s.logger.Warn("periodic enqueue failed",
				slog.String("topic", e.Topic),
				slog.String("spec", e.Spec),
				slog.String("error", err.Error()),
			)
			continue
		}
		if !dup {
			fired++
			s.logger.Debug("periodic job enqueued", slog.String("topic", e.Topic), slog.String("job_id", env.ID))
		}
		e.next = e.schedule.Next(now)
	}
	return fired
}
