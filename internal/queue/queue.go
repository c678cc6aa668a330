// Package queue implements the durable per-topic job queue with
// visibility-timeout leases on top of a store.Store.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"reliable-queue/internal/events"
	"reliable-queue/internal/job"
	"reliable-queue/internal/store"
)

// leaseRaces bounds how often Lease retries after losing a
// compare-and-swap to another dispatcher before reporting no work.
const leaseRaces = 16

// An enqueue that loses an idempotency key to a concurrent one polls this
// often, this many times, for the winner's envelope to be stored.
const (
	idempotencyPoll  = 10 * time.Millisecond
	idempotencyWaits = 20
)

// Queue coordinates envelope transitions. All methods are safe for
// concurrent use by producers and worker slots in any number of processes
// sharing the same store.
type Queue struct {
	store          store.Store
	kv             store.KV
	idempotencyTTL time.Duration
	maxAttempts    int
	topicAttempts  map[string]int
	now            func() time.Time
	newID          func() string
	logger         *slog.Logger
	sink           events.Sink
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// WithKV enables idempotent enqueue, remembering keys for ttl.
func WithKV(kv store.KV, ttl time.Duration) Option {
	return func(q *Queue) {
		q.kv = kv
		q.idempotencyTTL = ttl
	}
}

// WithDefaultMaxAttempts sets the ceiling used when neither the enqueue
// options nor the topic provide one.
func WithDefaultMaxAttempts(n int) Option {
	return func(q *Queue) { q.maxAttempts = n }
}

// WithTopicMaxAttempts sets the ceiling for one topic.
func WithTopicMaxAttempts(topic string, n int) Option {
	return func(q *Queue) { q.topicAttempts[topic] = n }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// WithSink receives the deadLettered events of envelopes whose final
// attempt was abandoned. Defaults to logging them.
func WithSink(s events.Sink) Option {
	return func(q *Queue) { q.sink = s }
}

// New builds a Queue over st.
func New(st store.Store, opts ...Option) *Queue {
	q := &Queue{
		store:         st,
		maxAttempts:   3,
		topicAttempts: make(map[string]int),
		now:           time.Now,
		newID:         uuid.NewString,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.sink == nil {
		q.sink = events.LogSink{Logger: q.logger}
	}
	return q
}

// Enqueue stores a new pending envelope and returns its id.
func (q *Queue) Enqueue(ctx context.Context, topic string, payload []byte, opts job.EnqueueOptions) (string, error) {
	env, _, err := q.EnqueueJob(ctx, topic, payload, opts)
	return env.ID, err
}

// EnqueueJob is Enqueue returning the stored envelope. The boolean is true
// when an idempotency key matched an earlier enqueue and nothing was stored.
func (q *Queue) EnqueueJob(ctx context.Context, topic string, payload []byte, opts job.EnqueueOptions) (job.Envelope, bool, error) {
	if topic == "" {
		return job.Envelope{}, false, errors.New("enqueue: topic is required")
	}
	if opts.Delay < 0 {
		return job.Envelope{}, false, fmt.Errorf("enqueue: negative delay %s", opts.Delay)
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = q.maxAttemptsFor(topic)
	}
	if maxAttempts < 1 {
		return job.Envelope{}, false, fmt.Errorf("enqueue: max attempts must be positive, got %d", maxAttempts)
	}
	if len(payload) > 0 && !json.Valid(payload) {
		return job.Envelope{}, false, errors.New("enqueue: payload is not valid JSON")
	}

	now := q.now().UTC()
	env := job.Envelope{
		ID:          q.newID(),
		Topic:       topic,
		Payload:     payload,
		Status:      job.StatusPending,
		MaxAttempts: maxAttempts,
		NotBefore:   now.Add(opts.Delay),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if opts.IdempotencyKey == "" || q.kv == nil {
		stored, err := q.store.Insert(ctx, env)
		if err != nil {
			return job.Envelope{}, false, fmt.Errorf("enqueue: %w", err)
		}
		return stored, false, nil
	}
	return q.enqueueOnce(ctx, "idempotency:"+topic+":"+opts.IdempotencyKey, env)
}

// enqueueOnce reserves key for env.ID before inserting, so concurrent
// enqueues with the same key store exactly one envelope. Losers return
// the winner's envelope.
func (q *Queue) enqueueOnce(ctx context.Context, key string, env job.Envelope) (job.Envelope, bool, error) {
	for wait := 0; ; wait++ {
		won, err := q.kv.SetValueNX(ctx, key, env.ID, q.idempotencyTTL)
		if err != nil {
			return job.Envelope{}, false, fmt.Errorf("enqueue: idempotency reserve: %w", err)
		}
		if won {
			stored, err := q.store.Insert(ctx, env)
			if err != nil {
				if derr := q.kv.DeleteValue(context.WithoutCancel(ctx), key); derr != nil {
					q.logger.Warn("idempotency key not released",
						slog.String("key", key),
						slog.String("error", derr.Error()),
					)
				}
				return job.Envelope{}, false, fmt.Errorf("enqueue: %w", err)
			}
			return stored, false, nil
		}

		id, found, err := q.kv.GetValue(ctx, key)
		if err != nil {
			return job.Envelope{}, false, fmt.Errorf("enqueue: idempotency lookup: %w", err)
		}
		if found {
			existing, err := q.store.Get(ctx, id)
			if err == nil {
				return existing, true, nil
			}
			if !errors.Is(err, job.ErrNotFound) {
				return job.Envelope{}, false, fmt.Errorf("enqueue: idempotency lookup: %w", err)
			}
		}

		// The winner has not stored its envelope yet, or gave the key back.
		if wait >= idempotencyWaits {
			return job.Envelope{}, false, fmt.Errorf("enqueue: idempotency key %s held by an unfinished enqueue: %w", key, store.ErrConflict)
		}
		select {
		case <-time.After(idempotencyPoll):
		case <-ctx.Done():
			return job.Envelope{}, false, ctx.Err()
		}
	}
}

// Lease claims the earliest eligible envelope of topic for leaseDuration.
// It never blocks: ok is false when nothing is eligible.
func (q *Queue) Lease(ctx context.Context, topic string, leaseDuration time.Duration) (env job.Envelope, ok bool, err error) {
	if leaseDuration <= 0 {
		return job.Envelope{}, false, fmt.Errorf("lease: duration must be positive, got %s", leaseDuration)
	}
	for races := 0; races < leaseRaces; {
		now := q.now().UTC()
		cand, found, err := q.store.FirstEligible(ctx, topic, now)
		if err != nil {
			return job.Envelope{}, false, fmt.Errorf("lease %s: %w", topic, err)
		}
		if !found {
			return job.Envelope{}, false, nil
		}
		expect := store.Expect{Status: cand.Status, LeaseToken: cand.LeaseToken}

		// A lease that expired on the final attempt cannot be delivered again.
		// Only lost swaps count against races.
		if cand.Attempt >= cand.MaxAttempts {
			lost, err := q.reclaimDead(ctx, expect, cand, now)
			if err != nil {
				return job.Envelope{}, false, fmt.Errorf("lease %s: %w", topic, err)
			}
			if lost {
				races++
			}
			continue
		}

		next := cand
		next.Status = job.StatusLeased
		next.Attempt++
		next.LeaseExpiry = now.Add(leaseDuration)
		next.LeaseToken = q.newID()
		next.UpdatedAt = now
		err = q.store.CompareAndSwap(ctx, expect, next)
		if err == nil {
			next.Seq = cand.Seq
			return next, true, nil
		}
		if !raced(err) {
			return job.Envelope{}, false, fmt.Errorf("lease %s: %w", topic, err)
		}
		races++
	}
	return job.Envelope{}, false, nil
}

// reclaimDead dead-letters an envelope whose final lease expired. The
// token is cleared so the abandoned holder's late result is stale.
func (q *Queue) reclaimDead(ctx context.Context, expect store.Expect, cand job.Envelope, now time.Time) (lost bool, err error) {
	dead := cand
	dead.Status = job.StatusDeadLettered
	dead.LeaseToken = ""
	dead.LastError = "lease expired on final attempt"
	dead.UpdatedAt = now
	if err := q.store.CompareAndSwap(ctx, expect, dead); err != nil {
		if raced(err) {
			return true, nil
		}
		return false, err
	}
	q.sink.Emit(ctx, events.Event{
		Kind:     events.DeadLettered,
		Topic:    dead.Topic,
		JobID:    dead.ID,
		Attempt:  dead.Attempt,
		Error:    dead.LastError,
		At:       now,
		Envelope: &dead,
	})
	return false, nil
}

// Acknowledge completes a leased envelope.
func (q *Queue) Acknowledge(ctx context.Context, lease job.Lease) error {
	return q.transition(ctx, "acknowledge", lease, func(env *job.Envelope) {
		env.Status = job.StatusCompleted
		env.LastError = ""
	})
}

// Requeue returns a leased envelope to pending, eligible again after delay.
func (q *Queue) Requeue(ctx context.Context, lease job.Lease, delay time.Duration, cause error) error {
	if delay < 0 {
		delay = 0
	}
	return q.transition(ctx, "requeue", lease, func(env *job.Envelope) {
		env.Status = job.StatusPending
		env.NotBefore = q.now().UTC().Add(delay)
		env.LeaseExpiry = time.Time{}
		if cause != nil {
			env.LastError = cause.Error()
		}
	})
}

// DeadLetter moves a leased envelope to the terminal dead-letter state.
func (q *Queue) DeadLetter(ctx context.Context, lease job.Lease, cause error) error {
	return q.transition(ctx, "dead-letter", lease, func(env *job.Envelope) {
		env.Status = job.StatusDeadLettered
		if cause != nil {
			env.LastError = cause.Error()
		}
	})
}

func (q *Queue) transition(ctx context.Context, op string, lease job.Lease, apply func(*job.Envelope)) error {
	env, err := q.store.Get(ctx, lease.ID)
	if err != nil {
		return fmt.Errorf("%s %s: %w", op, lease.ID, err)
	}
	now := q.now().UTC()
	switch {
	case env.LeaseToken != lease.Token:
		return fmt.Errorf("%s %s: %w", op, lease.ID, job.ErrStaleLease)
	case env.Status != job.StatusLeased:
		return fmt.Errorf("%s %s from %s: %w", op, lease.ID, env.Status, job.ErrInvalidState)
	case env.LeaseExpired(now):
		return fmt.Errorf("%s %s: lease expired at %s: %w", op, lease.ID, env.LeaseExpiry.Format(time.RFC3339Nano), job.ErrStaleLease)
	}

	next := env
	apply(&next)
	next.UpdatedAt = now
	err = q.store.CompareAndSwap(ctx, store.Expect{Status: job.StatusLeased, LeaseToken: lease.Token}, next)
	if errors.Is(err, store.ErrConflict) {
		return fmt.Errorf("%s %s: %w", op, lease.ID, job.ErrStaleLease)
	}
	if err != nil {
		return fmt.Errorf("%s %s: %w", op, lease.ID, err)
	}
	return nil
}

// Get returns the envelope with id.
func (q *Queue) Get(ctx context.Context, id string) (job.Envelope, error) {
	env, err := q.store.Get(ctx, id)
	if err != nil {
		return job.Envelope{}, fmt.Errorf("get %s: %w", id, err)
	}
	return env, nil
}

// ListDead returns up to limit dead-lettered envelopes of topic, oldest first.
func (q *Queue) ListDead(ctx context.Context, topic string, limit int) ([]job.Envelope, error) {
	envs, err := q.store.List(ctx, topic, job.StatusDeadLettered, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead %s: %w", topic, err)
	}
	return envs, nil
}

// Replay enqueues a fresh copy of a dead-lettered envelope and returns the
// new id. The dead-lettered original is left untouched.
func (q *Queue) Replay(ctx context.Context, id string) (string, error) {
	env, err := q.store.Get(ctx, id)
	if err != nil {
		return "", fmt.Errorf("replay %s: %w", id, err)
	}
	if env.Status != job.StatusDeadLettered {
		return "", fmt.Errorf("replay %s from %s: %w", id, env.Status, job.ErrInvalidState)
	}
	newID, err := q.Enqueue(ctx, env.Topic, env.Payload, job.EnqueueOptions{MaxAttempts: env.MaxAttempts})
	if err != nil {
		return "", fmt.Errorf("replay %s: %w", id, err)
	}
	return newID, nil
}

// Stats returns envelope counts of topic per status.
func (q *Queue) Stats(ctx context.Context, topic string) (map[job.Status]int64, error) {
	counts, err := q.store.Count(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("stats %s: %w", topic, err)
	}
	return counts, nil
}

// Ping checks the store.
func (q *Queue) Ping(ctx context.Context) error { return q.store.Ping(ctx) }

func (q *Queue) maxAttemptsFor(topic string) int {
	if n, ok := q.topicAttempts[topic]; ok {
		return n
	}
	return q.maxAttempts
}

func raced(err error) bool {
	return errors.Is(err, store.ErrConflict) || errors.Is(err, job.ErrNotFound)
}
