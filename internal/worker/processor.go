package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"reliable-queue/internal/events"
	"reliable-queue/internal/job"
)

// Outcome is what happened to a delivery after its handler returned.
type Outcome string

const (
	OutcomeCompleted    Outcome = "completed"
	OutcomeRetried      Outcome = "retried"
	OutcomeDeadLettered Outcome = "dead_lettered"
	// OutcomeAbandoned means the result could not be recorded, usually
	// because the lease expired and the job was reclaimed. The job stays
	// eligible for another delivery.
	OutcomeAbandoned Outcome = "abandoned"
)

// Result describes one processed delivery.
type Result struct {
	JobID    string
	Topic    string
	Attempt  int
	Outcome  Outcome
	Delay    time.Duration
	Duration time.Duration
	// Err is the handler error, or the store error for OutcomeAbandoned.
	Err error
}

// Process runs the handler registered for env.Topic against a leased
// envelope and records the outcome. It is what every slot runs.
func (d *Dispatcher) Process(ctx context.Context, env job.Envelope) (Result, error) {
	d.mu.Lock()
	t, ok := d.byName[env.Topic]
	d.mu.Unlock()
	if !ok {
		return Result{}, fmt.Errorf("process %s: no handler registered for topic %q", env.ID, env.Topic)
	}
	return d.process(ctx, t, env), nil
}

func (d *Dispatcher) process(ctx context.Context, t *topic, env job.Envelope) Result {
	logger := d.logger.With(
		slog.String("job_id", env.ID),
		slog.String("topic", env.Topic),
		slog.Int("attempt", env.Attempt),
	)

	start := time.Now()
	hctx, cancel := context.WithDeadline(ctx, env.LeaseExpiry)
	err := invoke(hctx, t.cfg.Handler, env, logger)
	cancel()

	res := Result{
		JobID:    env.ID,
		Topic:    env.Topic,
		Attempt:  env.Attempt,
		Duration: time.Since(start),
	}
	lease := env.Lease()
	// Recording the outcome must survive handler cancellation.
	storeCtx := context.WithoutCancel(ctx)

	if err == nil {
		if ackErr := d.queue.Acknowledge(storeCtx, lease); ackErr != nil {
			return d.abandoned(storeCtx, res, ackErr, logger)
		}
		res.Outcome = OutcomeCompleted
		d.opts.Sink.Emit(storeCtx, events.Event{
			Kind:     events.Completed,
			Topic:    env.Topic,
			JobID:    env.ID,
			Attempt:  env.Attempt,
			Duration: res.Duration,
			At:       time.Now().UTC(),
		})
		return res
	}

	herr := &job.HandlerError{Topic: env.Topic, JobID: env.ID, Attempt: env.Attempt, Err: err}
	res.Err = herr

	maxAttempts := env.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = t.cfg.MaxAttempts
	}
	decision := t.cfg.Policy.Decide(env.Attempt, maxAttempts, err)

	failed := events.Event{
		Kind:     events.Failed,
		Topic:    env.Topic,
		JobID:    env.ID,
		Attempt:  env.Attempt,
		Error:    err.Error(),
		Duration: res.Duration,
		At:       time.Now().UTC(),
	}
	if decision.Retry {
		failed.Delay = decision.Delay
	}
	d.opts.Sink.Emit(storeCtx, failed)

	if decision.Retry {
		if rqErr := d.queue.Requeue(storeCtx, lease, decision.Delay, herr); rqErr != nil {
			return d.abandoned(storeCtx, res, rqErr, logger)
		}
		res.Outcome = OutcomeRetried
		res.Delay = decision.Delay
		return res
	}

	if dlErr := d.queue.DeadLetter(storeCtx, lease, herr); dlErr != nil {
		return d.abandoned(storeCtx, res, dlErr, logger)
	}
	res.Outcome = OutcomeDeadLettered
	dead := env
	dead.Status = job.StatusDeadLettered
	dead.LastError = herr.Error()
	dead.UpdatedAt = time.Now().UTC()
	d.opts.Sink.Emit(storeCtx, events.Event{
		Kind:     events.DeadLettered,
		Topic:    env.Topic,
		JobID:    env.ID,
		Attempt:  env.Attempt,
		Error:    err.Error(),
		At:       dead.UpdatedAt,
		Envelope: &dead,
	})
	return res
}

func (d *Dispatcher) abandoned(ctx context.Context, res Result, err error, logger *slog.Logger) Result {
	res.Outcome = OutcomeAbandoned
	res.Err = err
	switch {
	case errors.Is(err, job.ErrStaleLease):
		logger.Warn("discarding late result", slog.String("error", err.Error()))
	case errors.Is(err, job.ErrStoreUnavailable):
		d.opts.Sink.Emit(ctx, events.Event{
			Kind:    events.StoreUnavailable,
			Topic:   res.Topic,
			JobID:   res.JobID,
			Attempt: res.Attempt,
			Error:   err.Error(),
			At:      time.Now().UTC(),
		})
	default:
		logger.Error("recording result failed", slog.String("error", err.Error()))
	}
	return res
}

// invoke calls h, converting a panic into an error so one handler cannot
// take down the pool.
func invoke(ctx context.Context, h Handler, env job.Envelope, logger *slog.Logger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("handler panicked",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, env)
}
