// Package worker runs registered topic handlers on a fixed pool of slots,
// fed by a dispatcher loop that leases work from the queue.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"reliable-queue/internal/events"
	"reliable-queue/internal/job"
	"reliable-queue/internal/retry"
)

var (
	// ErrDrainTimeout is returned by Run when in-flight handlers did not
	// finish within the drain timeout and their contexts were cancelled.
	ErrDrainTimeout = errors.New("worker: drain timeout exceeded")
	// ErrRunning is returned when the dispatcher is already running.
	ErrRunning = errors.New("worker: dispatcher already running")
)

// Queue is the part of queue.Queue the dispatcher drives.
type Queue interface {
	Lease(ctx context.Context, topic string, leaseDuration time.Duration) (job.Envelope, bool, error)
	Acknowledge(ctx context.Context, lease job.Lease) error
	Requeue(ctx context.Context, lease job.Lease, delay time.Duration, cause error) error
	DeadLetter(ctx context.Context, lease job.Lease, cause error) error
}

// Handler executes one delivery of a job. A nil return acknowledges it.
type Handler func(ctx context.Context, env job.Envelope) error

// TopicConfig is the explicit per-topic configuration every registered
// topic must carry.
type TopicConfig struct {
	Handler Handler
	Policy  retry.Policy
	// MaxAttempts applies to envelopes that do not carry their own ceiling.
	MaxAttempts int
	// LeaseDuration overrides Options.LeaseDuration when positive.
	LeaseDuration time.Duration
	// RateLimit caps leases per second for the topic. Zero disables it.
	RateLimit float64
	Burst     int
}

// Options configure a Dispatcher.
type Options struct {
	Concurrency   int
	LeaseDuration time.Duration
	PollInterval  time.Duration
	DrainTimeout  time.Duration
	// MaxStoreBackoff caps the pause between polls while the store is
	// unavailable.
	MaxStoreBackoff time.Duration
	Sink            events.Sink
	Logger          *slog.Logger
	// Results, when set, receives one Result per processed delivery. Sends
	// block while Run is running, so the reader must keep up; results still
	// pending when Run returns are dropped.
	Results chan<- Result
}

func (o *Options) defaults() {
	if o.Concurrency <= 0 {
		o.Concurrency = 5
	}
	if o.LeaseDuration <= 0 {
		o.LeaseDuration = 30 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 250 * time.Millisecond
	}
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = 30 * time.Second
	}
	if o.MaxStoreBackoff <= 0 {
		o.MaxStoreBackoff = 20 * o.PollInterval
	}
	if o.Sink == nil {
		o.Sink = events.Discard
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

type topic struct {
	name    string
	cfg     TopicConfig
	limiter *rate.Limiter
}

// Dispatcher leases work round-robin across topics while a slot is free.
type Dispatcher struct {
	queue  Queue
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	topics  []*topic
	byName  map[string]*topic
	running bool

	slots chan struct{}
	wg    sync.WaitGroup
	next  int
}

// NewDispatcher builds a dispatcher over q.
func NewDispatcher(q Queue, opts Options) *Dispatcher {
	opts.defaults()
	return &Dispatcher{
		queue:  q,
		opts:   opts,
		logger: opts.Logger,
		byName: make(map[string]*topic),
		slots:  make(chan struct{}, opts.Concurrency),
	}
}

// Register binds cfg to name. It must be called before Run.
func (d *Dispatcher) Register(name string, cfg TopicConfig) error {
	if name == "" {
		return errors.New("register: topic is required")
	}
	if cfg.Handler == nil {
		return fmt.Errorf("register %s: handler is required", name)
	}
	if cfg.Policy == nil {
		return fmt.Errorf("register %s: retry policy is required", name)
	}
	if cfg.MaxAttempts < 0 || cfg.LeaseDuration < 0 || cfg.RateLimit < 0 {
		return fmt.Errorf("register %s: negative limits", name)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return fmt.Errorf("register %s: %w", name, ErrRunning)
	}
	if _, dup := d.byName[name]; dup {
		return fmt.Errorf("register %s: topic already registered", name)
	}
	t := &topic{name: name, cfg: cfg}
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		t.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	d.topics = append(d.topics, t)
	d.byName[name] = t
	return nil
}

// Topics returns the registered topic names in registration order.
func (d *Dispatcher) Topics() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	names := make([]string, 0, len(d.topics))
	for _, t := range d.topics {
		names = append(names, t.name)
	}
	return names
}

// InFlight returns the number of busy slots.
func (d *Dispatcher) InFlight() int { return len(d.slots) }

// Run leases and dispatches work until ctx is cancelled, then drains.
// It returns nil after a clean drain and ErrDrainTimeout when in-flight
// handlers had to be cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return ErrRunning
	}
	if len(d.topics) == 0 {
		d.mu.Unlock()
		return errors.New("worker: no topics registered")
	}
	d.running = true
	topics := append([]*topic(nil), d.topics...)
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.running = false
		d.mu.Unlock()
	}()

	// Handlers outlive ctx until the drain timeout.
	handlerCtx, cancelHandlers := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelHandlers()
	// Closed when Run returns; results of handlers cancelled by the drain
	// timeout are dropped instead of blocking on an abandoned reader.
	stopped := make(chan struct{})
	defer close(stopped)

	storeBackoff := retry.Exponential{Base: d.opts.PollInterval, Max: d.opts.MaxStoreBackoff}
	storeFailures := 0

	d.logger.Info("dispatcher started",
		slog.Int("concurrency", d.opts.Concurrency),
		slog.Any("topics", d.Topics()),
	)
	for {
		select {
		case d.slots <- struct{}{}:
		case <-ctx.Done():
			return d.drain(cancelHandlers)
		}

		env, t, failed := d.leaseNext(ctx, topics)
		if t == nil {
			<-d.slots
			wait := d.opts.PollInterval
			if failed {
				storeFailures++
				wait = storeBackoff.Delay(storeFailures)
			} else {
				storeFailures = 0
			}
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return d.drain(cancelHandlers)
			}
			continue
		}
		storeFailures = 0

		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			defer func() { <-d.slots }()
			res := d.process(handlerCtx, t, env)
			if d.opts.Results != nil {
				select {
				case d.opts.Results <- res:
				case <-stopped:
				}
			}
		}()
	}
}

// leaseNext tries each topic once, starting after the last one that
// yielded work. failed reports that every attempt hit a store error.
func (d *Dispatcher) leaseNext(ctx context.Context, topics []*topic) (job.Envelope, *topic, bool) {
	errs := 0
	for i := range topics {
		idx := (d.next + i) % len(topics)
		t := topics[idx]
		if t.limiter != nil && t.limiter.Tokens() < 1 {
			continue
		}
		env, ok, err := d.queue.Lease(ctx, t.name, d.leaseDuration(t))
		if err != nil {
			errs++
			d.storeError(ctx, t.name, err)
			continue
		}
		if !ok {
			continue
		}
		if t.limiter != nil {
			t.limiter.Allow()
		}
		d.next = (idx + 1) % len(topics)
		d.opts.Sink.Emit(ctx, events.Event{
			Kind:    events.Leased,
			Topic:   t.name,
			JobID:   env.ID,
			Attempt: env.Attempt,
			At:      time.Now().UTC(),
		})
		return env, t, false
	}
	return job.Envelope{}, nil, errs > 0 && errs == len(topics)
}

func (d *Dispatcher) storeError(ctx context.Context, topic string, err error) {
	if ctx.Err() != nil {
		return
	}
	if errors.Is(err, job.ErrStoreUnavailable) {
		d.opts.Sink.Emit(ctx, events.Event{
			Kind:  events.StoreUnavailable,
			Topic: topic,
			Error: err.Error(),
			At:    time.Now().UTC(),
		})
		return
	}
	d.logger.Error("lease failed", slog.String("topic", topic), slog.String("error", err.Error()))
}

func (d *Dispatcher) leaseDuration(t *topic) time.Duration {
	if t.cfg.LeaseDuration > 0 {
		return t.cfg.LeaseDuration
	}
	return d.opts.LeaseDuration
}

func (d *Dispatcher) drain(cancelHandlers context.CancelFunc) error {
	inFlight := d.InFlight()
	d.logger.Info("dispatcher draining", slog.Int("in_flight", inFlight))

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	timer := time.NewTimer(d.opts.DrainTimeout)
	defer timer.Stop()
	select {
	case <-done:
		d.logger.Info("dispatcher stopped")
		return nil
	case <-timer.C:
		cancelHandlers()
		d.logger.Warn("drain timeout, cancelled in-flight handlers",
			slog.Int("in_flight", d.InFlight()),
			slog.Duration("timeout", d.opts.DrainTimeout),
		)
		return ErrDrainTimeout
	}
}
