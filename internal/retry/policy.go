// Package retry decides whether a failed job is retried and after how long.
// Policies are pure and safe for concurrent use.
package retry

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// Decision is the outcome of a Policy.
type Decision struct {
	Retry bool
	Delay time.Duration
}

// GiveUp is the decision to dead-letter.
var GiveUp = Decision{}

// After returns a retry decision with delay d.
func After(d time.Duration) Decision { return Decision{Retry: true, Delay: d} }

func (d Decision) String() string {
	if !d.Retry {
		return "give up"
	}
	return "retry after " + d.Delay.String()
}

// Policy maps (attempt, maxAttempts, err) to a Decision. attempt counts
// deliveries so far, starting at 1 for the first failure.
type Policy interface {
	Decide(attempt, maxAttempts int, err error) Decision
}

// PolicyFunc adapts a function to Policy.
type PolicyFunc func(attempt, maxAttempts int, err error) Decision

func (f PolicyFunc) Decide(attempt, maxAttempts int, err error) Decision {
	return f(attempt, maxAttempts, err)
}

// Strategy names accepted by Config.
const (
	StrategyConstant    = "constant"
	StrategyExponential = "exponential"
)

// Config is the configurable surface of the built-in policies.
type Config struct {
	Strategy  string
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// New builds the policy described by cfg.
func New(cfg Config) (Policy, error) {
	if cfg.BaseDelay < 0 || cfg.MaxDelay < 0 {
		return nil, fmt.Errorf("retry: negative delay in %+v", cfg)
	}
	switch strings.ToLower(cfg.Strategy) {
	case StrategyConstant:
		return Constant{Delay: cfg.BaseDelay}, nil
	case StrategyExponential, "":
		return Exponential{Base: cfg.BaseDelay, Max: cfg.MaxDelay}, nil
	}
	return nil, fmt.Errorf("retry: unknown strategy %q", cfg.Strategy)
}

// Constant retries with the same delay every time.
type Constant struct {
	Delay time.Duration
}

func (c Constant) Decide(attempt, maxAttempts int, err error) Decision {
	if exhausted(attempt, maxAttempts, err) {
		return GiveUp
	}
	return After(c.Delay)
}

// Exponential retries after Base * 2^(attempt-1), capped at Max when Max > 0.
type Exponential struct {
	Base time.Duration
	Max  time.Duration
}

func (e Exponential) Decide(attempt, maxAttempts int, err error) Decision {
	if exhausted(attempt, maxAttempts, err) {
		return GiveUp
	}
	return After(e.Delay(attempt))
}

// Delay returns the backoff for attempt without the give-up check.
func (e Exponential) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(e.Base) * math.Pow(2, float64(attempt-1))
	if e.Max > 0 && d > float64(e.Max) {
		return e.Max
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

func exhausted(attempt, maxAttempts int, err error) bool {
	return attempt >= maxAttempts || IsPermanent(err)
}

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying; built-in policies give up on it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
