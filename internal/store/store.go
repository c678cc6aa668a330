// Package store defines the durable store contract the queue is built on.
//
// A backend provides three capabilities: a conditional update on an
// envelope's status and lease token, ordered retrieval of the earliest
// eligible envelope of a topic, and plain key/value storage with expiry.
package store

import (
	"context"
	"errors"
	"time"

	"reliable-queue/internal/job"
)

// ErrConflict is returned by CompareAndSwap when the stored envelope no
// longer matches the expectation.
var ErrConflict = errors.New("store: compare-and-swap conflict")

// Expect is the precondition for CompareAndSwap.
type Expect struct {
	Status     job.Status
	LeaseToken string
}

// Matches reports whether env satisfies the expectation.
func (x Expect) Matches(env job.Envelope) bool {
	return env.Status == x.Status && env.LeaseToken == x.LeaseToken
}

// Store is the durable envelope store.
type Store interface {
	// Insert persists a new envelope and assigns its enqueue sequence.
	Insert(ctx context.Context, env job.Envelope) (job.Envelope, error)
	// Get returns job.ErrNotFound for unknown ids.
	Get(ctx context.Context, id string) (job.Envelope, error)
	// CompareAndSwap replaces the envelope only if the current record
	// matches expect. It returns job.ErrNotFound or ErrConflict otherwise.
	CompareAndSwap(ctx context.Context, expect Expect, next job.Envelope) error
	// FirstEligible returns the earliest envelope of topic that can be
	// leased at now. Expired leases come before pending envelopes.
	FirstEligible(ctx context.Context, topic string, now time.Time) (job.Envelope, bool, error)
	// List returns up to limit envelopes of topic in status, oldest first.
	List(ctx context.Context, topic string, status job.Status, limit int) ([]job.Envelope, error)
	// Count returns the number of envelopes of topic per status.
	Count(ctx context.Context, topic string) (map[job.Status]int64, error)
	Ping(ctx context.Context) error
}

// KV is the auxiliary key/value capability.
type KV interface {
	GetValue(ctx context.Context, key string) (string, bool, error)
	SetValue(ctx context.Context, key, value string, ttl time.Duration) error
	// SetValueNX stores value only if key is absent or expired and reports
	// whether it did. Concurrent callers see exactly one winner.
	SetValueNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	DeleteValue(ctx context.Context, key string) error
	Expire(ctx context.Context, key string, ttl time.Duration) error
}

// Eligible reports whether env may be leased at now.
func Eligible(env job.Envelope, now time.Time) bool {
	switch env.Status {
	case job.StatusPending:
		return !env.NotBefore.After(now)
	case job.StatusLeased:
		return env.LeaseExpiry.Before(now)
	}
	return false
}
