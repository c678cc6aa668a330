package job

import (
	"encoding/json"
	"time"
)

// Status enumerates the lifecycle states of an envelope.
type Status string

const (
	StatusPending      Status = "pending"
	StatusLeased       Status = "leased"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusDeadLettered Status = "dead_lettered"
)

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusDeadLettered
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusLeased, StatusCompleted, StatusFailed, StatusDeadLettered:
		return true
	}
	return false
}

// Envelope is a unit of work held by the queue.
type Envelope struct {
	ID          string          `json:"id"`
	Topic       string          `json:"topic"`
	Payload     json.RawMessage `json:"payload"`
	Status      Status          `json:"status"`
	Attempt     int             `json:"attempt"`
	MaxAttempts int             `json:"max_attempts"`
	NotBefore   time.Time       `json:"not_before"`
	LeaseExpiry time.Time       `json:"lease_expiry,omitempty"`
	LeaseToken  string          `json:"-"`
	LastError   string          `json:"last_error,omitempty"`
	Seq         int64           `json:"seq"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Lease is the caller's proof of an active claim on an envelope.
type Lease struct {
	ID     string `json:"id"`
	Token  string `json:"token"`
	Expiry time.Time
}

// LeaseExpired reports whether a Leased envelope has outlived its lease at now.
func (e Envelope) LeaseExpired(now time.Time) bool {
	return e.Status == StatusLeased && e.LeaseExpiry.Before(now)
}

// EnqueueOptions tune a single enqueue.
type EnqueueOptions struct {
	Delay          time.Duration
	MaxAttempts    int
	IdempotencyKey string
}

// Lease returns the claim currently recorded on the envelope.
func (e Envelope) Lease() Lease {
	return Lease{ID: e.ID, Token: e.LeaseToken, Expiry: e.LeaseExpiry}
}
