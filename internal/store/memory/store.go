// Package memory is an in-process store.Store, safe for concurrent use.
// Intended for tests and single-process development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"reliable-queue/internal/job"
	"reliable-queue/internal/store"
)

var (
	_ store.Store = (*Store)(nil)
	_ store.KV    = (*Store)(nil)
)

type value struct {
	v       string
	expires time.Time
}

// Store keeps envelopes and values in maps guarded by one mutex.
type Store struct {
	mu     sync.RWMutex
	seq    int64
	jobs   map[string]job.Envelope
	values map[string]value
	now    func() time.Time
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		jobs:   make(map[string]job.Envelope),
		values: make(map[string]value),
		now:    time.Now,
	}
}

// WithClock overrides the clock used for value expiry.
func (m *Store) WithClock(now func() time.Time) *Store {
	m.now = now
	return m
}

func (m *Store) Insert(_ context.Context, env job.Envelope) (job.Envelope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[env.ID]; ok {
		return job.Envelope{}, store.ErrConflict
	}
	m.seq++
	env.Seq = m.seq
	m.jobs[env.ID] = env
	return env, nil
}

func (m *Store) Get(_ context.Context, id string) (job.Envelope, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	env, ok := m.jobs[id]
	if !ok {
		return job.Envelope{}, job.ErrNotFound
	}
	return env, nil
}

func (m *Store) CompareAndSwap(_ context.Context, expect store.Expect, next job.Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.jobs[next.ID]
	if !ok {
		return job.ErrNotFound
	}
	if !expect.Matches(cur) {
		return store.ErrConflict
	}
	next.Seq = cur.Seq
	m.jobs[next.ID] = next
	return nil
}

func (m *Store) FirstEligible(_ context.Context, topic string, now time.Time) (job.Envelope, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var expired, pending *job.Envelope
	for _, env := range m.jobs {
		if env.Topic != topic || !store.Eligible(env, now) {
			continue
		}
		e := env
		if e.Status == job.StatusLeased {
			if expired == nil || e.Seq < expired.Seq {
				expired = &e
			}
			continue
		}
		if pending == nil || e.Seq < pending.Seq {
			pending = &e
		}
	}
	if expired != nil {
		return *expired, true, nil
	}
	if pending != nil {
		return *pending, true, nil
	}
	return job.Envelope{}, false, nil
}

func (m *Store) List(_ context.Context, topic string, status job.Status, limit int) ([]job.Envelope, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]job.Envelope, 0)
	for _, env := range m.jobs {
		if env.Topic == topic && env.Status == status {
			out = append(out, env)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Seq < out[k].Seq })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Store) Count(_ context.Context, topic string) (map[job.Status]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[job.Status]int64)
	for _, env := range m.jobs {
		if env.Topic == topic {
			counts[env.Status]++
		}
	}
	return counts, nil
}

func (m *Store) Ping(_ context.Context) error { return nil }

func (m *Store) GetValue(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	if !ok {
		return "", false, nil
	}
	if !v.expires.IsZero() && !v.expires.After(m.now()) {
		delete(m.values, key)
		return "", false, nil
	}
	return v.v, true, nil
}

func (m *Store) SetValue(_ context.Context, key, val string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := value{v: val}
	if ttl > 0 {
		v.expires = m.now().Add(ttl)
	}
	m.values[key] = v
	return nil
}

func (m *Store) SetValueNX(_ context.Context, key, val string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.values[key]; ok && (cur.expires.IsZero() || cur.expires.After(m.now())) {
		return false, nil
	}
	v := value{v: val}
	if ttl > 0 {
		v.expires = m.now().Add(ttl)
	}
	m.values[key] = v
	return true, nil
}

func (m *Store) DeleteValue(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}

func (m *Store) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	if !ok {
		return nil
	}
	v.expires = m.now().Add(ttl)
	m.values[key] = v
	return nil
}
