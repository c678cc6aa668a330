// Package redis implements store.Store and store.KV on Redis.
//
// Envelopes are hashes under rq:job:{id}. Each topic keeps three scheduling
// sorted sets (ready by sequence, delayed by not_before, leased by
// lease_expiry) and one sorted set per status for inspection. Every status
// transition runs in a single Lua script, so concurrent dispatchers in
// different processes observe the same compare-and-swap outcome.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"reliable-queue/internal/job"
	"reliable-queue/internal/store"
)

var (
	_ store.Store = (*Store)(nil)
	_ store.KV    = (*Store)(nil)
)

var allStatuses = []job.Status{
	job.StatusPending,
	job.StatusLeased,
	job.StatusCompleted,
	job.StatusFailed,
	job.StatusDeadLettered,
}

// Store is a Redis-backed envelope store. The caller owns the client.
type Store struct {
	client goredis.UniversalClient
}

// New wraps an existing client.
func New(client goredis.UniversalClient) *Store {
	return &Store{client: client}
}

// NewClient builds a client the way both binaries configure it.
func NewClient(addr, password string, db int) *goredis.Client {
	return goredis.NewClient(&goredis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

// Client returns the underlying Redis client.
func (s *Store) Client() goredis.UniversalClient { return s.client }

func (s *Store) Insert(ctx context.Context, env job.Envelope) (job.Envelope, error) {
	key := jobKey(env.ID)
	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return job.Envelope{}, wrap("insert exists", err)
	}
	if exists > 0 {
		return job.Envelope{}, store.ErrConflict
	}
	seq, err := s.client.Incr(ctx, seqKey).Result()
	if err != nil {
		return job.Envelope{}, wrap("insert seq", err)
	}
	env.Seq = seq

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, toHash(env))
	pipe.ZAdd(ctx, statusKey(env.Topic, env.Status), goredis.Z{Score: float64(seq), Member: env.ID})
	switch {
	case env.Status != job.StatusPending:
	case env.NotBefore.After(env.CreatedAt):
		pipe.ZAdd(ctx, delayedKey(env.Topic), goredis.Z{Score: float64(env.NotBefore.UnixMilli()), Member: env.ID})
	default:
		pipe.ZAdd(ctx, readyKey(env.Topic), goredis.Z{Score: float64(seq), Member: env.ID})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return job.Envelope{}, wrap("insert", err)
	}
	return env, nil
}

func (s *Store) Get(ctx context.Context, id string) (job.Envelope, error) {
	fields, err := s.client.HGetAll(ctx, jobKey(id)).Result()
	if err != nil {
		return job.Envelope{}, wrap("get", err)
	}
	if len(fields) == 0 {
		return job.Envelope{}, job.ErrNotFound
	}
	return fromHash(fields)
}

func (s *Store) CompareAndSwap(ctx context.Context, expect store.Expect, next job.Envelope) error {
	keys := []string{
		jobKey(next.ID),
		readyKey(next.Topic),
		delayedKey(next.Topic),
		leasedKey(next.Topic),
		statusKey(next.Topic, expect.Status),
		statusKey(next.Topic, next.Status),
	}
	res, err := casScript.Run(ctx, s.client, keys,
		string(expect.Status),
		expect.LeaseToken,
		string(next.Status),
		next.Attempt,
		millis(next.NotBefore),
		millis(next.LeaseExpiry),
		next.LeaseToken,
		next.LastError,
		millis(next.UpdatedAt),
		next.ID,
		millis(next.UpdatedAt),
	).Text()
	if err != nil {
		return wrap("compare and swap", err)
	}
	switch res {
	case "OK":
		return nil
	case "NOTFOUND":
		return job.ErrNotFound
	case "CONFLICT":
		return store.ErrConflict
	}
	return fmt.Errorf("compare and swap: unexpected script result %q", res)
}

func (s *Store) FirstEligible(ctx context.Context, topic string, now time.Time) (job.Envelope, bool, error) {
	keys := []string{readyKey(topic), delayedKey(topic), leasedKey(topic)}
	id, err := firstEligibleScript.Run(ctx, s.client, keys, now.UnixMilli(), jobPrefix).Text()
	if errors.Is(err, goredis.Nil) {
		return job.Envelope{}, false, nil
	}
	if err != nil {
		return job.Envelope{}, false, wrap("first eligible", err)
	}
	env, err := s.Get(ctx, id)
	if errors.Is(err, job.ErrNotFound) {
		return job.Envelope{}, false, nil
	}
	if err != nil {
		return job.Envelope{}, false, err
	}
	return env, true, nil
}

func (s *Store) List(ctx context.Context, topic string, status job.Status, limit int) ([]job.Envelope, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	ids, err := s.client.ZRange(ctx, statusKey(topic, status), 0, stop).Result()
	if err != nil {
		return nil, wrap("list", err)
	}
	if len(ids) == 0 {
		return []job.Envelope{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*goredis.MapStringStringCmd, 0, len(ids))
	for _, id := range ids {
		cmds = append(cmds, pipe.HGetAll(ctx, jobKey(id)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, wrap("list", err)
	}
	out := make([]job.Envelope, 0, len(ids))
	for _, c := range cmds {
		if len(c.Val()) == 0 {
			continue
		}
		env, err := fromHash(c.Val())
		if err != nil {
			return nil, err
		}
		out = append(out, env)
	}
	return out, nil
}

func (s *Store) Count(ctx context.Context, topic string) (map[job.Status]int64, error) {
	pipe := s.client.Pipeline()
	cmds := make(map[job.Status]*goredis.IntCmd, len(allStatuses))
	for _, st := range allStatuses {
		cmds[st] = pipe.ZCard(ctx, statusKey(topic, st))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, wrap("count", err)
	}
	counts := make(map[job.Status]int64, len(cmds))
	for st, c := range cmds {
		if n := c.Val(); n > 0 {
			counts[st] = n
		}
	}
	return counts, nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return wrap("ping", err)
	}
	return nil
}

func (s *Store) GetValue(ctx context.Context, key string) (string, bool, error) {
	v, err := s.client.Get(ctx, valueKey(key)).Result()
	if errors.Is(err, goredis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrap("get value", err)
	}
	return v, true, nil
}

func (s *Store) SetValue(ctx context.Context, key, value string, ttl time.Duration) error {
	return wrap("set value", s.client.Set(ctx, valueKey(key), value, ttl).Err())
}

func (s *Store) SetValueNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, valueKey(key), value, ttl).Result()
	if err != nil {
		return false, wrap("set value nx", err)
	}
	return ok, nil
}

func (s *Store) DeleteValue(ctx context.Context, key string) error {
	return wrap("delete value", s.client.Del(ctx, valueKey(key)).Err())
}

func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return wrap("expire", s.client.Expire(ctx, valueKey(key), ttl).Err())
}

// wrap marks anything that is not a server-side reply error as unavailable.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var rerr goredis.Error
	if errors.As(err, &rerr) {
		return fmt.Errorf("redis %s: %w", op, err)
	}
	return job.Unavailable("redis "+op, err)
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(v string) time.Time {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func toHash(env job.Envelope) map[string]any {
	return map[string]any{
		"id":           env.ID,
		"topic":        env.Topic,
		"payload":      string(env.Payload),
		"status":       string(env.Status),
		"attempt":      env.Attempt,
		"max_attempts": env.MaxAttempts,
		"not_before":   millis(env.NotBefore),
		"lease_expiry": millis(env.LeaseExpiry),
		"lease_token":  env.LeaseToken,
		"last_error":   env.LastError,
		"seq":          env.Seq,
		"created_at":   millis(env.CreatedAt),
		"updated_at":   millis(env.UpdatedAt),
	}
}

func fromHash(f map[string]string) (job.Envelope, error) {
	attempt, err := strconv.Atoi(f["attempt"])
	if err != nil {
		return job.Envelope{}, fmt.Errorf("decode attempt for %s: %w", f["id"], err)
	}
	maxAttempts, err := strconv.Atoi(f["max_attempts"])
	if err != nil {
		return job.Envelope{}, fmt.Errorf("decode max_attempts for %s: %w", f["id"], err)
	}
	seq, err := strconv.ParseInt(f["seq"], 10, 64)
	if err != nil {
		return job.Envelope{}, fmt.Errorf("decode seq for %s: %w", f["id"], err)
	}
	env := job.Envelope{
		ID:          f["id"],
		Topic:       f["topic"],
		Status:      job.Status(f["status"]),
		Attempt:     attempt,
		MaxAttempts: maxAttempts,
		NotBefore:   fromMillis(f["not_before"]),
		LeaseExpiry: fromMillis(f["lease_expiry"]),
		LeaseToken:  f["lease_token"],
		LastError:   f["last_error"],
		Seq:         seq,
		CreatedAt:   fromMillis(f["created_at"]),
		UpdatedAt:   fromMillis(f["updated_at"]),
	}
	if p := f["payload"]; p != "" {
		env.Payload = []byte(p)
	}
	return env, nil
}
