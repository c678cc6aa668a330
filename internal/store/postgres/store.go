// Package postgres implements store.Store and store.KV on Postgres.
//
// Status transitions are single conditional UPDATE statements guarded by
// the expected status and lease token, so row-level locking provides the
// compare-and-swap. Enqueue order is the BIGSERIAL seq column.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"reliable-queue/internal/job"
	"reliable-queue/internal/store"
)

var (
	_ store.Store = (*Store)(nil)
	_ store.KV    = (*Store)(nil)
)

const envelopeColumns = `id, seq, topic, payload, status, attempt, max_attempts, not_before, lease_expiry, lease_token, last_error, created_at, updated_at`

// Store wraps pgxpool for envelope persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, job.Unavailable("connect postgres", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *Store) Insert(ctx context.Context, env job.Envelope) (job.Envelope, error) {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO envelopes (id, topic, payload, status, attempt, max_attempts, not_before, lease_expiry, lease_token, last_error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING seq
	`, env.ID, env.Topic, []byte(env.Payload), string(env.Status), env.Attempt, env.MaxAttempts,
		env.NotBefore, nullTime(env.LeaseExpiry), env.LeaseToken, env.LastError, env.CreatedAt, env.UpdatedAt,
	).Scan(&env.Seq)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return job.Envelope{}, store.ErrConflict
		}
		return job.Envelope{}, wrap("insert envelope", err)
	}
	return env, nil
}

func (s *Store) Get(ctx context.Context, id string) (job.Envelope, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+envelopeColumns+` FROM envelopes WHERE id = $1`, id)
	env, err := scanEnvelope(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return job.Envelope{}, job.ErrNotFound
	}
	if err != nil {
		return job.Envelope{}, wrap("get envelope", err)
	}
	return env, nil
}

func (s *Store) CompareAndSwap(ctx context.Context, expect store.Expect, next job.Envelope) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE envelopes
		SET status = $4, attempt = $5, not_before = $6, lease_expiry = $7, lease_token = $8, last_error = $9, updated_at = $10
		WHERE id = $1 AND status = $2 AND lease_token = $3
	`, next.ID, string(expect.Status), expect.LeaseToken,
		string(next.Status), next.Attempt, next.NotBefore, nullTime(next.LeaseExpiry), next.LeaseToken, next.LastError, next.UpdatedAt,
	)
	if err != nil {
		return wrap("compare and swap", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM envelopes WHERE id = $1)`, next.ID).Scan(&exists); err != nil {
		return wrap("compare and swap exists", err)
	}
	if !exists {
		return job.ErrNotFound
	}
	return store.ErrConflict
}

func (s *Store) FirstEligible(ctx context.Context, topic string, now time.Time) (job.Envelope, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+envelopeColumns+` FROM envelopes
		WHERE topic = $1
		  AND ((status = 'leased' AND lease_expiry < $2) OR (status = 'pending' AND not_before <= $2))
		ORDER BY (status = 'leased') DESC, seq ASC
		LIMIT 1
	`, topic, now)
	env, err := scanEnvelope(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return job.Envelope{}, false, nil
	}
	if err != nil {
		return job.Envelope{}, false, wrap("first eligible", err)
	}
	return env, true, nil
}

func (s *Store) List(ctx context.Context, topic string, status job.Status, limit int) ([]job.Envelope, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+envelopeColumns+` FROM envelopes
		WHERE topic = $1 AND status = $2
		ORDER BY seq ASC
		LIMIT $3
	`, topic, string(status), limit)
	if err != nil {
		return nil, wrap("list envelopes", err)
	}
	defer rows.Close()

	out := make([]job.Envelope, 0)
	for rows.Next() {
		env, err := scanEnvelope(rows)
		if err != nil {
			return nil, fmt.Errorf("scan envelope: %w", err)
		}
		out = append(out, env)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("list envelopes", err)
	}
	return out, nil
}

func (s *Store) Count(ctx context.Context, topic string) (map[job.Status]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM envelopes WHERE topic = $1 GROUP BY status`, topic)
	if err != nil {
		return nil, wrap("count envelopes", err)
	}
	defer rows.Close()

	counts := make(map[job.Status]int64)
	for rows.Next() {
		var st string
		var n int64
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[job.Status(st)] = n
	}
	return counts, wrap("count envelopes", rows.Err())
}

func (s *Store) Ping(ctx context.Context) error {
	return wrap("ping", s.pool.Ping(ctx))
}

func (s *Store) GetValue(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.pool.QueryRow(ctx, `
		SELECT value FROM kv WHERE key = $1 AND (expires_at IS NULL OR expires_at > NOW())
	`, key).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrap("get value", err)
	}
	return v, true, nil
}

func (s *Store) SetValue(ctx context.Context, key, value string, ttl time.Duration) error {
	var expires *time.Time
	if ttl > 0 {
		t := time.Now().Add(ttl)
		expires = &t
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO kv (key, value, expires_at) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at
	`, key, value, expires)
	return wrap("set value", err)
}

// SetValueNX only overwrites a row whose expiry has passed.
func (s *Store) SetValueNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	var expires *time.Time
	if ttl > 0 {
		t := time.Now().Add(ttl)
		expires = &t
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO kv (key, value, expires_at) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at
		WHERE kv.expires_at IS NOT NULL AND kv.expires_at <= NOW()
	`, key, value, expires)
	if err != nil {
		return false, wrap("set value nx", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) DeleteValue(ctx context.Context, key string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM kv WHERE key = $1`, key)
	return wrap("delete value", err)
}

func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	_, err := s.pool.Exec(ctx, `UPDATE kv SET expires_at = $2 WHERE key = $1`, key, time.Now().Add(ttl))
	return wrap("expire", err)
}

func scanEnvelope(row pgx.Row) (job.Envelope, error) {
	var env job.Envelope
	var status string
	var payload []byte
	var leaseExpiry pgtype.Timestamptz
	if err := row.Scan(&env.ID, &env.Seq, &env.Topic, &payload, &status, &env.Attempt, &env.MaxAttempts,
		&env.NotBefore, &leaseExpiry, &env.LeaseToken, &env.LastError, &env.CreatedAt, &env.UpdatedAt); err != nil {
		return job.Envelope{}, err
	}
	env.Status = job.Status(status)
	if len(payload) > 0 {
		env.Payload = payload
	}
	if leaseExpiry.Valid {
		env.LeaseExpiry = leaseExpiry.Time
	}
	return env, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// wrap keeps server-reported errors as-is and marks connection level
// failures as unavailable.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return fmt.Errorf("postgres %s: %w", op, err)
	}
	return job.Unavailable("postgres "+op, err)
}
