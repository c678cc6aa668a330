package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reliable-queue/internal/events"
	"reliable-queue/internal/job"
	"reliable-queue/internal/store"
	"reliable-queue/internal/store/memory"
	redisstore "reliable-queue/internal/store/redis"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type backend struct {
	name string
	new  func(t *testing.T) (store.Store, store.KV)
}

var backends = []backend{
	{"memory", func(t *testing.T) (store.Store, store.KV) {
		m := memory.New()
		return m, m
	}},
	{"redis", func(t *testing.T) (store.Store, store.KV) {
		mr, err := miniredis.Run()
		require.NoError(t, err)
		t.Cleanup(mr.Close)
		client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		s := redisstore.New(client)
		return s, s
	}},
}

func eachBackend(t *testing.T, fn func(t *testing.T, q *Queue, clock *fakeClock)) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			st, kv := b.new(t)
			clock := newFakeClock()
			q := New(st, WithClock(clock.Now), WithKV(kv, time.Hour), WithDefaultMaxAttempts(3))
			fn(t, q, clock)
		})
	}
}

const lease = 30 * time.Second

func TestEnqueueLeaseAcknowledge(t *testing.T) {
	eachBackend(t, func(t *testing.T, q *Queue, _ *fakeClock) {
		ctx := context.Background()
		id, err := q.Enqueue(ctx, "email", []byte(`{"to":"a@b.com"}`), job.EnqueueOptions{})
		require.NoError(t, err)

		env, ok, err := q.Lease(ctx, "email", lease)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, id, env.ID)
		assert.Equal(t, job.StatusLeased, env.Status)
		assert.Equal(t, 1, env.Attempt)
		assert.Equal(t, 3, env.MaxAttempts)
		assert.JSONEq(t, `{"to":"a@b.com"}`, string(env.Payload))

		_, ok, err = q.Lease(ctx, "email", lease)
		require.NoError(t, err)
		assert.False(t, ok, "leased job must not be handed out twice")

		require.NoError(t, q.Acknowledge(ctx, env.Lease()))
		got, err := q.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, job.StatusCompleted, got.Status)
		assert.Equal(t, 1, got.Attempt)

		err = q.Acknowledge(ctx, env.Lease())
		assert.ErrorIs(t, err, job.ErrInvalidState)
	})
}

func TestLeaseEmptyTopic(t *testing.T) {
	eachBackend(t, func(t *testing.T, q *Queue, _ *fakeClock) {
		_, ok, err := q.Lease(context.Background(), "nothing", lease)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestLeaseOrderFollowsEnqueueOrder(t *testing.T) {
	eachBackend(t, func(t *testing.T, q *Queue, _ *fakeClock) {
		ctx := context.Background()
		var ids []string
		for i := range 5 {
			id, err := q.Enqueue(ctx, "t", []byte(fmt.Sprintf(`{"n":%d}`, i)), job.EnqueueOptions{})
			require.NoError(t, err)
			ids = append(ids, id)
		}
		for _, want := range ids {
			env, ok, err := q.Lease(ctx, "t", lease)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, want, env.ID)
		}
	})
}

func TestDelayedEnqueue(t *testing.T) {
	eachBackend(t, func(t *testing.T, q *Queue, clock *fakeClock) {
		ctx := context.Background()
		id, err := q.Enqueue(ctx, "t", nil, job.EnqueueOptions{Delay: 5 * time.Second})
		require.NoError(t, err)

		_, ok, err := q.Lease(ctx, "t", lease)
		require.NoError(t, err)
		assert.False(t, ok)

		clock.Advance(5 * time.Second)
		env, ok, err := q.Lease(ctx, "t", lease)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, id, env.ID)
	})
}

func TestExpiredLeaseIsReclaimedAndOldTokenIsStale(t *testing.T) {
	eachBackend(t, func(t *testing.T, q *Queue, clock *fakeClock) {
		ctx := context.Background()
		id, err := q.Enqueue(ctx, "t", nil, job.EnqueueOptions{})
		require.NoError(t, err)

		first, ok, err := q.Lease(ctx, "t", lease)
		require.NoError(t, err)
		require.True(t, ok)

		clock.Advance(lease - time.Second)
		_, ok, err = q.Lease(ctx, "t", lease)
		require.NoError(t, err)
		assert.False(t, ok, "lease still active")

		clock.Advance(2 * time.Second)
		second, ok, err := q.Lease(ctx, "t", lease)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, id, second.ID)
		assert.Equal(t, 2, second.Attempt)
		assert.NotEqual(t, first.LeaseToken, second.LeaseToken)

		assert.ErrorIs(t, q.Acknowledge(ctx, first.Lease()), job.ErrStaleLease)
		assert.ErrorIs(t, q.Requeue(ctx, first.Lease(), 0, errors.New("late")), job.ErrStaleLease)
		require.NoError(t, q.Acknowledge(ctx, second.Lease()))
	})
}

func TestAckAfterExpiryBeforeReclaimIsStale(t *testing.T) {
	eachBackend(t, func(t *testing.T, q *Queue, clock *fakeClock) {
		ctx := context.Background()
		_, err := q.Enqueue(ctx, "t", nil, job.EnqueueOptions{})
		require.NoError(t, err)
		env, ok, err := q.Lease(ctx, "t", lease)
		require.NoError(t, err)
		require.True(t, ok)

		clock.Advance(lease + time.Millisecond)
		assert.ErrorIs(t, q.Acknowledge(ctx, env.Lease()), job.ErrStaleLease)
	})
}

func TestUnknownID(t *testing.T) {
	eachBackend(t, func(t *testing.T, q *Queue, _ *fakeClock) {
		ctx := context.Background()
		assert.ErrorIs(t, q.Acknowledge(ctx, job.Lease{ID: "missing", Token: "x"}), job.ErrNotFound)
		assert.ErrorIs(t, q.DeadLetter(ctx, job.Lease{ID: "missing"}, nil), job.ErrNotFound)
		_, err := q.Get(ctx, "missing")
		assert.ErrorIs(t, err, job.ErrNotFound)
	})
}

func TestAckPendingIsInvalidState(t *testing.T) {
	eachBackend(t, func(t *testing.T, q *Queue, _ *fakeClock) {
		ctx := context.Background()
		id, err := q.Enqueue(ctx, "t", nil, job.EnqueueOptions{})
		require.NoError(t, err)
		assert.ErrorIs(t, q.Acknowledge(ctx, job.Lease{ID: id}), job.ErrInvalidState)
	})
}

func TestRequeueWithDelay(t *testing.T) {
	eachBackend(t, func(t *testing.T, q *Queue, clock *fakeClock) {
		ctx := context.Background()
		id, err := q.Enqueue(ctx, "t", nil, job.EnqueueOptions{})
		require.NoError(t, err)
		env, _, err := q.Lease(ctx, "t", lease)
		require.NoError(t, err)

		require.NoError(t, q.Requeue(ctx, env.Lease(), 2*time.Second, errors.New("smtp timeout")))
		got, err := q.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, job.StatusPending, got.Status)
		assert.Equal(t, "smtp timeout", got.LastError)
		assert.Equal(t, 1, got.Attempt)

		_, ok, err := q.Lease(ctx, "t", lease)
		require.NoError(t, err)
		assert.False(t, ok)

		clock.Advance(2 * time.Second)
		again, ok, err := q.Lease(ctx, "t", lease)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, 2, again.Attempt)
	})
}

func TestExpiredLeasesComeBeforePending(t *testing.T) {
	eachBackend(t, func(t *testing.T, q *Queue, clock *fakeClock) {
		ctx := context.Background()
		a, err := q.Enqueue(ctx, "t", nil, job.EnqueueOptions{})
		require.NoError(t, err)
		b, err := q.Enqueue(ctx, "t", nil, job.EnqueueOptions{})
		require.NoError(t, err)

		envA, _, err := q.Lease(ctx, "t", lease)
		require.NoError(t, err)
		require.Equal(t, a, envA.ID)
		envB, _, err := q.Lease(ctx, "t", time.Second)
		require.NoError(t, err)
		require.Equal(t, b, envB.ID)

		require.NoError(t, q.Requeue(ctx, envA.Lease(), 0, nil))
		clock.Advance(2 * time.Second)

		next, ok, err := q.Lease(ctx, "t", lease)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, b, next.ID, "expired lease must be reclaimed first")
	})
}

func TestAbandonedFinalAttemptIsDeadLettered(t *testing.T) {
	eachBackend(t, func(t *testing.T, q *Queue, clock *fakeClock) {
		rec := &events.Recorder{}
		WithSink(rec)(q)
		ctx := context.Background()
		id, err := q.Enqueue(ctx, "t", nil, job.EnqueueOptions{MaxAttempts: 1})
		require.NoError(t, err)
		abandoned, ok, err := q.Lease(ctx, "t", time.Second)
		require.NoError(t, err)
		require.True(t, ok)

		clock.Advance(2 * time.Second)
		_, ok, err = q.Lease(ctx, "t", time.Second)
		require.NoError(t, err)
		assert.False(t, ok)

		got, err := q.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, job.StatusDeadLettered, got.Status)
		assert.Equal(t, 1, got.Attempt)

		require.Equal(t, 1, rec.Count(events.DeadLettered))
		ev := rec.Events()[0]
		assert.Equal(t, id, ev.JobID)
		assert.Equal(t, "t", ev.Topic)
		require.NotNil(t, ev.Envelope)
		assert.Equal(t, job.StatusDeadLettered, ev.Envelope.Status)

		assert.ErrorIs(t, q.Acknowledge(ctx, abandoned.Lease()), job.ErrStaleLease)
		assert.ErrorIs(t, q.Requeue(ctx, abandoned.Lease(), 0, errors.New("late")), job.ErrStaleLease)
		assert.ErrorIs(t, q.DeadLetter(ctx, abandoned.Lease(), errors.New("late")), job.ErrStaleLease)
	})
}

func TestManyAbandonedFinalAttemptsDoNotHidePendingWork(t *testing.T) {
	eachBackend(t, func(t *testing.T, q *Queue, clock *fakeClock) {
		rec := &events.Recorder{}
		WithSink(rec)(q)
		ctx := context.Background()
		const abandoned = 2 * leaseRaces
		for range abandoned {
			_, err := q.Enqueue(ctx, "t", nil, job.EnqueueOptions{MaxAttempts: 1})
			require.NoError(t, err)
			_, ok, err := q.Lease(ctx, "t", time.Second)
			require.NoError(t, err)
			require.True(t, ok)
		}
		fresh, err := q.Enqueue(ctx, "t", nil, job.EnqueueOptions{})
		require.NoError(t, err)

		clock.Advance(2 * time.Second)
		env, ok, err := q.Lease(ctx, "t", time.Second)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, fresh, env.ID)
		assert.Equal(t, abandoned, rec.Count(events.DeadLettered))
	})
}

func TestConcurrentLeasesNeverShareAJob(t *testing.T) {
	eachBackend(t, func(t *testing.T, q *Queue, _ *fakeClock) {
		ctx := context.Background()
		const jobs = 40
		for range jobs {
			_, err := q.Enqueue(ctx, "t", nil, job.EnqueueOptions{})
			require.NoError(t, err)
		}

		var mu sync.Mutex
		seen := make(map[string]int)
		var wg sync.WaitGroup
		for range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					env, ok, err := q.Lease(ctx, "t", lease)
					if err != nil || !ok {
						return
					}
					mu.Lock()
					seen[env.ID]++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Len(t, seen, jobs)
		for id, n := range seen {
			assert.Equal(t, 1, n, "job %s leased %d times", id, n)
		}
	})
}

func TestIdempotentEnqueue(t *testing.T) {
	eachBackend(t, func(t *testing.T, q *Queue, _ *fakeClock) {
		ctx := context.Background()
		first, dup, err := q.EnqueueJob(ctx, "t", []byte(`{}`), job.EnqueueOptions{IdempotencyKey: "k1"})
		require.NoError(t, err)
		assert.False(t, dup)

		second, dup, err := q.EnqueueJob(ctx, "t", []byte(`{}`), job.EnqueueOptions{IdempotencyKey: "k1"})
		require.NoError(t, err)
		assert.True(t, dup)
		assert.Equal(t, first.ID, second.ID)

		other, err := q.Enqueue(ctx, "other", []byte(`{}`), job.EnqueueOptions{IdempotencyKey: "k1"})
		require.NoError(t, err)
		assert.NotEqual(t, first.ID, other)
	})
}

func TestConcurrentIdempotentEnqueueStoresOneJob(t *testing.T) {
	eachBackend(t, func(t *testing.T, q *Queue, _ *fakeClock) {
		ctx := context.Background()
		const producers = 50
		var (
			wg     sync.WaitGroup
			mu     sync.Mutex
			ids    = make(map[string]int)
			stored int
		)
		for range producers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				env, dup, err := q.EnqueueJob(ctx, "t", []byte(`{}`), job.EnqueueOptions{IdempotencyKey: "fire-1"})
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				ids[env.ID]++
				if !dup {
					stored++
				}
				mu.Unlock()
			}()
		}
		wg.Wait()

		assert.Len(t, ids, 1)
		assert.Equal(t, 1, stored)
		counts, err := q.Stats(ctx, "t")
		require.NoError(t, err)
		assert.EqualValues(t, 1, counts[job.StatusPending])
	})
}

func TestFailedInsertReleasesIdempotencyKey(t *testing.T) {
	eachBackend(t, func(t *testing.T, q *Queue, _ *fakeClock) {
		ctx := context.Background()
		taken, err := q.Enqueue(ctx, "t", nil, job.EnqueueOptions{})
		require.NoError(t, err)

		newID := q.newID
		q.newID = func() string { return taken }
		_, _, err = q.EnqueueJob(ctx, "t", nil, job.EnqueueOptions{IdempotencyKey: "k"})
		assert.ErrorIs(t, err, store.ErrConflict)

		q.newID = newID
		env, dup, err := q.EnqueueJob(ctx, "t", nil, job.EnqueueOptions{IdempotencyKey: "k"})
		require.NoError(t, err)
		assert.False(t, dup)
		assert.NotEqual(t, taken, env.ID)
	})
}

func TestDeadLetterListAndReplay(t *testing.T) {
	eachBackend(t, func(t *testing.T, q *Queue, _ *fakeClock) {
		ctx := context.Background()
		id, err := q.Enqueue(ctx, "email", []byte(`{"to":"a@b.com"}`), job.EnqueueOptions{MaxAttempts: 2})
		require.NoError(t, err)
		env, _, err := q.Lease(ctx, "email", lease)
		require.NoError(t, err)

		_, err = q.Replay(ctx, id)
		assert.ErrorIs(t, err, job.ErrInvalidState)

		require.NoError(t, q.DeadLetter(ctx, env.Lease(), errors.New("bounced")))
		assert.ErrorIs(t, q.Requeue(ctx, env.Lease(), 0, nil), job.ErrInvalidState)

		dead, err := q.ListDead(ctx, "email", 10)
		require.NoError(t, err)
		require.Len(t, dead, 1)
		assert.Equal(t, id, dead[0].ID)
		assert.Equal(t, "bounced", dead[0].LastError)

		newID, err := q.Replay(ctx, id)
		require.NoError(t, err)
		assert.NotEqual(t, id, newID)

		replayed, err := q.Get(ctx, newID)
		require.NoError(t, err)
		assert.Equal(t, job.StatusPending, replayed.Status)
		assert.Equal(t, 0, replayed.Attempt)
		assert.Equal(t, 2, replayed.MaxAttempts)

		original, err := q.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, job.StatusDeadLettered, original.Status)

		stats, err := q.Stats(ctx, "email")
		require.NoError(t, err)
		assert.Equal(t, int64(1), stats[job.StatusDeadLettered])
		assert.Equal(t, int64(1), stats[job.StatusPending])
	})
}

func TestEnqueueValidation(t *testing.T) {
	q := New(memory.New(), WithTopicMaxAttempts("strict", 1))
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "", nil, job.EnqueueOptions{})
	assert.Error(t, err)
	_, err = q.Enqueue(ctx, "t", []byte("not json"), job.EnqueueOptions{})
	assert.Error(t, err)
	_, err = q.Enqueue(ctx, "t", nil, job.EnqueueOptions{MaxAttempts: -1})
	assert.Error(t, err)
	_, err = q.Enqueue(ctx, "t", nil, job.EnqueueOptions{Delay: -time.Second})
	assert.Error(t, err)

	env, _, err := q.EnqueueJob(ctx, "strict", nil, job.EnqueueOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, env.MaxAttempts)
}
