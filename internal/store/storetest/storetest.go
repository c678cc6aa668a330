// Package storetest is a conformance suite every store.Store backend runs.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reliable-queue/internal/job"
	"reliable-queue/internal/store"
)

// Factory returns a fresh, empty backend.
type Factory func(t *testing.T) (store.Store, store.KV)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// Run executes the suite against backends built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("InsertAndGet", func(t *testing.T) { testInsertAndGet(t, newStore) })
	t.Run("CompareAndSwap", func(t *testing.T) { testCompareAndSwap(t, newStore) })
	t.Run("FirstEligibleOrdering", func(t *testing.T) { testFirstEligible(t, newStore) })
	t.Run("ListAndCount", func(t *testing.T) { testListAndCount(t, newStore) })
	t.Run("KV", func(t *testing.T) { testKV(t, newStore) })
	t.Run("SetValueNX", func(t *testing.T) { testSetValueNX(t, newStore) })
}

func pending(id, topic string, notBefore time.Time) job.Envelope {
	return job.Envelope{
		ID:          id,
		Topic:       topic,
		Payload:     []byte(`{"n":1}`),
		Status:      job.StatusPending,
		MaxAttempts: 3,
		NotBefore:   notBefore,
		CreatedAt:   base,
		UpdatedAt:   base,
	}
}

func uniqueTopic() string {
	return fmt.Sprintf("topic-%d", time.Now().UnixNano())
}

func testInsertAndGet(t *testing.T, newStore Factory) {
	st, _ := newStore(t)
	ctx := context.Background()
	topic := uniqueTopic()

	a, err := st.Insert(ctx, pending(topic+"-a", topic, base))
	require.NoError(t, err)
	b, err := st.Insert(ctx, pending(topic+"-b", topic, base))
	require.NoError(t, err)
	assert.Greater(t, b.Seq, a.Seq)

	_, err = st.Insert(ctx, pending(topic+"-a", topic, base))
	assert.ErrorIs(t, err, store.ErrConflict)

	got, err := st.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusPending, got.Status)
	assert.Equal(t, a.Seq, got.Seq)
	assert.Equal(t, 3, got.MaxAttempts)
	assert.JSONEq(t, `{"n":1}`, string(got.Payload))
	assert.True(t, got.NotBefore.Equal(base))

	_, err = st.Get(ctx, "missing")
	assert.ErrorIs(t, err, job.ErrNotFound)
}

func testCompareAndSwap(t *testing.T, newStore Factory) {
	st, _ := newStore(t)
	ctx := context.Background()
	topic := uniqueTopic()

	env, err := st.Insert(ctx, pending(topic+"-a", topic, base))
	require.NoError(t, err)

	leased := env
	leased.Status = job.StatusLeased
	leased.Attempt = 1
	leased.LeaseToken = "t1"
	leased.LeaseExpiry = base.Add(30 * time.Second)
	leased.UpdatedAt = base
	require.NoError(t, st.CompareAndSwap(ctx, store.Expect{Status: job.StatusPending}, leased))

	err = st.CompareAndSwap(ctx, store.Expect{Status: job.StatusPending}, leased)
	assert.ErrorIs(t, err, store.ErrConflict, "second lease of the same envelope")

	done := leased
	done.Status = job.StatusCompleted
	err = st.CompareAndSwap(ctx, store.Expect{Status: job.StatusLeased, LeaseToken: "stale"}, done)
	assert.ErrorIs(t, err, store.ErrConflict)

	require.NoError(t, st.CompareAndSwap(ctx, store.Expect{Status: job.StatusLeased, LeaseToken: "t1"}, done))
	got, err := st.Get(ctx, env.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, got.Status)
	assert.Equal(t, 1, got.Attempt)
	assert.Equal(t, "t1", got.LeaseToken)

	missing := done
	missing.ID = "missing"
	err = st.CompareAndSwap(ctx, store.Expect{Status: job.StatusLeased, LeaseToken: "t1"}, missing)
	assert.ErrorIs(t, err, job.ErrNotFound)
}

func testFirstEligible(t *testing.T, newStore Factory) {
	st, _ := newStore(t)
	ctx := context.Background()
	topic := uniqueTopic()

	a, err := st.Insert(ctx, pending(topic+"-a", topic, base))
	require.NoError(t, err)
	_, err = st.Insert(ctx, pending(topic+"-b", topic, base))
	require.NoError(t, err)
	_, err = st.Insert(ctx, pending(topic+"-c", topic, base.Add(time.Minute)))
	require.NoError(t, err)

	first := func(now time.Time) string {
		t.Helper()
		env, ok, err := st.FirstEligible(ctx, topic, now)
		require.NoError(t, err)
		if !ok {
			return ""
		}
		return env.ID
	}

	assert.Equal(t, topic+"-a", first(base))

	leased := a
	leased.Status = job.StatusLeased
	leased.Attempt = 1
	leased.LeaseToken = "t1"
	leased.LeaseExpiry = base.Add(30 * time.Second)
	require.NoError(t, st.CompareAndSwap(ctx, store.Expect{Status: job.StatusPending}, leased))

	assert.Equal(t, topic+"-b", first(base), "active lease is hidden")
	assert.Equal(t, topic+"-a", first(base.Add(31*time.Second)), "expired lease comes first")

	done := leased
	done.Status = job.StatusCompleted
	done.UpdatedAt = base.Add(2 * time.Minute)
	require.NoError(t, st.CompareAndSwap(ctx, store.Expect{Status: job.StatusLeased, LeaseToken: "t1"}, done))
	assert.Equal(t, topic+"-b", first(base.Add(2*time.Minute)))

	_, ok, err := st.FirstEligible(ctx, "empty-"+topic, base)
	require.NoError(t, err)
	assert.False(t, ok)
}

func testListAndCount(t *testing.T, newStore Factory) {
	st, _ := newStore(t)
	ctx := context.Background()
	topic := uniqueTopic()

	for _, id := range []string{"a", "b", "c"} {
		_, err := st.Insert(ctx, pending(topic+"-"+id, topic, base))
		require.NoError(t, err)
	}
	b, err := st.Get(ctx, topic+"-b")
	require.NoError(t, err)
	dead := b
	dead.Status = job.StatusLeased
	dead.LeaseToken = "t"
	dead.LeaseExpiry = base.Add(time.Minute)
	require.NoError(t, st.CompareAndSwap(ctx, store.Expect{Status: job.StatusPending}, dead))
	dead.Status = job.StatusDeadLettered
	dead.LastError = "boom"
	require.NoError(t, st.CompareAndSwap(ctx, store.Expect{Status: job.StatusLeased, LeaseToken: "t"}, dead))

	list, err := st.List(ctx, topic, job.StatusPending, 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, topic+"-a", list[0].ID)
	assert.Equal(t, topic+"-c", list[1].ID)

	list, err = st.List(ctx, topic, job.StatusPending, 1)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	deadList, err := st.List(ctx, topic, job.StatusDeadLettered, 10)
	require.NoError(t, err)
	require.Len(t, deadList, 1)
	assert.Equal(t, "boom", deadList[0].LastError)

	counts, err := st.Count(ctx, topic)
	require.NoError(t, err)
	assert.EqualValues(t, 2, counts[job.StatusPending])
	assert.EqualValues(t, 1, counts[job.StatusDeadLettered])
	assert.Zero(t, counts[job.StatusLeased])
}

func testKV(t *testing.T, newStore Factory) {
	_, kv := newStore(t)
	ctx := context.Background()
	key := uniqueTopic()

	_, ok, err := kv.GetValue(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, kv.SetValue(ctx, key, "v1", time.Hour))
	v, ok, err := kv.GetValue(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v1", v)

	require.NoError(t, kv.SetValue(ctx, key, "v2", 0))
	require.NoError(t, kv.Expire(ctx, key, time.Hour))
	v, _, err = kv.GetValue(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "v2", v)

	require.NoError(t, kv.DeleteValue(ctx, key))
	_, ok, err = kv.GetValue(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)
}

func testSetValueNX(t *testing.T, newStore Factory) {
	_, kv := newStore(t)
	ctx := context.Background()
	key := uniqueTopic()

	ok, err := kv.SetValueNX(ctx, key, "first", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = kv.SetValueNX(ctx, key, "second", time.Hour)
	require.NoError(t, err)
	assert.False(t, ok)
	v, _, err := kv.GetValue(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "first", v)

	require.NoError(t, kv.DeleteValue(ctx, key))
	ok, err = kv.SetValueNX(ctx, key, "third", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)

	contested := key + "-contested"
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			won, err := kv.SetValueNX(ctx, contested, fmt.Sprint(i), time.Hour)
			assert.NoError(t, err)
			if won {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, wins.Load())
}
