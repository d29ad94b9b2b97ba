package deletion

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_UpsertSupersedes(t *testing.T) {
	var gone []Job
	r := NewRegistry(WithTerminalHook(func(j Job) { gone = append(gone, j) }))
	key := Key{ChatID: 1, MessageID: 10}
	now := time.Now()

	first := r.Upsert(key, now.Add(300*time.Second))
	second := r.Upsert(key, now.Add(5*time.Second))

	assert.Equal(t, 1, r.Len())
	j, ok := r.Get(key)
	require.True(t, ok)
	assert.Equal(t, StatusPending, j.Status)
	assert.Equal(t, now.Add(5*time.Second), j.DueTime)

	assert.False(t, first.Live())
	assert.True(t, second.Live())
	require.Len(t, gone, 1)
	assert.Equal(t, StatusCancelled, gone[0].Status)
}

func TestRegistry_CancelAbsentIsNoop(t *testing.T) {
	r := NewRegistry()
	assert.False(t, r.Cancel(Key{ChatID: 1, MessageID: 1}))
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_Cancel(t *testing.T) {
	r := NewRegistry()
	key := Key{ChatID: 1, MessageID: 2}
	r.Upsert(key, time.Now())
	assert.True(t, r.Cancel(key))
	_, ok := r.Get(key)
	assert.False(t, ok)
	assert.False(t, r.Cancel(key))
}

func TestRegistry_StaleHandleDoesNotCancelNewerJob(t *testing.T) {
	r := NewRegistry()
	key := Key{ChatID: 1, MessageID: 3}
	old := r.Upsert(key, time.Now())
	r.Upsert(key, time.Now())

	assert.False(t, old.Cancel())
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_MarkTerminal(t *testing.T) {
	r := NewRegistry()
	key := Key{ChatID: 5, MessageID: 5}
	r.Upsert(key, time.Now())

	assert.False(t, r.MarkTerminal(key, StatusRetrying), "non-terminal status is ignored")
	assert.True(t, r.MarkTerminal(key, StatusDone))
	assert.Equal(t, 0, r.Len())
	assert.False(t, r.MarkTerminal(key, StatusFailed), "already purged")
}

func TestRegistry_FireAndRetryTransitions(t *testing.T) {
	r := NewRegistry()
	key := Key{ChatID: 7, MessageID: 1}
	h := r.Upsert(key, time.Now())

	j, ok := r.fire(key, h.gen)
	require.True(t, ok)
	assert.Equal(t, StatusFiring, j.Status)
	assert.Equal(t, 1, j.Attempts)

	_, ok = r.fire(key, h.gen)
	assert.False(t, ok, "a firing job cannot fire twice")

	due := time.Now().Add(time.Second)
	require.True(t, r.retry(key, h.gen, due, time.Second))
	j, _ = r.Get(key)
	assert.Equal(t, StatusRetrying, j.Status)
	assert.Equal(t, time.Second, j.Backoff)

	j, ok = r.fire(key, h.gen)
	require.True(t, ok)
	assert.Equal(t, 2, j.Attempts)
}

func TestRegistry_FinishDiscardsSupersededGeneration(t *testing.T) {
	r := NewRegistry()
	key := Key{ChatID: 8, MessageID: 1}
	h := r.Upsert(key, time.Now())
	_, ok := r.fire(key, h.gen)
	require.True(t, ok)

	newer := r.Upsert(key, time.Now().Add(time.Minute))
	assert.False(t, r.finish(key, h.gen, StatusDone))
	assert.False(t, r.retry(key, h.gen, time.Now(), 0))
	assert.True(t, newer.Live())
}

func TestRegistry_CancelAll(t *testing.T) {
	r := NewRegistry()
	for i := 0; i < 10; i++ {
		r.Upsert(Key{ChatID: 1, MessageID: i}, time.Now())
	}
	assert.Equal(t, 10, r.CancelAll())
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_ConcurrentUpsertSameKey(t *testing.T) {
	r := NewRegistry()
	key := Key{ChatID: 9, MessageID: 9}

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Upsert(key, time.Now())
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, r.Len())
}

func TestStatus_Terminal(t *testing.T) {
	assert.True(t, StatusDone.Terminal())
	assert.True(t, StatusCancelled.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusFiring.Terminal())
	assert.False(t, StatusRetrying.Terminal())
}
