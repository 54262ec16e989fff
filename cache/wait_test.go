package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// A waiter whose producer never resolves (simulated producer death) times
// out; the entry stays Compiling and a late Insert still publishes without
// disturbing other keys.
func TestWaitFor_TimeoutIndependence(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := newTestCache(t, Options{})

	other := c.Find(ctx, key(2))
	require.NoError(t, c.Insert(other.Handle, []byte("other")))

	r := c.Find(ctx, key(1))
	require.Equal(t, StatusNew, r.Status)

	w := c.WaitFor(ctx, key(1), 20*time.Millisecond)
	require.Equal(t, StatusTimedOut, w.Status)
	assert.ErrorIs(t, w.Err, ErrTimeout)
	assert.Equal(t, StatusCompiling, c.Find(ctx, key(1)).Status)
	assert.Equal(t, uint64(1), c.Stats().Timeouts)

	require.NoError(t, c.Insert(r.Handle, []byte("late")))
	got := c.Find(ctx, key(1))
	require.Equal(t, StatusReady, got.Status)
	assert.Equal(t, []byte("late"), got.Artifact)
	assert.Equal(t, []byte("other"), c.Find(ctx, key(2)).Artifact)
}

func TestWaitFor_DefaultTimeoutFromOptions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := newTestCache(t, Options{WaitTimeout: 10 * time.Millisecond})

	c.Find(ctx, key(1))
	start := time.Now()
	w := c.WaitFor(ctx, key(1), 0)
	assert.Equal(t, StatusTimedOut, w.Status)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestWaitFor_WakesOnInsert(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := newTestCache(t, Options{})

	r := c.Find(ctx, key(1))
	const waiters = 8
	results := make(chan Result, waiters)
	for i := 0; i < waiters; i++ {
		go func() { results <- c.WaitFor(ctx, key(1), 5*time.Second) }()
	}
	require.NoError(t, c.Insert(r.Handle, []byte("bin")))

	for i := 0; i < waiters; i++ {
		w := <-results
		require.Equal(t, StatusReady, w.Status)
		assert.Equal(t, []byte("bin"), w.Artifact)
	}
}

func TestWaitFor_ContextCancel(t *testing.T) {
	t.Parallel()
	c := newTestCache(t, Options{})

	c.Find(context.Background(), key(1))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w := c.WaitFor(ctx, key(1), time.Minute)
	assert.Equal(t, StatusTimedOut, w.Status)
	assert.ErrorIs(t, w.Err, context.Canceled)
}

func TestWaitFor_ResolvedAndUnknownKeys(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := newTestCache(t, Options{})

	r := c.Find(ctx, key(1))
	require.NoError(t, c.Insert(r.Handle, []byte("x")))
	assert.Equal(t, StatusReady, c.WaitFor(ctx, key(1), time.Millisecond).Status)
	assert.Equal(t, StatusUnavailable, c.WaitFor(ctx, key(99), time.Millisecond).Status)
}
