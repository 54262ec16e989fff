package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTier is an in-memory ExternalTier with failure injection.
type fakeTier struct {
	mu      sync.Mutex
	data    map[ContentHash][]byte
	gets    int
	puts    int
	getErr  error
	putErr  error
	getGate chan struct{} // if set, Get blocks until it is closed
	putGate chan struct{} // if set, Put blocks until it is closed
}

func newFakeTier() *fakeTier { return &fakeTier{data: make(map[ContentHash][]byte)} }

func (f *fakeTier) Get(ctx context.Context, key ContentHash) ([]byte, bool, error) {
	if f.getGate != nil {
		select {
		case <-f.getGate:
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	if f.getErr != nil {
		return nil, false, f.getErr
	}
	v, ok := f.data[key]
	return v, ok, nil
}

func (f *fakeTier) Put(ctx context.Context, key ContentHash, artifact []byte) error {
	if f.putGate != nil {
		select {
		case <-f.putGate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts++
	if f.putErr != nil {
		return f.putErr
	}
	f.data[key] = append([]byte(nil), artifact...)
	return nil
}

func (f *fakeTier) stored(key ContentHash) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	return v, ok
}

func (f *fakeTier) counts() (gets, puts int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gets, f.puts
}

// recordingMetrics counts external events.
type recordingMetrics struct {
	NoopMetrics
	mu     sync.Mutex
	events map[ExternalEvent]int
}

func (m *recordingMetrics) External(ev ExternalEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.events == nil {
		m.events = make(map[ExternalEvent]int)
	}
	m.events[ev]++
}

func (m *recordingMetrics) count(ev ExternalEvent) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.events[ev]
}

func TestExternal_HitStoresLocally(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tier := newFakeTier()
	tier.data[key(1)] = []byte("remote")
	m := &recordingMetrics{}
	c := New(Options{External: tier, Metrics: m})

	r := c.Find(ctx, key(1))
	require.Equal(t, StatusReady, r.Status)
	assert.Equal(t, []byte("remote"), r.Artifact)
	require.NoError(t, c.Close())

	// Served locally from now on; not forwarded back to the tier.
	assert.Equal(t, StatusReady, c.Find(ctx, key(1)).Status)
	gets, puts := tier.counts()
	assert.Equal(t, 1, gets)
	assert.Equal(t, 0, puts)
	assert.Equal(t, 1, m.count(ExternalHit))
	assert.Equal(t, uint64(1), c.Stats().Inserts)
}

func TestExternal_MissThenForward(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tier := newFakeTier()
	m := &recordingMetrics{}
	c := New(Options{External: tier, Metrics: m})

	r := c.Find(ctx, key(2))
	require.Equal(t, StatusNew, r.Status)
	require.NoError(t, c.Insert(r.Handle, []byte("local")))
	require.NoError(t, c.Close()) // waits for the forward

	v, ok := tier.stored(key(2))
	require.True(t, ok)
	assert.Equal(t, []byte("local"), v)
	assert.Equal(t, 1, m.count(ExternalMiss))
	assert.Equal(t, 1, m.count(ExternalStored))
}

// Tier failures are advisory: Find still admits a producer and Insert
// still succeeds.
func TestExternal_ErrorsAreAdvisory(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tier := newFakeTier()
	tier.getErr = errors.New("connection refused")
	tier.putErr = errors.New("disk full")
	m := &recordingMetrics{}
	c := New(Options{External: tier, Metrics: m})

	r := c.Find(ctx, key(3))
	require.Equal(t, StatusNew, r.Status)
	require.NoError(t, c.Insert(r.Handle, []byte("x")))
	require.NoError(t, c.Close())

	assert.Equal(t, StatusReady, c.Find(ctx, key(3)).Status)
	assert.Equal(t, 2, m.count(ExternalError))
}

func TestExternal_GetTimeout(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tier := newFakeTier()
	tier.getGate = make(chan struct{}) // never released
	c := newTestCache(t, Options{External: tier, ExternalTimeout: 10 * time.Millisecond})

	r := c.Find(ctx, key(4))
	assert.Equal(t, StatusNew, r.Status)
}

// While the admitted caller consults the tier, other callers already see
// Compiling and wake on the tier's answer.
func TestExternal_LookupHappensAfterAdmission(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tier := newFakeTier()
	tier.data[key(5)] = []byte("remote")
	tier.getGate = make(chan struct{})
	c := newTestCache(t, Options{External: tier})

	first := make(chan Result, 1)
	go func() { first <- c.Find(ctx, key(5)) }()

	require.Eventually(t, func() bool {
		return c.Len() == 1
	}, 5*time.Second, time.Millisecond)
	assert.Equal(t, StatusCompiling, c.Find(ctx, key(5)).Status)

	waiter := make(chan Result, 1)
	go func() { waiter <- c.WaitFor(ctx, key(5), 5*time.Second) }()

	close(tier.getGate)
	assert.Equal(t, StatusReady, (<-first).Status)
	w := <-waiter
	require.Equal(t, StatusReady, w.Status)
	assert.Equal(t, []byte("remote"), w.Artifact)
}

func TestExternal_ForwardDroppedWhenBusy(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tier := newFakeTier()
	tier.putGate = make(chan struct{})
	m := &recordingMetrics{}
	c := New(Options{External: tier, MaxForwards: 1, Metrics: m})

	for i := byte(10); i < 13; i++ {
		r := c.Find(ctx, key(i))
		require.Equal(t, StatusNew, r.Status)
		require.NoError(t, c.Insert(r.Handle, []byte{i}))
	}
	assert.Equal(t, 2, m.count(ExternalDropped))

	close(tier.putGate)
	require.NoError(t, c.Close())
	_, puts := tier.counts()
	assert.Equal(t, 1, puts)
	// The local cache is unaffected by dropped forwards.
	for i := byte(10); i < 13; i++ {
		assert.Equal(t, []byte{i}, c.Find(ctx, key(i)).Artifact)
	}
}

// Inserts racing Close either finish their forward before Close returns or
// drop it; no Put starts afterwards.
func TestExternal_NoForwardAfterClose(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tier := newFakeTier()
	m := &recordingMetrics{}
	c := New(Options{External: tier, Metrics: m})

	const n = 32
	handles := make([]*Handle, n)
	for i := range handles {
		r := c.Find(ctx, key(byte(i)))
		require.Equal(t, StatusNew, r.Status)
		handles[i] = r.Handle
	}

	start := make(chan struct{})
	var wg sync.WaitGroup
	for _, h := range handles {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			assert.NoError(t, c.Insert(h, []byte("artifact")))
		}()
	}
	close(start)
	require.NoError(t, c.Close())
	_, atClose := tier.counts()
	wg.Wait()

	_, final := tier.counts()
	assert.Equal(t, atClose, final, "Put ran after Close returned")
	assert.Equal(t, n, m.count(ExternalStored)+m.count(ExternalDropped))
	for i := range n {
		assert.Equal(t, StatusReady, c.Find(ctx, key(byte(i))).Status)
	}
}
