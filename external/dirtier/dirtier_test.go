package dirtier

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/IvanBrykalov/shadercache/cache"
)

func newTier(t *testing.T, opts ...Option) *Tier {
	t.Helper()
	tier, err := New(t.TempDir(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tier.Close() })
	return tier
}

func TestTier_PutGet(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tier := newTier(t)
	k := cache.ContentHash{0xab, 0xcd}

	_, ok, err := tier.Get(ctx, k)
	require.NoError(t, err)
	assert.False(t, ok)

	art := bytes.Repeat([]byte("shader-binary "), 1000)
	require.NoError(t, tier.Put(ctx, k, art))

	path := filepath.Join(tier.dir, "ab", k.String()+".zst")
	st, err := os.Stat(path)
	require.NoError(t, err)
	assert.Less(t, st.Size(), int64(len(art)), "stored compressed")

	got, ok, err := tier.Get(ctx, k)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, art, got)
}

func TestTier_NoSharding(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tier := newTier(t, WithShardPrefixLen(0))
	k := cache.ContentHash{1}

	require.NoError(t, tier.Put(ctx, k, []byte("x")))
	assert.FileExists(t, filepath.Join(tier.dir, k.String()+".zst"))
}

func TestTier_InvalidOptions(t *testing.T) {
	t.Parallel()
	_, err := New("")
	assert.Error(t, err)
	_, err = New(t.TempDir(), WithShardPrefixLen(-1))
	assert.Error(t, err)
}

func TestTier_CorruptFileRemoved(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tier := newTier(t)
	k := cache.ContentHash{2}
	require.NoError(t, tier.Put(ctx, k, []byte("payload")))

	path := tier.path(k)
	require.NoError(t, os.WriteFile(path, []byte("not zstd"), 0o644))
	_, ok, err := tier.Get(ctx, k)
	assert.False(t, ok)
	assert.ErrorIs(t, err, cache.ErrCorrupt)
	assert.NoFileExists(t, path)

	// Valid frame, wrong trailer.
	require.NoError(t, os.WriteFile(path, tier.enc.EncodeAll([]byte("payload-and-junk"), nil), 0o644))
	_, _, err = tier.Get(ctx, k)
	assert.ErrorIs(t, err, cache.ErrCorrupt)
}

func TestTier_MaxArtifactSize(t *testing.T) {
	t.Parallel()
	tier := newTier(t, WithMaxArtifactSize(4))
	err := tier.Put(context.Background(), cache.ContentHash{3}, []byte("too large"))
	assert.ErrorIs(t, err, cache.ErrCapacity)
}

func TestTier_ConcurrentPut(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tier := newTier(t)
	k := cache.ContentHash{4}
	art := []byte("same bytes from every producer")

	var g errgroup.Group
	for i := 0; i < 16; i++ {
		g.Go(func() error { return tier.Put(ctx, k, art) })
	}
	require.NoError(t, g.Wait())

	got, ok, err := tier.Get(ctx, k)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, art, got)
}
