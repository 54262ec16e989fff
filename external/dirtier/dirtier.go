// Package dirtier is a cache.ExternalTier backed by a directory tree, one
// zstd-compressed file per artifact. The directory can be shared by several
// processes or placed on a network file system: files are written with an
// atomic rename and verified on read.
package dirtier

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/containerd/log"
	"github.com/klauspost/compress/zstd"
	"github.com/moby/sys/atomicwriter"

	"github.com/IvanBrykalov/shadercache/cache"
	"github.com/IvanBrykalov/shadercache/internal/util"
)

const (
	defaultShardPrefixLen  = 2
	defaultDirPerm         = 0o755
	defaultFilePerm        = 0o644
	defaultMaxArtifactSize = 256 << 20
	fileExt                = ".zst"
)

// Tier stores artifacts as <dir>/<first hex chars>/<hex key>.zst.
// Each file is a zstd frame holding the artifact and its checksum trailer.
type Tier struct {
	dir            string
	shardPrefixLen int
	maxSize        uint64

	enc *zstd.Encoder
	dec *zstd.Decoder
}

var _ cache.ExternalTier = (*Tier)(nil)

// Option configures a Tier.
type Option func(*Tier)

// WithShardPrefixLen sets the number of hex characters used for the
// subdirectory. Use 0 to disable sharding. Defaults to 2.
func WithShardPrefixLen(n int) Option {
	return func(t *Tier) { t.shardPrefixLen = n }
}

// WithMaxArtifactSize bounds the decompressed size Get accepts.
// Defaults to 256MiB.
func WithMaxArtifactSize(n uint64) Option {
	return func(t *Tier) { t.maxSize = n }
}

// New creates a tier rooted at dir.
func New(dir string, opts ...Option) (*Tier, error) {
	if dir == "" {
		return nil, errors.New("dirtier: dir is empty")
	}
	t := &Tier{dir: dir, shardPrefixLen: defaultShardPrefixLen, maxSize: defaultMaxArtifactSize}
	for _, opt := range opts {
		opt(t)
	}
	if t.shardPrefixLen < 0 || t.shardPrefixLen > 2*len(cache.ContentHash{}) {
		return nil, fmt.Errorf("dirtier: shard prefix length %d out of range", t.shardPrefixLen)
	}
	if err := os.MkdirAll(dir, defaultDirPerm); err != nil {
		return nil, err
	}

	var err error
	t.enc, err = zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1), zstd.WithLowerEncoderMem(true))
	if err != nil {
		return nil, err
	}
	t.dec, err = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0), zstd.WithDecoderMaxMemory(t.maxSize+util.ChecksumSize))
	if err != nil {
		_ = t.enc.Close()
		return nil, err
	}
	return t, nil
}

// Get reads and verifies the artifact for key. A file that fails to
// decompress or verify is removed and reported as ErrCorrupt.
func (t *Tier) Get(ctx context.Context, key cache.ContentHash) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	path := t.path(key)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, err
	}

	raw, err := t.dec.DecodeAll(data, nil)
	if err == nil {
		if payload, ok := util.SplitChecksum(raw); ok {
			return payload, true, nil
		}
		err = errors.New("checksum mismatch")
	}
	if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
		log.G(ctx).WithError(rmErr).WithField("path", path).Warn("dirtier: removing corrupt file failed")
	}
	return nil, false, fmt.Errorf("dirtier: %s: %v: %w", path, err, cache.ErrCorrupt)
}

// Put writes artifact for key unless a file for it already exists.
func (t *Tier) Put(ctx context.Context, key cache.ContentHash, artifact []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if uint64(len(artifact)) > t.maxSize {
		return fmt.Errorf("dirtier: artifact of %d bytes over limit %d: %w", len(artifact), t.maxSize, cache.ErrCapacity)
	}
	path := t.path(key)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), defaultDirPerm); err != nil {
		return err
	}
	raw := util.AppendChecksum(make([]byte, 0, len(artifact)+util.ChecksumSize), artifact)
	return atomicwriter.WriteFile(path, t.enc.EncodeAll(raw, nil), defaultFilePerm)
}

// Close releases the codec resources. The directory is left in place.
func (t *Tier) Close() error {
	t.dec.Close()
	return t.enc.Close()
}

func (t *Tier) path(key cache.ContentHash) string {
	name := key.String()
	if t.shardPrefixLen == 0 {
		return filepath.Join(t.dir, name+fileExt)
	}
	return filepath.Join(t.dir, name[:t.shardPrefixLen], name+fileExt)
}
