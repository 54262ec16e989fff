// Package bolttier is a cache.ExternalTier stored in a single bbolt file.
// bbolt holds an exclusive lock on the file while it is open, so processes
// share it one at a time: a second Open waits up to its lock timeout.
package bolttier

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/IvanBrykalov/shadercache/cache"
	"github.com/IvanBrykalov/shadercache/internal/util"
)

var artifactsBucket = []byte("artifacts")

// DefaultLockTimeout bounds how long Open waits for another process holding
// the file.
const DefaultLockTimeout = time.Second

// Tier stores each artifact under its content hash, followed by a checksum
// trailer that Get verifies.
type Tier struct {
	db *bolt.DB
}

var _ cache.ExternalTier = (*Tier)(nil)

// Open opens or creates the database at path.
func Open(path string, lockTimeout time.Duration) (*Tier, error) {
	if lockTimeout <= 0 {
		lockTimeout = DefaultLockTimeout
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: lockTimeout})
	if err != nil {
		return nil, fmt.Errorf("bolttier: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(artifactsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bolttier: init %s: %w", path, err)
	}
	return &Tier{db: db}, nil
}

// Get returns a copy of the stored artifact. A record that fails its checksum
// is reported as ErrCorrupt.
func (t *Tier) Get(ctx context.Context, key cache.ContentHash) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	var out []byte
	err := t.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(artifactsBucket).Get(key[:])
		if v == nil {
			return nil
		}
		payload, ok := util.SplitChecksum(v)
		if !ok {
			return fmt.Errorf("bolttier: record %s: %w", key, cache.ErrCorrupt)
		}
		// v is only valid inside the transaction.
		out = append(make([]byte, 0, len(payload)), payload...)
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, out != nil, nil
}

// Put stores artifact under key. An existing record is left alone: equal keys
// imply equal artifacts.
func (t *Tier) Put(ctx context.Context, key cache.ContentHash, artifact []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rec := util.AppendChecksum(make([]byte, 0, len(artifact)+util.ChecksumSize), artifact)
	return t.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(artifactsBucket)
		if v := b.Get(key[:]); v != nil {
			if _, ok := util.SplitChecksum(v); ok {
				return nil
			}
		}
		return b.Put(key[:], rec)
	})
}

// Len returns the number of stored records.
func (t *Tier) Len() (int, error) {
	var n int
	err := t.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(artifactsBucket).Stats().KeyN
		return nil
	})
	return n, err
}

// Close releases the database file.
func (t *Tier) Close() error { return t.db.Close() }
