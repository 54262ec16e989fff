//go:build go1.18

package cache

import (
	"errors"
	"testing"
)

// FuzzDeserialize feeds arbitrary bytes to the image decoder.
// It must never panic, and must either reject the input with ErrCorrupt or
// ErrIncompatible, or produce a cache whose artifacts re-serialize to the
// same image.
func FuzzDeserialize(f *testing.F) {
	id := NewBuildID("Oct 18 2026", "08:30:00", HardwareVersion{10, 3, 2}, [16]byte{1, 2, 3})

	empty, _ := EncodeImage(id, nil, nil)
	f.Add(empty)
	one, _ := EncodeImage(id, []EntryHeader{{Key: key(1), Checksum: checksumOf("ABC"), Size: 3}}, []byte("ABC"))
	f.Add(one)
	f.Add([]byte{})
	f.Add([]byte{71, 0, 0, 0, 0, 0, 0, 0})

	f.Fuzz(func(t *testing.T, data []byte) {
		// Cap the input to keep memory bounded while fuzzing.
		const limit = 1 << 16
		if len(data) > limit {
			data = data[:limit]
		}

		c, err := Deserialize(data, id, Options{})
		if err != nil {
			if !errors.Is(err, ErrCorrupt) && !errors.Is(err, ErrIncompatible) {
				t.Fatalf("unexpected error class: %v", err)
			}
			return
		}
		defer c.Close()

		out, err := c.Serialize(id)
		if err != nil {
			t.Fatalf("re-serialize: %v", err)
		}
		if string(out) != string(data) {
			t.Fatalf("accepted image does not round-trip")
		}
	})
}
