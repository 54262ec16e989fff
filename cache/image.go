package cache

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/IvanBrykalov/shadercache/internal/util"
)

// Image layout (little-endian):
//
//	u64        headerSize      = ImageHeaderSize
//	BuildID    buildID         date[11] time[8] hw{major,minor,stepping u32} optionsHash[16]
//	u64        entryCount
//	u64        dataEnd         absolute offset where the blob region ends (== image length)
//	entries    [entryCount]    key[16] checksum u64 size u64
//	blobs      ...             artifacts concatenated in entry order
const (
	buildIDSize = 11 + 8 + 3*4 + 16

	// ImageHeaderSize is the size of the fixed header this binary writes and
	// expects. An image declaring another size comes from an incompatible build.
	ImageHeaderSize = 8 + buildIDSize + 8 + 8

	// EntryRecordSize is the encoded size of one EntryHeader.
	EntryRecordSize = 16 + 8 + 8
)

// HardwareVersion identifies the target the artifacts were compiled for.
type HardwareVersion struct {
	Major    uint32
	Minor    uint32
	Stepping uint32
}

func (v HardwareVersion) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Stepping)
}

// ParseHardwareVersion parses "major.minor.stepping".
func ParseHardwareVersion(s string) (HardwareVersion, error) {
	var v HardwareVersion
	var rest string
	n, _ := fmt.Sscanf(s, "%d.%d.%d%s", &v.Major, &v.Minor, &v.Stepping, &rest)
	if n != 3 {
		return HardwareVersion{}, fmt.Errorf("cache: hardware version %q: want major.minor.stepping", s)
	}
	return v, nil
}

// BuildID is the build compatibility fingerprint stored in every image.
// It is not a content hash: it changes whenever the producing toolchain or
// target changes, and any difference invalidates the image wholesale.
type BuildID struct {
	Date        [11]byte // "Jan 02 2006"
	Time        [8]byte  // "15:04:05"
	Hardware    HardwareVersion
	OptionsHash [16]byte
}

// NewBuildID assembles a BuildID. date and time are truncated or zero-padded
// to their fixed widths.
func NewBuildID(date, clock string, hw HardwareVersion, optionsHash [16]byte) BuildID {
	id := BuildID{Hardware: hw, OptionsHash: optionsHash}
	copy(id.Date[:], date)
	copy(id.Time[:], clock)
	return id
}

func (id BuildID) String() string {
	return fmt.Sprintf("%s %s hw=%s options=%x",
		bytes.TrimRight(id.Date[:], "\x00"), bytes.TrimRight(id.Time[:], "\x00"), id.Hardware, id.OptionsHash)
}

func (id BuildID) appendTo(b []byte) []byte {
	b = append(b, id.Date[:]...)
	b = append(b, id.Time[:]...)
	b = binary.LittleEndian.AppendUint32(b, id.Hardware.Major)
	b = binary.LittleEndian.AppendUint32(b, id.Hardware.Minor)
	b = binary.LittleEndian.AppendUint32(b, id.Hardware.Stepping)
	return append(b, id.OptionsHash[:]...)
}

func readBuildID(b []byte) BuildID {
	var id BuildID
	n := copy(id.Date[:], b)
	n += copy(id.Time[:], b[n:])
	id.Hardware.Major = binary.LittleEndian.Uint32(b[n:])
	id.Hardware.Minor = binary.LittleEndian.Uint32(b[n+4:])
	id.Hardware.Stepping = binary.LittleEndian.Uint32(b[n+8:])
	copy(id.OptionsHash[:], b[n+12:])
	return id
}

// Image is a decoded cache image. Blobs aliases the decoded buffer.
type Image struct {
	BuildID BuildID
	Entries []EntryHeader
	// Offsets[i] is the start of entry i within Blobs.
	Offsets []uint64
	Blobs   []byte
}

// Blob returns the artifact bytes of entry i.
func (img *Image) Blob(i int) []byte {
	off := img.Offsets[i]
	end := off + img.Entries[i].Size
	return img.Blobs[off:end:end]
}

// Verify recomputes every entry checksum. It returns ErrCorrupt naming the
// first mismatching entry.
func (img *Image) Verify() error {
	for i, hdr := range img.Entries {
		if got := util.Checksum(img.Blob(i)); got != hdr.Checksum {
			return fmt.Errorf("entry %d (%s): checksum %#016x, stored %#016x: %w", i, hdr.Key, got, hdr.Checksum, ErrCorrupt)
		}
	}
	return nil
}

// EncodeImage writes an image for the given entries. blobs is the blob region
// and must be exactly the concatenation of the entries' artifacts in order.
func EncodeImage(id BuildID, entries []EntryHeader, blobs []byte) ([]byte, error) {
	var total uint64
	for _, hdr := range entries {
		total += hdr.Size
	}
	if total != uint64(len(blobs)) {
		return nil, fmt.Errorf("cache: encode image: entries cover %d bytes, blob region is %d", total, len(blobs))
	}
	dataEnd := uint64(ImageHeaderSize) + uint64(len(entries))*EntryRecordSize + total

	b := make([]byte, 0, dataEnd)
	b = binary.LittleEndian.AppendUint64(b, ImageHeaderSize)
	b = id.appendTo(b)
	b = binary.LittleEndian.AppendUint64(b, uint64(len(entries)))
	b = binary.LittleEndian.AppendUint64(b, dataEnd)
	for _, hdr := range entries {
		b = append(b, hdr.Key[:]...)
		b = binary.LittleEndian.AppendUint64(b, hdr.Checksum)
		b = binary.LittleEndian.AppendUint64(b, hdr.Size)
	}
	return append(b, blobs...), nil
}

// ParseImage decodes the structure of an image without comparing its build
// id and without verifying checksums. It checks, in order: the buffer holds
// the header; the declared header size matches ImageHeaderSize
// (ErrIncompatible otherwise); entry records and blobs fit exactly
// (ErrCorrupt otherwise).
func ParseImage(data []byte) (*Image, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("image of %d bytes has no header: %w", len(data), ErrCorrupt)
	}
	headerSize := binary.LittleEndian.Uint64(data)
	if uint64(len(data)) < headerSize {
		return nil, fmt.Errorf("image of %d bytes shorter than declared header %d: %w", len(data), headerSize, ErrCorrupt)
	}
	if headerSize != ImageHeaderSize {
		return nil, fmt.Errorf("header size %d, want %d: %w", headerSize, ImageHeaderSize, ErrIncompatible)
	}

	img := &Image{BuildID: readBuildID(data[8:])}
	p := 8 + buildIDSize
	count := binary.LittleEndian.Uint64(data[p:])
	dataEnd := binary.LittleEndian.Uint64(data[p+8:])
	p += 16

	if count > uint64(len(data)-p)/EntryRecordSize {
		return nil, fmt.Errorf("%d entries do not fit in %d bytes: %w", count, len(data), ErrCorrupt)
	}
	if dataEnd != uint64(len(data)) {
		return nil, fmt.Errorf("data end %d, image is %d bytes: %w", dataEnd, len(data), ErrCorrupt)
	}
	blobStart := uint64(p) + count*EntryRecordSize
	blobLen := dataEnd - blobStart

	img.Entries = make([]EntryHeader, count)
	img.Offsets = make([]uint64, count)
	seen := make(map[ContentHash]struct{}, count)
	var off uint64
	for i := range img.Entries {
		r := data[p : p+EntryRecordSize]
		p += EntryRecordSize
		hdr := &img.Entries[i]
		copy(hdr.Key[:], r)
		hdr.Checksum = binary.LittleEndian.Uint64(r[16:])
		hdr.Size = binary.LittleEndian.Uint64(r[24:])
		if hdr.Size > blobLen-off {
			return nil, fmt.Errorf("entry %d (%s) of %d bytes overruns blob region: %w", i, hdr.Key, hdr.Size, ErrCorrupt)
		}
		if _, dup := seen[hdr.Key]; dup {
			return nil, fmt.Errorf("entry %d: duplicate key %s: %w", i, hdr.Key, ErrCorrupt)
		}
		seen[hdr.Key] = struct{}{}
		img.Offsets[i] = off
		off += hdr.Size
	}
	if off != blobLen {
		return nil, fmt.Errorf("entries cover %d of %d blob bytes: %w", off, blobLen, ErrCorrupt)
	}
	img.Blobs = data[blobStart:dataEnd:dataEnd]
	return img, nil
}

// Serialize encodes the Ready entries of c as an image stamped with id.
// Entries that are Compiling or Unavailable are never written. The lock is
// held only to take the snapshot; encoding runs unlocked.
func (c *Cache) Serialize(id BuildID) ([]byte, error) {
	c.mu.Lock()
	hdrs := make([]EntryHeader, len(c.order))
	for i, e := range c.order {
		hdrs[i] = e.hdr
	}
	// The arena holds exactly the Ready artifacts in order, so its written
	// region is the blob region verbatim.
	blobs := c.arena.bytes()
	c.mu.Unlock()

	return EncodeImage(id, hdrs, blobs)
}

// Deserialize rebuilds a cache from an image. The image is rejected as a
// whole when its header size differs from ImageHeaderSize or its build id
// differs from expected (ErrIncompatible), or when it is malformed or any
// entry fails its checksum (ErrCorrupt). It never returns a partially
// trusted cache.
func Deserialize(data []byte, expected BuildID, opt Options) (*Cache, error) {
	img, err := ParseImage(data)
	if err != nil {
		return nil, err
	}
	if img.BuildID != expected {
		return nil, fmt.Errorf("build id %s, want %s: %w", img.BuildID, expected, ErrIncompatible)
	}
	if err := img.Verify(); err != nil {
		return nil, err
	}

	c := New(opt)
	if err := c.arena.seed(bytes.Clone(img.Blobs)); err != nil {
		return nil, err
	}
	c.order = make([]*entry, len(img.Entries))
	for i, hdr := range img.Entries {
		e := newReadyEntry(hdr, int64(img.Offsets[i]), c.gen)
		c.entries[hdr.Key] = e
		c.order[i] = e
	}
	c.opt.Metrics.Size(len(c.order), c.arena.len())
	return c, nil
}
