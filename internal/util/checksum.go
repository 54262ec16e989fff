// Package util contains internal helpers (checksums, padding, growth, workers).
//
//revive:disable:var-naming  // allow 'util' as an internal helpers package name
package util

import (
	"encoding/binary"
	"hash/crc64"
)

// checksumTable is the 256-entry lookup table for the ECMA-182 polynomial.
// It is built once and shared read-only by every caller.
var checksumTable = crc64.MakeTable(crc64.ECMA)

// Checksum returns the 64-bit integrity checksum of b.
// The register starts at all-ones and is inverted on output, so leading zero
// bytes still change the result. Deterministic and order-sensitive.
func Checksum(b []byte) uint64 {
	return crc64.Checksum(b, checksumTable)
}

// ChecksumSize is the length of the trailer written by AppendChecksum.
const ChecksumSize = 8

// AppendChecksum appends payload followed by its little-endian checksum to dst.
func AppendChecksum(dst, payload []byte) []byte {
	dst = append(dst, payload...)
	return binary.LittleEndian.AppendUint64(dst, Checksum(payload))
}

// SplitChecksum strips and verifies the trailer added by AppendChecksum.
// ok is false when b is too short or the checksum does not match.
func SplitChecksum(b []byte) (payload []byte, ok bool) {
	if len(b) < ChecksumSize {
		return nil, false
	}
	n := len(b) - ChecksumSize
	payload = b[:n:n]
	return payload, Checksum(payload) == binary.LittleEndian.Uint64(b[n:])
}
