package manager

import (
	"fmt"
	"strings"
)

// Mode selects how a cache instance is backed.
type Mode uint8

const (
	// ModeDisabled yields a cache whose Find always reports Unavailable.
	ModeDisabled Mode = iota
	// ModeRuntime keeps artifacts in memory for the process lifetime.
	ModeRuntime
	// ModeOnDisk loads an image at first use and writes it back when the
	// last handle is released.
	ModeOnDisk
	// ModeOnDiskReadOnly loads an image but never writes one.
	ModeOnDiskReadOnly
)

var modeNames = [...]string{
	ModeDisabled:       "disabled",
	ModeRuntime:        "runtime",
	ModeOnDisk:         "on_disk",
	ModeOnDiskReadOnly: "on_disk_read_only",
}

func (m Mode) String() string {
	if int(m) < len(modeNames) {
		return modeNames[m]
	}
	return fmt.Sprintf("mode(%d)", uint8(m))
}

// persistent reports whether the mode reads images from disk.
func (m Mode) persistent() bool { return m == ModeOnDisk || m == ModeOnDiskReadOnly }

// ParseMode accepts the names returned by String, case-insensitively, with
// '-' and '_' treated alike.
func ParseMode(s string) (Mode, error) {
	norm := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_")
	for i, name := range modeNames {
		if norm == name {
			return Mode(i), nil
		}
	}
	return 0, fmt.Errorf("manager: mode %q: %w", s, ErrInvalidMode)
}
