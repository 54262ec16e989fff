// Package buildinfo provides the build stamp embedded in cache image BuildIDs.
//
// Release builds set the stamp with the linker:
//
//	go build -ldflags "-X 'github.com/IvanBrykalov/shadercache/internal/buildinfo.Date=Oct 18 2026' \
//	    -X github.com/IvanBrykalov/shadercache/internal/buildinfo.Time=08:30:00"
//
// Otherwise the VCS commit time recorded by the go command is used, and as a
// last resort a fixed development stamp.
package buildinfo

import (
	"runtime/debug"
	"sync"
	"time"
)

const (
	// DateLayout matches the 11-byte date field of a BuildID.
	DateLayout = "Jan 02 2006"
	// TimeLayout matches the 8-byte time field of a BuildID.
	TimeLayout = "15:04:05"
)

// Set via -ldflags -X.
var (
	Date string
	Time string
)

const (
	devDate = "Jan 01 1970"
	devTime = "00:00:00"
)

var stamp = sync.OnceValues(func() (string, string) {
	if Date != "" && Time != "" {
		return Date, Time
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		if d, t, ok := fromSettings(bi.Settings); ok {
			return d, t
		}
	}
	return devDate, devTime
})

// Stamp returns the build date and time in DateLayout and TimeLayout.
func Stamp() (date, clock string) { return stamp() }

func fromSettings(settings []debug.BuildSetting) (string, string, bool) {
	for _, s := range settings {
		if s.Key != "vcs.time" {
			continue
		}
		ts, err := time.Parse(time.RFC3339, s.Value)
		if err != nil {
			return "", "", false
		}
		ts = ts.UTC()
		return ts.Format(DateLayout), ts.Format(TimeLayout), true
	}
	return "", "", false
}
