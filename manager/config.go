package manager

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/pelletier/go-toml"

	"github.com/IvanBrykalov/shadercache/cache"
)

// Config holds the settings shared by every cache a Manager creates.
// Zero values are safe; defaults are applied in New():
//   - Dir == ""      => os.UserCacheDir()/shadercache (os.TempDir() if unknown)
//   - ExecName == "" => base name of os.Args[0]
//   - WaitTimeout, ExternalTimeout, MaxForwards => cache package defaults
type Config struct {
	// Mode and Dir are used by Open; GetOrCreate takes them explicitly.
	// The zero Mode is ModeDisabled. ParseConfig defaults to ModeRuntime.
	Mode Mode
	Dir  string

	// ExecName namespaces image files so several programs can share Dir.
	ExecName string

	WaitTimeout     time.Duration
	ExternalTimeout time.Duration
	// MaxArenaBytes caps each cache's artifact arena (0 = unlimited).
	MaxArenaBytes int64
	MaxForwards   int
}

func (c *Config) applyDefaults() {
	if c.Dir == "" {
		c.Dir = DefaultDir()
	}
	if c.ExecName == "" {
		c.ExecName = sanitizeName(filepath.Base(os.Args[0]))
	}
}

func (c Config) cacheOptions(mode Mode, o *options) cache.Options {
	return cache.Options{
		MaxArenaBytes:   c.MaxArenaBytes,
		WaitTimeout:     c.WaitTimeout,
		External:        o.external,
		ExternalTimeout: c.ExternalTimeout,
		MaxForwards:     c.MaxForwards,
		Disabled:        mode == ModeDisabled,
		Metrics:         o.metrics,
	}
}

// DefaultDir is the image directory used when Config.Dir is empty.
func DefaultDir() string {
	base, err := os.UserCacheDir()
	if err != nil {
		base = os.TempDir()
	}
	return filepath.Join(base, "shadercache")
}

// fileConfig is the TOML form of Config. Durations and sizes are written the
// way people write them ("750ms", "256MiB").
type fileConfig struct {
	Mode            string `toml:"mode"`
	Dir             string `toml:"dir"`
	ExecName        string `toml:"exec_name"`
	WaitTimeout     string `toml:"wait_timeout"`
	ExternalTimeout string `toml:"external_timeout"`
	MaxArenaSize    string `toml:"max_arena_size"`
	MaxForwards     int    `toml:"max_forwards"`
}

// LoadConfig reads a TOML configuration file:
//
//	mode             = "on_disk"
//	dir              = "/var/cache/shaders"
//	exec_name        = "game"
//	wait_timeout     = "500ms"
//	external_timeout = "2s"
//	max_arena_size   = "256MiB"
//	max_forwards     = 8
//
// Omitted keys keep their zero value (mode defaults to runtime).
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(data)
}

// ParseConfig decodes the TOML form documented on LoadConfig.
func ParseConfig(data []byte) (Config, error) {
	var fc fileConfig
	if err := toml.Unmarshal(data, &fc); err != nil {
		return Config{}, fmt.Errorf("manager: parse config: %w", err)
	}

	cfg := Config{Mode: ModeRuntime, Dir: fc.Dir, ExecName: fc.ExecName, MaxForwards: fc.MaxForwards}
	var err error
	if fc.Mode != "" {
		if cfg.Mode, err = ParseMode(fc.Mode); err != nil {
			return Config{}, err
		}
	}
	if cfg.WaitTimeout, err = parseDuration("wait_timeout", fc.WaitTimeout); err != nil {
		return Config{}, err
	}
	if cfg.ExternalTimeout, err = parseDuration("external_timeout", fc.ExternalTimeout); err != nil {
		return Config{}, err
	}
	if fc.MaxArenaSize != "" {
		if cfg.MaxArenaBytes, err = units.RAMInBytes(fc.MaxArenaSize); err != nil {
			return Config{}, fmt.Errorf("manager: max_arena_size: %w", err)
		}
	}
	if cfg.ExecName != "" && sanitizeName(cfg.ExecName) != cfg.ExecName {
		return Config{}, fmt.Errorf("manager: exec_name %q: only letters, digits, '-', '_' and '.' are allowed", cfg.ExecName)
	}
	return cfg, nil
}

func parseDuration(field, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("manager: %s: %w", field, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("manager: %s: negative duration %s", field, s)
	}
	return d, nil
}

// sanitizeName maps s onto the characters allowed in image file names.
func sanitizeName(s string) string {
	s = strings.TrimSuffix(s, ".exe")
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, s)
}
