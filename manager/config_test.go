package manager

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfig(t *testing.T) {
	t.Parallel()
	cfg, err := ParseConfig([]byte(`
mode             = "on-disk"
dir              = "/var/cache/shaders"
exec_name        = "game"
wait_timeout     = "750ms"
external_timeout = "3s"
max_arena_size   = "256MiB"
max_forwards     = 8
`))
	require.NoError(t, err)
	assert.Equal(t, Config{
		Mode:            ModeOnDisk,
		Dir:             "/var/cache/shaders",
		ExecName:        "game",
		WaitTimeout:     750 * time.Millisecond,
		ExternalTimeout: 3 * time.Second,
		MaxArenaBytes:   256 << 20,
		MaxForwards:     8,
	}, cfg)
}

func TestParseConfig_Defaults(t *testing.T) {
	t.Parallel()
	cfg, err := ParseConfig(nil)
	require.NoError(t, err)
	assert.Equal(t, Config{Mode: ModeRuntime}, cfg)
}

func TestParseConfig_Errors(t *testing.T) {
	t.Parallel()
	for name, doc := range map[string]string{
		"syntax":    `mode = `,
		"mode":      `mode = "sometimes"`,
		"duration":  `wait_timeout = "soon"`,
		"negative":  `external_timeout = "-1s"`,
		"size":      `max_arena_size = "lots"`,
		"exec name": `exec_name = "a/b"`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseConfig([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadConfig(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "shadercache.toml")
	require.NoError(t, os.WriteFile(path, []byte(`mode = "disabled"`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ModeDisabled, cfg.Mode)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestParseMode(t *testing.T) {
	t.Parallel()
	for _, m := range []Mode{ModeDisabled, ModeRuntime, ModeOnDisk, ModeOnDiskReadOnly} {
		got, err := ParseMode(m.String())
		require.NoError(t, err)
		assert.Equal(t, m, got)
	}
	got, err := ParseMode(" On-Disk-Read-Only ")
	require.NoError(t, err)
	assert.Equal(t, ModeOnDiskReadOnly, got)

	_, err = ParseMode("")
	assert.ErrorIs(t, err, ErrInvalidMode)
	assert.Equal(t, "mode(9)", Mode(9).String())
}

func TestSanitizeName(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "game", sanitizeName("game.exe"))
	assert.Equal(t, "my_app-1.2", sanitizeName("my app-1.2"))
}
