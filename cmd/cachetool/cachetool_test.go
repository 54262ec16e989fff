package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/IvanBrykalov/shadercache/cache"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

var idFlags = []string{"--date", "Oct 18 2026", "--time", "08:30:00", "--hw", "10.3.0", "--options", strings.Repeat("ab", 16)}

func writeArtifacts(t *testing.T, dir string) []string {
	t.Helper()
	named := cache.ContentHash{0xfe, 0xed}
	files := map[string]string{
		"vs.spv":                "vertex shader binary",
		"fs.spv":                "fragment shader binary",
		named.String() + ".bin": "pre-hashed",
	}
	var paths []string
	for name, content := range files {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
		paths = append(paths, p)
	}
	return paths
}

func TestCreateInfoVerify(t *testing.T) {
	dir := t.TempDir()
	img := filepath.Join(dir, "cache.bin")

	args := append([]string{"create", "-o", img}, idFlags...)
	out, err := execute(t, append(args, writeArtifacts(t, dir)...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "3 entries")

	out, err = execute(t, "info", img)
	require.NoError(t, err)
	assert.Contains(t, out, "Entries:   3")
	assert.Contains(t, out, "Corrupt:   0")
	assert.Contains(t, out, "hw=10.3.0")
	assert.Contains(t, out, cache.ContentHash{0xfe, 0xed}.String())

	out, err = execute(t, append([]string{"verify", img}, idFlags...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "ok, 3 entries")

	// Another hardware version rejects the image.
	_, err = execute(t, "verify", img, "--date", "Oct 18 2026", "--time", "08:30:00", "--hw", "10.3.1", "--options", strings.Repeat("ab", 16))
	require.Error(t, err)
	assert.ErrorIs(t, err, cache.ErrIncompatible)
	assert.Contains(t, err.Error(), "incompatible")

	// Flip the last blob byte: info reports it, verify rejects it.
	data, err := os.ReadFile(img)
	require.NoError(t, err)
	data[len(data)-1] ^= 0xff
	require.NoError(t, os.WriteFile(img, data, 0o644))

	out, err = execute(t, "info", img)
	require.NoError(t, err)
	assert.Contains(t, out, "Corrupt:   1")
	assert.Equal(t, 1, strings.Count(out, " corrupt\n"))
	assert.Equal(t, 2, strings.Count(out, " ok\n"))

	_, err = execute(t, append([]string{"verify", img}, idFlags...)...)
	assert.ErrorIs(t, err, cache.ErrCorrupt)
}

func TestCreate_DuplicateContent(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.spv")
	b := filepath.Join(dir, "b.spv")
	require.NoError(t, os.WriteFile(a, []byte("same"), 0o644))
	require.NoError(t, os.WriteFile(b, []byte("same"), 0o644))

	_, err := execute(t, "create", "-o", filepath.Join(dir, "out.bin"), a, b)
	assert.ErrorContains(t, err, "duplicate key")
}

func TestCreate_MaxSize(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.spv")
	require.NoError(t, os.WriteFile(a, bytes.Repeat([]byte{1}, 2048), 0o644))

	_, err := execute(t, "create", "-o", filepath.Join(dir, "out.bin"), "--max-size", "1KiB", a)
	assert.ErrorIs(t, err, cache.ErrCapacity)
	assert.NoFileExists(t, filepath.Join(dir, "out.bin"))
}

func TestBuildIDFlags(t *testing.T) {
	for name, o := range map[string]buildIDOptions{
		"date":    {date: "2026-10-18", clock: "08:30:00", hardware: "1.0.0"},
		"time":    {date: "Oct 18 2026", clock: "8:30", hardware: "1.0.0"},
		"hw":      {date: "Oct 18 2026", clock: "08:30:00", hardware: "one"},
		"options": {date: "Oct 18 2026", clock: "08:30:00", hardware: "1.0.0", options: "abc"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := o.buildID()
			assert.Error(t, err)
		})
	}
}

func TestKeyFor(t *testing.T) {
	k := cache.ContentHash{1, 2, 3}
	assert.Equal(t, k, keyFor("/x/"+k.String()+".spv", []byte("ignored")))

	a := keyFor("a.spv", []byte("content"))
	b := keyFor("b.spv", []byte("content"))
	c := keyFor("c.spv", []byte("other"))
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.NotEqual(t, a[:8], a[8:])
}
