package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/docker/go-units"
	"github.com/moby/sys/atomicwriter"
	"github.com/spf13/cobra"

	"github.com/IvanBrykalov/shadercache/cache"
)

type createOptions struct {
	output  string
	maxSize string
	id      buildIDOptions
}

func newCreateCommand() *cobra.Command {
	var opts createOptions
	cmd := &cobra.Command{
		Use:   "create -o IMAGE [OPTIONS] ARTIFACT...",
		Short: "Build an image from artifact files",
		Long: `Build an image from artifact files.

A file named after a 32-character hex content hash (optionally with an
extension) is stored under that hash. Any other file is keyed by a 128-bit
xxhash of its contents.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCreate(cmd.Context(), cmd.OutOrStdout(), args, opts)
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&opts.output, "output", "o", "", "Image file to write")
	flags.StringVar(&opts.maxSize, "max-size", "", "Refuse to build images larger than this (e.g. 256MiB)")
	opts.id.installFlags(flags)
	_ = cmd.MarkFlagRequired("output")
	return cmd
}

func runCreate(ctx context.Context, out io.Writer, files []string, opts createOptions) error {
	id, err := opts.id.buildID()
	if err != nil {
		return err
	}
	var limit int64
	if opts.maxSize != "" {
		if limit, err = units.RAMInBytes(opts.maxSize); err != nil {
			return fmt.Errorf("--max-size: %w", err)
		}
	}

	c := cache.New(cache.Options{MaxArenaBytes: limit})
	defer c.Close()
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return err
		}
		key := keyFor(f, data)
		r := c.Find(ctx, key)
		if r.Status != cache.StatusNew {
			return fmt.Errorf("%s: duplicate key %s", f, key)
		}
		if err := c.Insert(r.Handle, data); err != nil {
			return fmt.Errorf("%s: %w", f, err)
		}
	}

	img, err := c.Serialize(id)
	if err != nil {
		return err
	}
	if err := atomicwriter.WriteFile(opts.output, img, 0o644); err != nil {
		return err
	}
	fmt.Fprintf(out, "wrote %s: %d entries, %s\n", opts.output, c.Len(), units.BytesSize(float64(len(img))))
	return nil
}

// keyFor returns the content hash named by the file, or one derived from data.
func keyFor(path string, data []byte) cache.ContentHash {
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if k, err := cache.ParseContentHash(name); err == nil {
		return k
	}
	var k cache.ContentHash
	binary.LittleEndian.PutUint64(k[:8], xxhash.Sum64(data))
	d := xxhash.NewWithSeed(0x5348414445524b45)
	_, _ = d.Write(data)
	binary.LittleEndian.PutUint64(k[8:], d.Sum64())
	return k
}
