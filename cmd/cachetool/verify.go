package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/IvanBrykalov/shadercache/cache"
)

type verifyOptions struct {
	id buildIDOptions
}

func newVerifyCommand() *cobra.Command {
	var opts verifyOptions
	cmd := &cobra.Command{
		Use:   "verify [OPTIONS] IMAGE",
		Short: "Check an image the way a loading cache would",
		Long: `Check an image the way a loading cache would: header size, build id,
structure and every entry checksum. Exits non-zero when the image would be
discarded.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerify(cmd.OutOrStdout(), args[0], opts)
		},
	}
	opts.id.installFlags(cmd.Flags())
	return cmd
}

func runVerify(out io.Writer, path string, opts verifyOptions) error {
	id, err := opts.id.buildID()
	if err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	c, err := cache.Deserialize(data, id, cache.Options{})
	switch {
	case errors.Is(err, cache.ErrIncompatible):
		return fmt.Errorf("%s: incompatible: %w", path, err)
	case errors.Is(err, cache.ErrCorrupt):
		return fmt.Errorf("%s: corrupt: %w", path, err)
	case err != nil:
		return fmt.Errorf("%s: %w", path, err)
	}
	defer c.Close()
	fmt.Fprintf(out, "%s: ok, %d entries\n", path, c.Len())
	return nil
}
