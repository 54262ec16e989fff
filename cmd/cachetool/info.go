package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/IvanBrykalov/shadercache/cache"
	"github.com/IvanBrykalov/shadercache/internal/util"
)

type infoOptions struct {
	quiet bool
}

func newInfoCommand() *cobra.Command {
	var opts infoOptions
	cmd := &cobra.Command{
		Use:   "info IMAGE",
		Short: "Print the header and entries of an image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInfo(cmd.OutOrStdout(), args[0], opts)
		},
	}
	cmd.Flags().BoolVarP(&opts.quiet, "quiet", "q", false, "Only print the header")
	return cmd
}

func runInfo(out io.Writer, path string, opts infoOptions) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	img, err := cache.ParseImage(data)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	var total uint64
	bad := 0
	corrupt := make([]bool, len(img.Entries))
	for i, hdr := range img.Entries {
		total += hdr.Size
		if util.Checksum(img.Blob(i)) != hdr.Checksum {
			corrupt[i] = true
			bad++
		}
	}

	fmt.Fprintf(out, "File:      %s\n", path)
	fmt.Fprintf(out, "Size:      %s\n", units.BytesSize(float64(len(data))))
	fmt.Fprintf(out, "Build ID:  %s\n", img.BuildID)
	fmt.Fprintf(out, "Entries:   %d (%s of artifacts)\n", len(img.Entries), units.BytesSize(float64(total)))
	fmt.Fprintf(out, "Corrupt:   %d\n", bad)
	if opts.quiet || len(img.Entries) == 0 {
		return nil
	}

	fmt.Fprintln(out)
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tSIZE\tCHECKSUM\tSTATUS")
	for i, hdr := range img.Entries {
		status := "ok"
		if corrupt[i] {
			status = "corrupt"
		}
		fmt.Fprintf(w, "%s\t%s\t%016x\t%s\n", hdr.Key, units.BytesSize(float64(hdr.Size)), hdr.Checksum, status)
	}
	return w.Flush()
}
