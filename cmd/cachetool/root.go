package main

import (
	"encoding/hex"
	"fmt"

	"github.com/containerd/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/IvanBrykalov/shadercache/cache"
	"github.com/IvanBrykalov/shadercache/internal/buildinfo"
)

func newRootCommand() *cobra.Command {
	var logLevel string
	cmd := &cobra.Command{
		Use:           "cachetool",
		Short:         "Inspect, create and verify shader cache images",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return log.SetLevel(logLevel)
		},
	}
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level")
	cmd.AddCommand(newInfoCommand(), newCreateCommand(), newVerifyCommand())
	return cmd
}

// buildIDOptions are the flags that spell out a BuildID.
type buildIDOptions struct {
	date     string
	clock    string
	hardware string
	options  string
}

func (o *buildIDOptions) installFlags(flags *pflag.FlagSet) {
	date, clock := buildinfo.Stamp()
	flags.StringVar(&o.date, "date", date, "Build date (\"Jan 02 2006\")")
	flags.StringVar(&o.clock, "time", clock, "Build time (\"15:04:05\")")
	flags.StringVar(&o.hardware, "hw", "0.0.0", "Hardware version major.minor.stepping")
	flags.StringVar(&o.options, "options", "", "Options hash, 32 hex characters (empty = zero)")
}

func (o *buildIDOptions) buildID() (cache.BuildID, error) {
	if len(o.date) != len(buildinfo.DateLayout) {
		return cache.BuildID{}, fmt.Errorf("--date %q: want %d characters like %q", o.date, len(buildinfo.DateLayout), buildinfo.DateLayout)
	}
	if len(o.clock) != len(buildinfo.TimeLayout) {
		return cache.BuildID{}, fmt.Errorf("--time %q: want %d characters like %q", o.clock, len(buildinfo.TimeLayout), buildinfo.TimeLayout)
	}
	hw, err := cache.ParseHardwareVersion(o.hardware)
	if err != nil {
		return cache.BuildID{}, err
	}
	var optionsHash [16]byte
	if o.options != "" {
		b, err := hex.DecodeString(o.options)
		if err != nil || len(b) != len(optionsHash) {
			return cache.BuildID{}, fmt.Errorf("--options %q: want %d hex characters", o.options, 2*len(optionsHash))
		}
		copy(optionsHash[:], b)
	}
	return cache.NewBuildID(o.date, o.clock, hw, optionsHash), nil
}
