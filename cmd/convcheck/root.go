package main

import (
	"fmt"
	"strings"

	"github.com/gomlx/go-convcheck/internal/config"
	"github.com/gomlx/go-convcheck/internal/logging"
	"github.com/gomlx/go-convcheck/suite"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// app carries the state shared by the subcommands once the root has
// loaded the configuration.
type app struct {
	configPath string
	verbose    bool
	filter     string

	cfg    *config.Config
	logger *zap.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "convcheck",
		Short: "Verify depthwise_conv2d model conversion against a reference",
		Long: `convcheck enumerates depthwise_conv2d configurations, converts each reference
module into a model package, executes it and compares the result with the
reference output.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(a.configPath)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return errors.Wrap(err, "invalid config")
			}
			a.cfg = cfg
			a.logger, err = logging.New(cfg.Logging, a.verbose)
			return err
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "path to a YAML config file")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "enable debug logging")
	root.PersistentFlags().StringVar(&a.filter, "filter", "", "only cases whose name contains this substring")

	root.AddCommand(newListCmd(a), newRunCmd(a))
	return root
}

// enumerate returns the configured cases and skips that pass the filter.
func (a *app) enumerate() ([]suite.Config, []suite.Skip, error) {
	m, err := a.cfg.Matrix()
	if err != nil {
		return nil, nil, err
	}
	cases, skips := m.Enumerate()
	if a.filter == "" {
		return cases, skips, nil
	}
	var fc []suite.Config
	for _, c := range cases {
		if strings.Contains(c.Name(), a.filter) {
			fc = append(fc, c)
		}
	}
	var fs []suite.Skip
	for _, s := range skips {
		if strings.Contains(s.Config.Name(), a.filter) {
			fs = append(fs, s)
		}
	}
	return fc, fs, nil
}

func newListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Print the cases and skips of the configured matrix",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cases, skips, err := a.enumerate()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, c := range cases {
				fmt.Fprintln(out, c.Name())
			}
			for _, s := range skips {
				fmt.Fprintf(out, "%s\tSKIP (%s)\n", s.Config.Name(), s.Reason)
			}
			fmt.Fprintf(out, "%d cases, %d skipped\n", len(cases), len(skips))
			return nil
		},
	}
}
