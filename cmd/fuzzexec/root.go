package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/bradleyjkemp/fuzzexec/config"
	"github.com/bradleyjkemp/fuzzexec/internal/log"
	"github.com/bradleyjkemp/fuzzexec/runner"
)

type loggerKey struct{}

var (
	cfgFile  string
	logLevel string
	// appFs holds the config and input files.
	appFs   afero.Fs = afero.NewOsFs()
	rootCmd          = &cobra.Command{
		Use:   "fuzzexec",
		Short: "fuzzexec executes inputs against a coverage-instrumented target",
		Long: `fuzzexec runs a target program once per input, collects the edge coverage
it writes into a shared table and classifies how the run ended: clean exit,
crash, hang, or a run that produced no coverage at all.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level, err := log.ParseLevel(logLevel)
			if err != nil {
				return err
			}
			logger := log.NewSlogLogger(level, cmd.ErrOrStderr())
			cmd.SetContext(context.WithValue(cmd.Context(), loggerKey{}, logger))
			return nil
		},
	}
)

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loggerFrom(cmd *cobra.Command) *log.SlogLogger {
	if l, ok := cmd.Context().Value(loggerKey{}).(*log.SlogLogger); ok {
		return l
	}
	return log.Discard()
}

// execRunner is what the commands need from ExecRunner and Pool.
type execRunner interface {
	runner.TestRunner
	Stats() runner.Stats
	Close() error
}

// newRunner loads the config and builds jobs runners from it, pooled if
// there is more than one. The returned MaxCover accumulates coverage over
// every run. Unless --log-level was given, the command's logger is replaced
// by one at the configured level.
func newRunner(cmd *cobra.Command, jobs int) (execRunner, *runner.MaxCover, error) {
	cfg, err := config.Load(appFs, cfgFile)
	if err != nil {
		return nil, nil, fmt.Errorf("error loading config %s: %w", cfgFile, err)
	}
	if !cmd.Flags().Changed("log-level") {
		// Load already validated the level.
		level, _ := log.ParseLevel(cfg.LogLevel)
		cmd.SetContext(context.WithValue(cmd.Context(), loggerKey{}, log.NewSlogLogger(level, cmd.ErrOrStderr())))
	}
	logger := loggerFrom(cmd)
	for _, w := range cfg.Warnings() {
		logger.Warn(w, "config", cfgFile)
	}
	maxCover := runner.NewMaxCover(cfg.CoverSize, cfg.Counters())
	opts := cfg.ExecOptions(logger.With("target", cfg.Target.Path), maxCover)
	if jobs > 1 {
		p, err := runner.NewPool(jobs, opts)
		if err != nil {
			return nil, nil, err
		}
		return p, maxCover, nil
	}
	r, err := runner.NewExecRunner(opts)
	if err != nil {
		return nil, nil, err
	}
	return r, maxCover, nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "./fuzzexec.yaml", "config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
}
