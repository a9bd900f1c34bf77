package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/bradleyjkemp/fuzzexec/fault"
	"github.com/bradleyjkemp/fuzzexec/runner"
)

var (
	runJSON       bool
	runShowOutput bool
	runJobs       int
)

// errFindings is returned when at least one input crashed or hanged, so
// scripts can tell from the exit status.
var errFindings = errors.New("inputs crashed or hanged")

var runCmd = &cobra.Command{
	Use:   "run FILE...",
	Short: "Runs every input file once and prints the outcome",
	Long: `The run command executes the configured target once per input file and
prints one line per file, in argument order: the file name and how the run ended.

Use --json to get one JSON object per line instead.
Use --show-output to print the captured output of crashing runs.
Use --jobs to run several targets in parallel.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if runJobs < 1 {
			return fmt.Errorf("--jobs must be at least 1, got %d", runJobs)
		}
		inputs := make([][]byte, len(args))
		for i, file := range args {
			data, err := afero.ReadFile(appFs, file)
			if err != nil {
				return fmt.Errorf("error reading input %s: %w", file, err)
			}
			inputs[i] = data
		}

		r, maxCover, err := newRunner(cmd, runJobs)
		if err != nil {
			return err
		}
		defer r.Close()
		logger := loggerFrom(cmd)

		results := make([]fault.Fault, len(inputs))
		g, ctx := errgroup.WithContext(cmd.Context())
		g.SetLimit(runJobs)
		for i, input := range inputs {
			g.Go(func() error {
				f, err := r.Run(ctx, input)
				if err != nil && !errors.Is(err, runner.ErrHarness) {
					return err
				}
				if err != nil {
					logger.Error("run failed", "file", args[i], "err", err)
				}
				results[i] = f
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		enc := json.NewEncoder(out)
		findings := 0
		for i, f := range results {
			if fault.Interesting(f) {
				findings++
			}
			if runJSON {
				if err := enc.Encode(newResultForJSON(args[i], f)); err != nil {
					return fmt.Errorf("error marshaling to JSON: %w", err)
				}
				continue
			}
			fmt.Fprintf(out, "%s: %v\n", args[i], f)
			if output := faultOutput(f); runShowOutput && len(output) > 0 {
				fmt.Fprintf(out, "%s\n", output)
			}
		}

		st := r.Stats()
		logger.Info("done", "execs", st.Execs, "crashes", st.Crashes, "hangs", st.Hangs,
			"errors", st.Errors, "cover", maxCover.Fullness())
		if findings > 0 {
			return fmt.Errorf("%d of %d %w", findings, len(args), errFindings)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().BoolVar(&runJSON, "json", false, "Print one JSON object per input")
	runCmd.Flags().BoolVar(&runShowOutput, "show-output", false, "Print the captured output of crashing and hanging runs")
	runCmd.Flags().IntVarP(&runJobs, "jobs", "j", 1, "Number of targets to run in parallel")
}

func faultOutput(f fault.Fault) []byte {
	switch v := f.(type) {
	case fault.Crash:
		return v.Output
	case fault.Hang:
		return v.Output
	}
	return nil
}
