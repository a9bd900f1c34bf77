package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bradleyjkemp/fuzzexec/fault"
)

var errNotInstrumented = errors.New("target is not instrumented")

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Checks that the target runs and is instrumented",
	Long: `The check command runs the configured target once on the empty input.

It fails if the target cannot be started, crashes or hangs on the empty input,
or exits cleanly without writing any coverage.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		r, _, err := newRunner(cmd, 1)
		if err != nil {
			return err
		}
		defer r.Close()

		f, err := r.Run(cmd.Context(), nil)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		switch f.(type) {
		case fault.None, fault.NoCoverageBits:
			fmt.Fprintln(out, "target is instrumented")
			return nil
		case fault.NoInstrumentation:
			fmt.Fprintln(out, "target ran but wrote no coverage; was it built with instrumentation?")
			return errNotInstrumented
		}
		return fmt.Errorf("target failed on the empty input: %v", f)
	},
}

func init() {
	rootCmd.AddCommand(checkCmd)
}
