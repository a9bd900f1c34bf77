package main

import (
	"errors"
	"fmt"
	"os"
	"os/exec"

	"github.com/spf13/cobra"

	"github.com/bradleyjkemp/fuzzexec/instrument"
)

var (
	instrumentOut      string
	instrumentPreserve []string
	instrumentDeps     []string
	instrumentBuild    string
)

var instrumentCmd = &cobra.Command{
	Use:   "instrument PKG...",
	Short: "Writes coverage-instrumented copies of Go packages",
	Long: `The instrument command rewrites the given packages and their dependencies
in the main module so that they report edge coverage to fuzzexec, and writes
an overlay file for go build -overlay.

Packages of other modules are only instrumented when named with --deps, and
only if the module is replaced with a local directory: the overlay cannot
change what a module cache package imports.

If the packages declare functions of the form func FuzzXxx([]byte) int, a
harness main package is added to the overlay. Use --build to compile it.
The target module must require github.com/bradleyjkemp/fuzzexec.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := loggerFrom(cmd)
		res, err := instrument.Run(cmd.Context(), instrument.Options{
			Patterns: args,
			OutDir:   instrumentOut,
			Preserve: instrumentPreserve,
			Deps:     instrumentDeps,
			Fs:       appFs,
			Logger:   logger,
		})
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "instrumented %d files (%d points)\n", res.Files, res.Points)
		for _, fn := range res.FuzzFuncs {
			fmt.Fprintf(out, "  %s\n", fn)
		}
		if res.Harness == "" {
			fmt.Fprintf(out, "build with: go build -overlay=%s\n", res.Overlay)
			if instrumentBuild != "" {
				return errors.New("--build needs at least one FuzzXxx function")
			}
			return nil
		}
		if instrumentBuild == "" {
			fmt.Fprintf(out, "build with: go build -overlay=%s -o TARGET %s\n", res.Overlay, res.Harness)
			return nil
		}

		build := exec.CommandContext(cmd.Context(), "go", "build", "-overlay="+res.Overlay, "-o", instrumentBuild, res.Harness)
		build.Stdout = cmd.ErrOrStderr()
		build.Stderr = cmd.ErrOrStderr()
		build.Env = os.Environ()
		if err := build.Run(); err != nil {
			return fmt.Errorf("failed to execute go build: %w", err)
		}
		fmt.Fprintf(out, "built %s\n", instrumentBuild)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(instrumentCmd)
	instrumentCmd.Flags().StringVarP(&instrumentOut, "out", "o", "./fuzzexec-overlay", "Directory for the instrumented files and overlay.json")
	instrumentCmd.Flags().StringSliceVar(&instrumentPreserve, "preserve", nil, "Import paths not to instrument")
	instrumentCmd.Flags().StringSliceVar(&instrumentDeps, "deps", nil, "Import path prefixes of locally replaced dependencies to instrument too")
	instrumentCmd.Flags().StringVar(&instrumentBuild, "build", "", "Build the harness into this file")
}
