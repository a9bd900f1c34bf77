package config

import (
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bradleyjkemp/fuzzexec/coverage"
	"github.com/bradleyjkemp/fuzzexec/fuzzdep"
	"github.com/bradleyjkemp/fuzzexec/internal/log"
	"github.com/bradleyjkemp/fuzzexec/runner"
)

func writeConfig(t *testing.T, body string) afero.Fs {
	t.Helper()
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/fuzzexec.yaml", []byte(body), 0o644))
	return fs
}

func TestLoad_Defaults(t *testing.T) {
	fs := writeConfig(t, "target:\n  path: /usr/bin/target\n")

	cfg, err := Load(fs, "/fuzzexec.yaml")
	require.NoError(t, err)

	assert.Equal(t, "/usr/bin/target", cfg.Target.Path)
	assert.Equal(t, fuzzdep.DeliverStdin, cfg.Delivery)
	assert.Equal(t, runner.DefaultTimeout, cfg.Timeout)
	assert.Equal(t, runner.DefaultKillGrace, cfg.KillGrace)
	assert.Equal(t, coverage.CoverSize, cfg.CoverSize)
	assert.Equal(t, runner.DefaultOutputLimit, cfg.OutputLimit)
	assert.True(t, cfg.Counters())
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoad_Full(t *testing.T) {
	fs := writeConfig(t, `
target:
  path: ./parser
  args: ["-quiet", "@@"]
  env: ["PARSER_STRICT=1"]
delivery: file
timeout: 250ms
kill_grace: 2s
cover_size: 4096
cover_counters: false
crash_exit_codes: [2, 134]
output_limit: 8192
log_level: debug
`)

	cfg, err := Load(fs, "/fuzzexec.yaml")
	require.NoError(t, err)

	assert.Equal(t, Target{
		Path: "./parser",
		Args: []string{"-quiet", "@@"},
		Env:  []string{"PARSER_STRICT=1"},
	}, cfg.Target)
	assert.Equal(t, fuzzdep.DeliverFile, cfg.Delivery)
	assert.Equal(t, 250*time.Millisecond, cfg.Timeout)
	assert.Equal(t, 2*time.Second, cfg.KillGrace)
	assert.Equal(t, 4096, cfg.CoverSize)
	assert.False(t, cfg.Counters())
	assert.Equal(t, []int{2, 134}, cfg.CrashExitCodes)
	assert.Equal(t, 8192, cfg.OutputLimit)
	assert.Empty(t, cfg.Warnings())

	logger := log.Discard()
	consumer := runner.DiscardAll{}
	opts := cfg.ExecOptions(logger, consumer)
	assert.Equal(t, runner.ExecOptions{
		Path:           "./parser",
		Args:           []string{"-quiet", "@@"},
		Env:            []string{"PARSER_STRICT=1"},
		Delivery:       fuzzdep.DeliverFile,
		Timeout:        250 * time.Millisecond,
		KillGrace:      2 * time.Second,
		CoverSize:      4096,
		CrashExitCodes: []int{2, 134},
		OutputLimit:    8192,
		Logger:         logger,
		Consumer:       consumer,
	}, opts)
}

func TestLoad_Invalid(t *testing.T) {
	fs := writeConfig(t, `
delivery: pipe
timeout: 0s
cover_size: 10
crash_exit_codes: [79]
output_limit: 1
log_level: loud
`)

	_, err := Load(fs, "/fuzzexec.yaml")
	require.ErrorIs(t, err, ErrInvalid)
	for _, want := range []string{
		"target.path is required",
		`delivery must be one of stdin, file, shm; got "pipe"`,
		"timeout must be positive",
		"cover_size must be a positive multiple of 4, got 10",
		"crash_exit_codes: 79 is not usable",
		"output_limit must be 0 for the default or at least 1024, got 1",
		"invalid log level: loud",
	} {
		assert.ErrorContains(t, err, want)
	}
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(afero.NewMemMapFs(), "/missing.yaml")
	assert.Error(t, err)

	fs := writeConfig(t, "target: [unterminated\n")
	_, err = Load(fs, "/fuzzexec.yaml")
	assert.ErrorContains(t, err, "failed to parse /fuzzexec.yaml")
	assert.NotErrorIs(t, err, ErrInvalid)
}

func TestWarnings(t *testing.T) {
	cfg := Default()
	cfg.Target.Path = "/bin/target"
	assert.Empty(t, cfg.Warnings())

	cfg.Delivery = fuzzdep.DeliverFile
	assert.Len(t, cfg.Warnings(), 1)

	cfg.Delivery = fuzzdep.DeliverShm
	cfg.Target.Args = []string{runner.InputPlaceholder}
	assert.Equal(t, []string{"@@ in target.args is only replaced when delivery is file"}, cfg.Warnings())
}
