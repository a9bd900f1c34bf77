// Package config loads runner settings from a YAML file.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/bradleyjkemp/fuzzexec/coverage"
	"github.com/bradleyjkemp/fuzzexec/fuzzdep"
	"github.com/bradleyjkemp/fuzzexec/internal/log"
	"github.com/bradleyjkemp/fuzzexec/runner"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid config")

type Target struct {
	Path string   `yaml:"path"`
	Args []string `yaml:"args,omitempty"`
	Env  []string `yaml:"env,omitempty"`
}

type Config struct {
	Target         Target           `yaml:"target"`
	Delivery       fuzzdep.Delivery `yaml:"delivery"`
	Timeout        time.Duration    `yaml:"timeout"`
	KillGrace      time.Duration    `yaml:"kill_grace"`
	CoverSize      int              `yaml:"cover_size"`
	CoverCounters  *bool            `yaml:"cover_counters"`
	CrashExitCodes []int            `yaml:"crash_exit_codes,omitempty"`
	OutputLimit    int              `yaml:"output_limit"`
	LogLevel       string           `yaml:"log_level"`
}

// Default is the configuration an empty file yields, minus the target.
func Default() Config {
	counters := true
	return Config{
		Delivery:      fuzzdep.DeliverStdin,
		Timeout:       runner.DefaultTimeout,
		KillGrace:     runner.DefaultKillGrace,
		CoverSize:     coverage.CoverSize,
		CoverCounters: &counters,
		OutputLimit:   runner.DefaultOutputLimit,
		LogLevel:      "info",
	}
}

// Load reads filename from fs, fills in defaults and validates the result.
func Load(fs afero.Fs, filename string) (*Config, error) {
	data, err := afero.ReadFile(fs, filename)
	if err != nil {
		return nil, err
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", filename, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}
	if c.Target.Path == "" {
		fail("target.path is required")
	}
	if !c.Delivery.Valid() {
		fail("delivery must be one of stdin, file, shm; got %q", c.Delivery)
	}
	if c.Timeout <= 0 {
		fail("timeout must be positive, got %v", c.Timeout)
	}
	if c.KillGrace < 0 {
		fail("kill_grace must not be negative, got %v", c.KillGrace)
	}
	if c.CoverSize <= 0 || c.CoverSize%4 != 0 {
		fail("cover_size must be a positive multiple of 4, got %d", c.CoverSize)
	}
	if c.OutputLimit < 0 || (c.OutputLimit > 0 && c.OutputLimit < runner.MinOutputLimit) {
		fail("output_limit must be 0 for the default or at least %d, got %d", runner.MinOutputLimit, c.OutputLimit)
	}
	for _, code := range c.CrashExitCodes {
		if code <= 0 || code > 255 || code == fuzzdep.ExitBridgeFailure {
			fail("crash_exit_codes: %d is not usable", code)
		}
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		fail("%v", err)
	}
	return errors.Join(errs...)
}

// Warnings lists settings that are valid but probably not what was meant.
func (c *Config) Warnings() []string {
	var w []string
	if c.Delivery == fuzzdep.DeliverFile && !hasPlaceholder(c.Target.Args) {
		w = append(w, "delivery is file but target.args has no "+runner.InputPlaceholder+"; the target must read "+fuzzdep.EnvInputFile)
	}
	if c.Delivery != fuzzdep.DeliverFile && hasPlaceholder(c.Target.Args) {
		w = append(w, runner.InputPlaceholder+" in target.args is only replaced when delivery is file")
	}
	return w
}

func hasPlaceholder(args []string) bool {
	for _, a := range args {
		if a == runner.InputPlaceholder {
			return true
		}
	}
	return false
}

// Counters reports whether hit counts, not only hits, matter for coverage.
func (c *Config) Counters() bool {
	return c.CoverCounters == nil || *c.CoverCounters
}

// ExecOptions converts the config into runner options. The caller supplies
// the logger and consumer.
func (c *Config) ExecOptions(logger log.Logger, consumer runner.Consumer) runner.ExecOptions {
	return runner.ExecOptions{
		Path:           c.Target.Path,
		Args:           c.Target.Args,
		Env:            c.Target.Env,
		Delivery:       c.Delivery,
		Timeout:        c.Timeout,
		KillGrace:      c.KillGrace,
		CoverSize:      c.CoverSize,
		CrashExitCodes: c.CrashExitCodes,
		OutputLimit:    c.OutputLimit,
		Logger:         logger,
		Consumer:       consumer,
	}
}
