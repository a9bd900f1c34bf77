// Package runner executes a target once per input and classifies what
// happened.
//
// Coverage policy: a runner zeroes its coverage table before every
// execution, so after Run returns the table holds exactly the hits of that
// execution. Runs on one runner are strictly sequential.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/bradleyjkemp/fuzzexec/fault"
	"github.com/bradleyjkemp/fuzzexec/internal/log"
)

// TestRunner executes the target once with input.
//
// A target crash or hang is reported through the returned Fault with a nil
// error. A non-nil error means the harness itself failed; the Fault is then
// always a fault.Error and the error wraps ErrHarness.
//
// input is only read during the call and never retained.
type TestRunner interface {
	Run(ctx context.Context, input []byte) (fault.Fault, error)
}

var (
	ErrHarness       = errors.New("harness error")
	ErrInputTooLarge = errors.New("input is too large")
	ErrPoisoned      = errors.New("runner is poisoned by a hung in-process call")
	ErrStuckCall     = errors.New("a hung in-process call is still running")
	ErrBridge        = errors.New("target could not attach to the coverage table")
	ErrClosed        = errors.New("runner is closed")
)

const (
	DefaultTimeout     = 10 * time.Second
	DefaultKillGrace   = time.Second
	DefaultOutputLimit = 1 << 20
	// MinOutputLimit is the smallest output limit a runner accepts; smaller
	// positive limits are raised to it.
	MinOutputLimit = 1 << 10
)

// Stats counts executions by outcome.
type Stats struct {
	Execs    uint64
	Crashes  uint64
	Hangs    uint64
	Errors   uint64
	Kept     uint64
	Reported uint64
}

type counters struct {
	execs, crashes, hangs, errors, kept, reported atomic.Uint64
}

func (c *counters) record(f fault.Fault, d Decision) {
	c.execs.Add(1)
	switch f.(type) {
	case fault.Crash:
		c.crashes.Add(1)
	case fault.Hang:
		c.hangs.Add(1)
	case fault.Error:
		c.errors.Add(1)
	}
	switch d {
	case Keep:
		c.kept.Add(1)
	case Report:
		c.reported.Add(1)
	}
}

func (c *counters) snapshot() Stats {
	return Stats{
		Execs:    c.execs.Load(),
		Crashes:  c.crashes.Load(),
		Hangs:    c.hangs.Load(),
		Errors:   c.errors.Load(),
		Kept:     c.kept.Load(),
		Reported: c.reported.Load(),
	}
}

// harnessFailure ends an invocation that could not produce a target outcome.
func harnessFailure(m *machine, c *counters, logger log.Logger, err error) (fault.Fault, error) {
	m.to(stateHarnessError)
	m.to(stateIdle)
	f := fault.Error{Err: err}
	c.record(f, Discard)
	logger.Warn("harness error", "err", err)
	return f, fmt.Errorf("%w: %w", ErrHarness, err)
}
