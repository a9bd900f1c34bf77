// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package runner

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bradleyjkemp/fuzzexec/coverage"
	"github.com/bradleyjkemp/fuzzexec/fault"
	"github.com/bradleyjkemp/fuzzexec/fuzzdep"
	"github.com/bradleyjkemp/fuzzexec/internal/log"
)

// stuckCalls counts abandoned calls that have not returned yet.
var stuckCalls atomic.Int32

type InProcessOptions struct {
	Timeout   time.Duration
	CoverSize int
	Logger    log.Logger
	Consumer  Consumer
}

// InProcessRunner calls an instrumented function directly. Instrumentation
// goes through fuzzdep's global table, so only one InProcessRunner may be
// running at a time in a process.
//
// A call that outlives its deadline cannot be stopped. The runner reports
// the hang and refuses further runs, because the stuck call may still write
// to the table. Until that call returns, every InProcessRunner in the process
// fails with ErrStuckCall: the call would write into whatever table is bound
// next.
type InProcessRunner struct {
	mu    sync.Mutex
	fn    func([]byte) int
	opts  InProcessOptions
	table *coverage.Table
	stats counters

	sawCoverage bool
	poisoned    bool
}

var _ TestRunner = (*InProcessRunner)(nil)

func NewInProcessRunner(fn func([]byte) int, opts InProcessOptions) (*InProcessRunner, error) {
	if fn == nil {
		return nil, errors.New("fuzz function is nil")
	}
	if stuckCalls.Load() > 0 {
		return nil, ErrStuckCall
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.CoverSize == 0 {
		opts.CoverSize = coverage.CoverSize
	}
	if opts.Logger == nil {
		opts.Logger = log.Discard()
	}
	if opts.Consumer == nil {
		opts.Consumer = DiscardAll{}
	}
	table, err := coverage.NewTable(opts.CoverSize)
	if err != nil {
		return nil, err
	}
	return &InProcessRunner{fn: fn, opts: opts, table: table}, nil
}

func (r *InProcessRunner) Coverage() coverage.Map { return r.table }

func (r *InProcessRunner) Stats() Stats { return r.stats.snapshot() }

type callResult struct {
	res    int
	output []byte
	panic  bool
}

func (r *InProcessRunner) Run(ctx context.Context, input []byte) (fault.Fault, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var m machine
	if r.poisoned {
		return harnessFailure(&m, &r.stats, r.opts.Logger, ErrPoisoned)
	}
	if stuckCalls.Load() > 0 {
		return harnessFailure(&m, &r.stats, r.opts.Logger, ErrStuckCall)
	}
	if len(input) > coverage.MaxInputSize {
		return harnessFailure(&m, &r.stats, r.opts.Logger, fmt.Errorf("%w: %d bytes", ErrInputTooLarge, len(input)))
	}

	m.to(stateArmed)
	r.table.Reset()
	fuzzdep.Bind(r.table.Bytes())
	// The call may outlive Run if it hangs; it must not hold the caller's slice.
	data := append([]byte(nil), input...)

	m.to(stateRunning)
	start := time.Now()
	done := make(chan callResult, 1)
	go r.call(data, done)

	timer := time.NewTimer(r.opts.Timeout)
	defer timer.Stop()

	var f fault.Fault
	select {
	case res := <-done:
		if res.panic {
			f = fault.Crash{Output: res.output, Site: crashSite(res.output)}
		} else {
			f = r.checkCoverage()
		}
	case <-timer.C:
		r.abandon(done)
		f = fault.Hang{Deadline: r.opts.Timeout}
		r.opts.Logger.Warn("program hanged", "timeout", r.opts.Timeout, "input_len", len(input))
	case <-ctx.Done():
		r.abandon(done)
		return harnessFailure(&m, &r.stats, r.opts.Logger, fmt.Errorf("run aborted: %w", ctx.Err()))
	}
	m.finish(f)

	d := r.opts.Consumer.Consume(f, r.table)
	r.stats.record(f, d)
	r.opts.Logger.Debug("run done", "kind", f.Kind(), "elapsed", time.Since(start), "input_len", len(input), "decision", d)
	return f, nil
}

// abandon poisons r and keeps stuckCalls raised until the call returns.
func (r *InProcessRunner) abandon(done <-chan callResult) {
	r.poisoned = true
	stuckCalls.Add(1)
	go func() {
		<-done
		stuckCalls.Add(-1)
	}()
}

func (r *InProcessRunner) call(data []byte, done chan<- callResult) {
	defer func() {
		if err := recover(); err != nil {
			done <- callResult{
				panic:  true,
				output: []byte(fmt.Sprintf("panic: %v\n\n%s", err, debug.Stack())),
			}
		}
	}()
	res := r.fn(data[0:len(data):len(data)])
	done <- callResult{res: res}
}

func (r *InProcessRunner) checkCoverage() fault.Fault {
	if !coverage.Empty(r.table) {
		r.sawCoverage = true
		return fault.None{}
	}
	if r.sawCoverage {
		return fault.NoCoverageBits{}
	}
	return fault.NoInstrumentation{}
}
