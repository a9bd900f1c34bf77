//go:build darwin || linux || freebsd || dragonfly || openbsd || netbsd

package runner

import (
	"context"
	"errors"
	"fmt"

	"github.com/bradleyjkemp/fuzzexec/fault"
)

// Pool runs inputs on several ExecRunners in parallel. Each runner owns its
// own coverage table, so coverage is only observable through the Consumer
// in the options, which must then be safe for concurrent use (MaxCover is).
type Pool struct {
	free    chan *ExecRunner
	runners []*ExecRunner
}

var _ TestRunner = (*Pool)(nil)

func NewPool(n int, opts ExecOptions) (*Pool, error) {
	if n <= 0 {
		return nil, fmt.Errorf("pool size must be positive, got %d", n)
	}
	p := &Pool{free: make(chan *ExecRunner, n)}
	for i := 0; i < n; i++ {
		r, err := NewExecRunner(opts)
		if err != nil {
			p.Close()
			return nil, err
		}
		p.runners = append(p.runners, r)
		p.free <- r
	}
	return p, nil
}

// Run waits for a free runner and runs input on it.
func (p *Pool) Run(ctx context.Context, input []byte) (fault.Fault, error) {
	select {
	case r := <-p.free:
		defer func() { p.free <- r }()
		return r.Run(ctx, input)
	case <-ctx.Done():
		err := fmt.Errorf("no free runner: %w", ctx.Err())
		return fault.Error{Err: err}, fmt.Errorf("%w: %w", ErrHarness, err)
	}
}

func (p *Pool) Stats() Stats {
	var s Stats
	for _, r := range p.runners {
		rs := r.Stats()
		s.Execs += rs.Execs
		s.Crashes += rs.Crashes
		s.Hangs += rs.Hangs
		s.Errors += rs.Errors
		s.Kept += rs.Kept
		s.Reported += rs.Reported
	}
	return s
}

func (p *Pool) Close() error {
	var errs []error
	for _, r := range p.runners {
		errs = append(errs, r.Close())
	}
	return errors.Join(errs...)
}
