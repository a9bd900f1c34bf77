package runner

import (
	"sync"

	"github.com/bradleyjkemp/fuzzexec/coverage"
	"github.com/bradleyjkemp/fuzzexec/fault"
)

// Decision is what a Consumer wants done with an execution.
type Decision uint8

const (
	Discard Decision = iota
	Keep             // new coverage, worth adding to a corpus
	Report           // crash or hang
)

func (d Decision) String() string {
	switch d {
	case Keep:
		return "keep"
	case Report:
		return "report"
	}
	return "discard"
}

// Consumer receives every execution outcome together with the coverage it
// produced. The map is only valid for the duration of the call; copy it to
// keep it.
type Consumer interface {
	Consume(f fault.Fault, cov coverage.Map) Decision
}

// ConsumerFunc adapts a function to Consumer.
type ConsumerFunc func(f fault.Fault, cov coverage.Map) Decision

func (fn ConsumerFunc) Consume(f fault.Fault, cov coverage.Map) Decision { return fn(f, cov) }

// DiscardAll ignores every execution.
type DiscardAll struct{}

func (DiscardAll) Consume(fault.Fault, coverage.Map) Decision { return Discard }

// MaxCover keeps the running maximum of bucketed counters over all
// executions it has seen and keeps inputs that raise it. It is safe to share
// between runners.
type MaxCover struct {
	mu       sync.Mutex
	max      []byte
	counters bool
	fullness int
}

func NewMaxCover(size int, counters bool) *MaxCover {
	return &MaxCover{max: make([]byte, size), counters: counters}
}

func (c *MaxCover) Consume(f fault.Fault, cov coverage.Map) Decision {
	if fault.Interesting(f) {
		return Report
	}
	if _, ok := f.(fault.None); !ok {
		return Discard
	}
	cur := cov.Bytes()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(cur) != len(c.max) || !coverage.HasNewBits(c.max, cur) {
		return Discard
	}
	if n := coverage.UpdateMax(c.max, cur, c.counters); n > c.fullness {
		c.fullness = n
	}
	return Keep
}

// Fullness is the number of cells ever hit.
func (c *MaxCover) Fullness() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fullness
}

// Snapshot copies the max-coverage bitmap.
func (c *MaxCover) Snapshot() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.max...)
}
