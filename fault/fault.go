// Package fault classifies the outcome of a single target execution.
//
// Fault is a closed set: only the variants declared here implement it, so a
// type switch over a Fault can handle every case.
package fault

import (
	"fmt"
	"time"
)

// Kind names a Fault variant.
type Kind uint8

const (
	KindNone Kind = iota
	KindCrash
	KindHang
	KindError
	KindNoInstrumentation
	KindNoCoverageBits
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindCrash:
		return "crash"
	case KindHang:
		return "hang"
	case KindError:
		return "error"
	case KindNoInstrumentation:
		return "noinst"
	case KindNoCoverageBits:
		return "nobits"
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Fault is the outcome of one execution.
type Fault interface {
	Kind() Kind
	String() string
	fault()
}

// None means the target ran to completion and hit instrumented code.
type None struct{}

// Crash means the target terminated abnormally.
//
// Signal is the terminating signal number. It is zero when the crash was not
// signal-delivered: the target exited with one of the configured crash exit
// codes, or an in-process call panicked.
type Crash struct {
	Signal   int
	ExitCode int
	// Site is the first user frame of the crashing goroutine, if the
	// output held a Go traceback.
	Site string
	// Output is the tail of the target's combined stdout and stderr.
	Output []byte
}

// Hang means the target ran past its deadline and was killed.
type Hang struct {
	Deadline time.Duration
	// Site is the first user frame of the first goroutine in the dump the
	// target printed when it was aborted, if any.
	Site string
	// Output is the tail of the target's combined stdout and stderr,
	// including that dump. The in-process runner leaves it empty.
	Output []byte
}

// Error means the target could not be run at all. It is always returned
// alongside a non-nil Go error.
type Error struct {
	Err error
}

// NoInstrumentation means a clean run left the coverage table empty and no
// earlier run on the same runner ever wrote to it.
type NoInstrumentation struct{}

// NoCoverageBits means a clean run left the coverage table empty although
// earlier runs did produce coverage.
type NoCoverageBits struct{}

func (None) Kind() Kind              { return KindNone }
func (Crash) Kind() Kind             { return KindCrash }
func (Hang) Kind() Kind              { return KindHang }
func (Error) Kind() Kind             { return KindError }
func (NoInstrumentation) Kind() Kind { return KindNoInstrumentation }
func (NoCoverageBits) Kind() Kind    { return KindNoCoverageBits }

func (None) fault()              {}
func (Crash) fault()             {}
func (Hang) fault()              {}
func (Error) fault()             {}
func (NoInstrumentation) fault() {}
func (NoCoverageBits) fault()    {}

func (None) String() string { return "none" }

func (c Crash) String() string {
	s := "crash"
	switch {
	case c.Signal != 0:
		s += fmt.Sprintf(" signal=%d", c.Signal)
	case c.ExitCode != 0:
		s += fmt.Sprintf(" exit=%d", c.ExitCode)
	default:
		s += " panic"
	}
	if c.Site != "" {
		s += " at " + c.Site
	}
	return s
}

func (h Hang) String() string {
	s := fmt.Sprintf("hang (timeout %v)", h.Deadline)
	if h.Site != "" {
		s += " at " + h.Site
	}
	return s
}

func (e Error) String() string {
	if e.Err == nil {
		return "error"
	}
	return "error: " + e.Err.Error()
}

func (NoInstrumentation) String() string { return "noinst" }
func (NoCoverageBits) String() string    { return "nobits" }

// Interesting reports whether f is something a fuzzer should keep as a
// finding rather than as corpus.
func Interesting(f Fault) bool {
	switch f.(type) {
	case Crash, Hang:
		return true
	}
	return false
}
