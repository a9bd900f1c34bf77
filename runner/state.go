package runner

import (
	"fmt"

	"github.com/bradleyjkemp/fuzzexec/fault"
)

// state is where a single invocation of Run is. Every invocation starts from
// a fresh machine in stateIdle; nothing carries over between runs except the
// coverage table.
type state uint8

const (
	stateIdle state = iota
	stateArmed
	stateRunning
	stateCompleted
	stateCrashed
	stateTimedOut
	stateHarnessError
)

var stateNames = [...]string{
	stateIdle:         "idle",
	stateArmed:        "armed",
	stateRunning:      "running",
	stateCompleted:    "completed",
	stateCrashed:      "crashed",
	stateTimedOut:     "timedout",
	stateHarnessError: "harnesserror",
}

func (s state) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// Harness errors may abort before the target is running (oversized input,
// failed spawn); every other terminal state is only reachable from running.
var transitions = map[state][]state{
	stateIdle:         {stateArmed, stateHarnessError},
	stateArmed:        {stateRunning, stateHarnessError},
	stateRunning:      {stateCompleted, stateCrashed, stateTimedOut, stateHarnessError},
	stateCompleted:    {stateIdle},
	stateCrashed:      {stateIdle},
	stateTimedOut:     {stateIdle},
	stateHarnessError: {stateIdle},
}

type machine struct {
	cur state
}

func (m *machine) to(next state) {
	for _, s := range transitions[m.cur] {
		if s == next {
			m.cur = next
			return
		}
	}
	panic(fmt.Sprintf("runner: illegal transition %v -> %v", m.cur, next))
}

// finish moves a running invocation to the terminal state for f and back to
// idle.
func (m *machine) finish(f fault.Fault) {
	m.to(terminalState(f))
	m.to(stateIdle)
}

func terminalState(f fault.Fault) state {
	switch f.(type) {
	case fault.None, fault.NoInstrumentation, fault.NoCoverageBits:
		return stateCompleted
	case fault.Crash:
		return stateCrashed
	case fault.Hang:
		return stateTimedOut
	case fault.Error:
		return stateHarnessError
	}
	panic(fmt.Sprintf("runner: unknown fault %T", f))
}
