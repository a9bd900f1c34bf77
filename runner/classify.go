//go:build darwin || linux || freebsd || dragonfly || openbsd || netbsd

package runner

import (
	"fmt"
	"os"
	"slices"
	"syscall"

	"github.com/bradleyjkemp/fuzzexec/fault"
	"github.com/bradleyjkemp/fuzzexec/fuzzdep"
)

// classifyExit maps a reaped process state to an outcome. It only tells
// crashes from clean exits; hangs and coverage checks are decided by the
// caller, which knows about the deadline and the table.
func classifyExit(ps *os.ProcessState, crashExitCodes []int) (fault.Fault, error) {
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return fault.Crash{Signal: int(ws.Signal())}, nil
	}
	code := ps.ExitCode()
	if code == fuzzdep.ExitBridgeFailure {
		return nil, fmt.Errorf("%w: exit status %d", ErrBridge, code)
	}
	if slices.Contains(crashExitCodes, code) {
		return fault.Crash{ExitCode: code}, nil
	}
	return fault.None{}, nil
}
