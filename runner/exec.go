// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

//go:build darwin || linux || freebsd || dragonfly || openbsd || netbsd

package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/afero"
	"golang.org/x/sys/unix"

	"github.com/bradleyjkemp/fuzzexec/coverage"
	"github.com/bradleyjkemp/fuzzexec/fault"
	"github.com/bradleyjkemp/fuzzexec/fuzzdep"
	"github.com/bradleyjkemp/fuzzexec/internal/log"
)

// InputPlaceholder in ExecOptions.Args is replaced by the input file path.
const InputPlaceholder = "@@"

// commFD is the descriptor the comm file lands on in the child: ExtraFiles
// start right after stdin, stdout and stderr.
const commFD = 3

type ExecOptions struct {
	Path string
	Args []string
	// Env is appended to the parent environment.
	Env      []string
	Delivery fuzzdep.Delivery
	// Timeout bounds a single execution. On expiry the process group gets
	// SIGABRT, and SIGKILL KillGrace later.
	Timeout   time.Duration
	KillGrace time.Duration
	CoverSize int
	// CrashExitCodes are exit statuses that count as crashes even though
	// no signal was delivered.
	CrashExitCodes []int
	OutputLimit    int
	Logger         log.Logger
	Consumer       Consumer
	// Fs holds input files for file delivery. It must be backed by the OS
	// filesystem for a real target to read them.
	Fs afero.Fs
}

func (o *ExecOptions) setDefaults() {
	if o.Delivery == "" {
		o.Delivery = fuzzdep.DeliverStdin
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.KillGrace <= 0 {
		o.KillGrace = DefaultKillGrace
	}
	if o.CoverSize == 0 {
		o.CoverSize = coverage.CoverSize
	}
	if o.OutputLimit <= 0 {
		o.OutputLimit = DefaultOutputLimit
	}
	if o.Logger == nil {
		o.Logger = log.Discard()
	}
	if o.Consumer == nil {
		o.Consumer = DiscardAll{}
	}
	if o.Fs == nil {
		o.Fs = afero.NewOsFs()
	}
}

// ExecRunner starts a fresh target process for every input. The target
// writes coverage into a table shared over a mapped comm file.
type ExecRunner struct {
	mu    sync.Mutex
	opts  ExecOptions
	table *coverage.SharedTable
	stats counters

	// sawCoverage is set once any execution wrote to the table.
	sawCoverage bool
	closed      bool
}

var _ TestRunner = (*ExecRunner)(nil)

func NewExecRunner(opts ExecOptions) (*ExecRunner, error) {
	opts.setDefaults()
	if opts.Path == "" {
		return nil, errors.New("target path is not set")
	}
	if !opts.Delivery.Valid() {
		return nil, fmt.Errorf("unknown delivery %q", opts.Delivery)
	}
	inputSize := 0
	if opts.Delivery == fuzzdep.DeliverShm {
		inputSize = coverage.MaxInputSize
	}
	table, err := coverage.NewSharedTable(opts.CoverSize, inputSize)
	if err != nil {
		return nil, err
	}
	return &ExecRunner{opts: opts, table: table}, nil
}

// Coverage is the table the target writes into. Read it only between runs.
func (r *ExecRunner) Coverage() coverage.Map { return r.table }

func (r *ExecRunner) Stats() Stats { return r.stats.snapshot() }

// Close releases the comm file. Runs after Close fail with ErrClosed.
func (r *ExecRunner) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return r.table.Close()
}

func (r *ExecRunner) Run(ctx context.Context, input []byte) (fault.Fault, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var m machine
	if r.closed {
		return harnessFailure(&m, &r.stats, r.opts.Logger, ErrClosed)
	}
	if len(input) > coverage.MaxInputSize {
		return harnessFailure(&m, &r.stats, r.opts.Logger, fmt.Errorf("%w: %d bytes", ErrInputTooLarge, len(input)))
	}

	m.to(stateArmed)
	r.table.Reset()
	cmd, cleanup, err := r.command(input)
	if err != nil {
		return harnessFailure(&m, &r.stats, r.opts.Logger, err)
	}
	defer cleanup()
	// Output goes through a pipe of our own so that Wait returns as soon as
	// the target exits, even if something it spawned still holds the pipe.
	pr, pw, err := os.Pipe()
	if err != nil {
		return harnessFailure(&m, &r.stats, r.opts.Logger, fmt.Errorf("failed to create output pipe: %w", err))
	}
	defer pr.Close()
	cmd.Stdout = pw
	cmd.Stderr = pw

	start := time.Now()
	err = cmd.Start()
	pw.Close()
	if err != nil {
		return harnessFailure(&m, &r.stats, r.opts.Logger, fmt.Errorf("failed to start test binary: %w", err))
	}
	m.to(stateRunning)
	out := newTailBuffer(r.opts.OutputLimit)
	copied := make(chan struct{})
	go func() {
		io.Copy(out, pr)
		close(copied)
	}()

	hanged, err := r.wait(ctx, cmd)
	elapsed := time.Since(start)
	r.drain(pr, copied)
	if err != nil {
		return harnessFailure(&m, &r.stats, r.opts.Logger, err)
	}
	if cmd.ProcessState == nil {
		return harnessFailure(&m, &r.stats, r.opts.Logger, errors.New("test binary was not reaped"))
	}

	var f fault.Fault
	if hanged {
		output := out.Bytes()
		f = fault.Hang{Deadline: r.opts.Timeout, Site: crashSite(output), Output: output}
		r.opts.Logger.Warn("program hanged", "timeout", r.opts.Timeout, "input_len", len(input))
	} else {
		f, err = classifyExit(cmd.ProcessState, r.opts.CrashExitCodes)
		if err != nil {
			return harnessFailure(&m, &r.stats, r.opts.Logger, err)
		}
	}

	switch v := f.(type) {
	case fault.Crash:
		v.Output = out.Bytes()
		v.Site = crashSite(v.Output)
		f = v
	case fault.None:
		f = r.checkCoverage()
	}
	m.finish(f)

	d := r.opts.Consumer.Consume(f, r.table)
	r.stats.record(f, d)
	r.opts.Logger.Debug("run done", "kind", f.Kind(), "elapsed", elapsed, "input_len", len(input), "decision", d)
	return f, nil
}

// checkCoverage refines a clean exit by what reached the table.
func (r *ExecRunner) checkCoverage() fault.Fault {
	if !coverage.Empty(r.table) {
		r.sawCoverage = true
		return fault.None{}
	}
	if r.sawCoverage {
		return fault.NoCoverageBits{}
	}
	return fault.NoInstrumentation{}
}

// command builds a fresh command with the input delivered. cleanup removes
// anything created for this execution.
func (r *ExecRunner) command(input []byte) (*exec.Cmd, func(), error) {
	cleanup := func() {}
	args := append([]string(nil), r.opts.Args...)
	env := append(os.Environ(), r.opts.Env...)
	env = append(env,
		"GOTRACEBACK=crash",
		fuzzdep.EnvCommFD+"="+strconv.Itoa(commFD),
		fuzzdep.EnvCoverSize+"="+strconv.Itoa(r.opts.CoverSize),
		fuzzdep.EnvDelivery+"="+string(r.opts.Delivery),
	)

	var stdin *bytes.Reader
	switch r.opts.Delivery {
	case fuzzdep.DeliverShm:
		copy(r.table.Input(), input)
		env = append(env, fuzzdep.EnvInputLen+"="+strconv.Itoa(len(input)))
	case fuzzdep.DeliverFile:
		path, err := r.writeInputFile(input)
		if err != nil {
			return nil, nil, err
		}
		cleanup = func() { r.opts.Fs.Remove(path) }
		for i, a := range args {
			if a == InputPlaceholder {
				args[i] = path
			}
		}
		env = append(env, fuzzdep.EnvInputFile+"="+path)
	default:
		stdin = bytes.NewReader(input)
	}

	cmd := exec.Command(r.opts.Path, args...)
	cmd.Env = env
	if stdin != nil {
		cmd.Stdin = stdin
	}
	cmd.ExtraFiles = []*os.File{r.table.File()}
	// Own process group, so that a timeout kills whatever the target spawned.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	// Bounds how long Wait keeps feeding stdin after the process is gone.
	cmd.WaitDelay = r.opts.KillGrace
	return cmd, cleanup, nil
}

func (r *ExecRunner) writeInputFile(input []byte) (string, error) {
	f, err := afero.TempFile(r.opts.Fs, "", "fuzzexec-input")
	if err != nil {
		return "", fmt.Errorf("failed to create input file: %w", err)
	}
	_, err = f.Write(input)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		r.opts.Fs.Remove(f.Name())
		return "", fmt.Errorf("failed to write input file: %w", err)
	}
	return f.Name(), nil
}

// wait blocks until the target exits, times out or ctx is done. The process
// is always reaped before wait returns, and the rest of its process group
// killed: whatever the target left running would otherwise keep the comm
// file and output pipe open.
func (r *ExecRunner) wait(ctx context.Context, cmd *exec.Cmd) (hanged bool, err error) {
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timer := time.NewTimer(r.opts.Timeout)
	defer timer.Stop()
	defer killGroup(cmd.Process.Pid)

	select {
	case <-done:
		return false, nil
	case <-timer.C:
		// SIGABRT first so that Go targets dump their goroutines.
		signalGroup(cmd, unix.SIGABRT)
		select {
		case <-done:
		case <-time.After(r.opts.KillGrace):
			signalGroup(cmd, unix.SIGKILL)
			<-done
		}
		return true, nil
	case <-ctx.Done():
		signalGroup(cmd, unix.SIGKILL)
		<-done
		return false, fmt.Errorf("run aborted: %w", ctx.Err())
	}
}

// drain waits for the output copy to finish. Only a process that left the
// group can still hold the pipe; it gets KillGrace.
func (r *ExecRunner) drain(pr *os.File, copied <-chan struct{}) {
	select {
	case <-copied:
	case <-time.After(r.opts.KillGrace):
		pr.Close()
		<-copied
	}
}

// killGroup kills the group led by the reaped process pgid. ESRCH means the
// group is already empty.
func killGroup(pgid int) {
	unix.Kill(-pgid, unix.SIGKILL)
}

func signalGroup(cmd *exec.Cmd, sig unix.Signal) {
	if err := unix.Kill(-cmd.Process.Pid, sig); err != nil {
		// The group may already be gone; make sure the leader is.
		cmd.Process.Signal(sig)
	}
}
