// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package fuzzdep is linked into instrumented targets. It maps the coverage
// table shared by the runner, receives the input and calls the fuzz function
// once.
package fuzzdep

import (
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"strconv"

	"github.com/bradleyjkemp/fuzzexec/coverage"
)

// Environment understood by Main. The runner sets these for every execution.
const (
	EnvCommFD    = "FUZZEXEC_COMM_FD"
	EnvCoverSize = "FUZZEXEC_COVER_SIZE"
	EnvDelivery  = "FUZZEXEC_DELIVERY"
	EnvInputLen  = "FUZZEXEC_INPUT_LEN"
	EnvInputFile = "FUZZEXEC_INPUT_FILE"
)

// ExitBridgeFailure is the exit code Main uses when it cannot set up the
// shared table or read the input. Runners treat it as a harness error, not
// as a target crash.
const ExitBridgeFailure = 79

// Delivery is how the input reaches the target.
type Delivery string

const (
	DeliverStdin Delivery = "stdin"
	DeliverFile  Delivery = "file"
	DeliverShm   Delivery = "shm"
)

func (d Delivery) Valid() bool {
	switch d {
	case DeliverStdin, DeliverFile, DeliverShm:
		return true
	}
	return false
}

// CoverTab holds code coverage.
// It is initialized to a heap table so that instrumentation
// executed during process initialization has somewhere to write to.
// It is replaced by the shared table when it is
// time for actual instrumentation to commence.
var CoverTab = make([]byte, coverage.CoverSize)

// PreviousLocationID stores the id of the previous coverage point.
// This is combined with the current id to decide which entry in the CoverTab
// to increment in the instrumented code.
// This is done to get a cheap approximation of path coverage instead of
// simply line coverage.
var PreviousLocationID uint32

// Hit records that the instrumentation point id was reached.
func Hit(id uint32) {
	tab := CoverTab
	tab[(id^PreviousLocationID)%uint32(len(tab))]++
	PreviousLocationID = id >> 1
}

// Bind points instrumentation at tab and starts a fresh edge chain.
func Bind(tab []byte) {
	CoverTab = tab
	PreviousLocationID = 0
}

// Main runs fn once on the delivered input and exits the process.
// A panic in fn is not recovered: the runner observes it as a crash.
func Main(fn func([]byte) int) {
	tab, input, err := setup()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fuzzdep: %v\n", err)
		os.Exit(ExitBridgeFailure)
	}
	runtime.GOMAXPROCS(1) // makes coverage more deterministic, we parallelize on higher level
	Bind(tab.Bytes())
	fn(input[:len(input):len(input)])
	os.Exit(0)
}

func setup() (*coverage.SharedTable, []byte, error) {
	fd, err := envInt(EnvCommFD)
	if err != nil {
		return nil, nil, err
	}
	coverSize, err := envInt(EnvCoverSize)
	if err != nil {
		return nil, nil, err
	}
	delivery := Delivery(os.Getenv(EnvDelivery))
	if !delivery.Valid() {
		return nil, nil, fmt.Errorf("bad %s %q", EnvDelivery, delivery)
	}

	inputSize := 0
	if delivery == DeliverShm {
		inputSize = coverage.MaxInputSize
	}
	tab, err := coverage.OpenShared(os.NewFile(uintptr(fd), "comm"), coverSize, inputSize)
	if err != nil {
		return nil, nil, err
	}

	input, err := readInput(delivery, tab)
	if err != nil {
		tab.Close()
		return nil, nil, err
	}
	return tab, input, nil
}

func readInput(delivery Delivery, tab *coverage.SharedTable) ([]byte, error) {
	switch delivery {
	case DeliverShm:
		n, err := envInt(EnvInputLen)
		if err != nil {
			return nil, err
		}
		if n > len(tab.Input()) {
			return nil, errors.New("invalid input length")
		}
		return tab.Input()[:n], nil
	case DeliverFile:
		path := os.Getenv(EnvInputFile)
		if path == "" {
			return nil, fmt.Errorf("%s is not set", EnvInputFile)
		}
		return os.ReadFile(path)
	default:
		data, err := io.ReadAll(io.LimitReader(os.Stdin, coverage.MaxInputSize+1))
		if err != nil {
			return nil, err
		}
		if len(data) > coverage.MaxInputSize {
			return nil, errors.New("input is too large")
		}
		return data, nil
	}
}

func envInt(name string) (int, error) {
	v, err := strconv.Atoi(os.Getenv(name))
	if err != nil {
		return 0, fmt.Errorf("bad %s: %w", name, err)
	}
	return v, nil
}
