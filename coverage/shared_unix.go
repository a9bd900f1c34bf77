// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

//go:build darwin || linux || freebsd || dragonfly || openbsd || netbsd

package coverage

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// SharedTable is a Table backed by a MAP_SHARED file mapping so that a child
// process can write counters the parent reads. The mapping is laid out as the
// cover region followed by an optional input region.
type SharedTable struct {
	*Table
	f     *os.File
	mem   []byte
	input []byte
	owner bool
}

// NewSharedTable creates the comm file and maps it. inputSize may be zero
// when inputs are not delivered through shared memory.
func NewSharedTable(coverSize, inputSize int) (*SharedTable, error) {
	if coverSize <= 0 || coverSize%4 != 0 {
		return nil, fmt.Errorf("%w: size %d is not a positive multiple of 4", ErrMisaligned, coverSize)
	}
	f, err := os.CreateTemp("", "fuzzexec-comm")
	if err != nil {
		return nil, fmt.Errorf("failed to create comm file: %w", err)
	}
	if err := f.Truncate(int64(coverSize + inputSize)); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, fmt.Errorf("failed to size comm file: %w", err)
	}
	s, err := mapShared(f, coverSize, inputSize)
	if err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, err
	}
	s.owner = true
	return s, nil
}

// OpenShared maps a comm file inherited from the parent, e.g. as fd 3.
func OpenShared(f *os.File, coverSize, inputSize int) (*SharedTable, error) {
	return mapShared(f, coverSize, inputSize)
}

func mapShared(f *os.File, coverSize, inputSize int) (*SharedTable, error) {
	mem, err := unix.Mmap(int(f.Fd()), 0, coverSize+inputSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("failed to mmap comm file: %w", err)
	}
	tab, err := Wrap(mem[:coverSize:coverSize])
	if err != nil {
		unix.Munmap(mem)
		return nil, err
	}
	return &SharedTable{
		Table: tab,
		f:     f,
		mem:   mem,
		input: mem[coverSize:],
	}, nil
}

// File is the comm file to pass to the child.
func (s *SharedTable) File() *os.File { return s.f }

// Input is the shared input region; empty if none was requested.
func (s *SharedTable) Input() []byte { return s.input }

// Close unmaps the region and, for the creating side, removes the comm file.
func (s *SharedTable) Close() error {
	err := unix.Munmap(s.mem)
	s.f.Close()
	if s.owner {
		os.Remove(s.f.Name())
	}
	return err
}
