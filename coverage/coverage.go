// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package coverage holds the coverage table shared between a runner and an
// instrumented target, and the bitmap operations used to interpret it.
package coverage

import (
	"errors"
	"fmt"
	"unsafe"
)

const (
	CoverSize    = 64 << 10
	MaxInputSize = 1 << 20
)

// ErrMisaligned is returned when a buffer cannot back all three views:
// its length is not a multiple of 4 or its first byte is not 4-byte aligned.
var ErrMisaligned = errors.New("coverage table is misaligned")

// Map is a fixed-size table of instrumentation counters seen through three
// views. All views alias the same memory: Uint16s()[i] covers
// Bytes()[2*i:2*i+2] and MutableUint32s()[i] covers Bytes()[4*i:4*i+4], in
// native byte order.
//
// Callers must not hold a view across executions and must not call
// MutableUint32s while the target is running.
type Map interface {
	Bytes() []byte
	Uint16s() []uint16
	MutableUint32s() []uint32
}

// Table is a Map over a single owned byte buffer.
type Table struct {
	buf []byte
}

// NewTable allocates a zeroed table of size bytes.
func NewTable(size int) (*Table, error) {
	if size <= 0 || size%4 != 0 {
		return nil, fmt.Errorf("%w: size %d is not a positive multiple of 4", ErrMisaligned, size)
	}
	// Backing the buffer with uint32s guarantees the alignment the wide views need.
	words := make([]uint32, size/4)
	return &Table{buf: unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), size)}, nil
}

// Wrap builds a table over memory owned by someone else, such as an mmap'd
// region. The buffer is used in place.
func Wrap(buf []byte) (*Table, error) {
	if !aligned(buf) {
		return nil, fmt.Errorf("%w: len=%d", ErrMisaligned, len(buf))
	}
	return &Table{buf: buf}, nil
}

func aligned(buf []byte) bool {
	if len(buf) == 0 || len(buf)%4 != 0 {
		return false
	}
	return uintptr(unsafe.Pointer(&buf[0]))%4 == 0
}

// Len is the table size in bytes.
func (t *Table) Len() int { return len(t.buf) }

func (t *Table) Bytes() []byte { return t.buf }

// Uint16s returns nil if the table is misaligned.
func (t *Table) Uint16s() []uint16 {
	if !aligned(t.buf) {
		return nil
	}
	return unsafe.Slice((*uint16)(unsafe.Pointer(&t.buf[0])), len(t.buf)/2)
}

// MutableUint32s returns nil if the table is misaligned.
func (t *Table) MutableUint32s() []uint32 {
	if !aligned(t.buf) {
		return nil
	}
	return unsafe.Slice((*uint32)(unsafe.Pointer(&t.buf[0])), len(t.buf)/4)
}

// Reset zeroes every counter.
func (t *Table) Reset() {
	clear(t.MutableUint32s())
}

// Snapshot copies the byte view. Use it when coverage has to outlive the next
// execution; the table itself is reused.
func (t *Table) Snapshot() []byte {
	return append([]byte(nil), t.buf...)
}
