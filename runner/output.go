// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package runner

// tailBuffer collects target output and keeps only the most recent part once
// limit is exceeded. The target should not output unless it crashes, but
// nothing stops it from doing so.
//
// It is not safe for concurrent writers.
type tailBuffer struct {
	buf   []byte
	limit int
}

func newTailBuffer(limit int) *tailBuffer {
	switch {
	case limit <= 0:
		limit = DefaultOutputLimit
	case limit < MinOutputLimit:
		limit = MinOutputLimit
	}
	return &tailBuffer{limit: limit}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if len(p) > b.limit/2 {
		p = p[len(p)-b.limit/2:]
	}
	b.buf = append(b.buf, p...)
	if len(b.buf) > b.limit/4*3 {
		b.buf = append(b.buf[:0], b.buf[len(b.buf)-b.limit/2:]...)
	}
	return n, nil
}

// Bytes returns a copy so the result can outlive the buffer.
func (b *tailBuffer) Bytes() []byte {
	return append([]byte(nil), b.buf...)
}
