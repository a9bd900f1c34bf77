// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package coverage

import (
	"crypto/sha1"
	"fmt"
)

// Sig identifies a coverage bitmap.
type Sig [sha1.Size]byte

func (s Sig) String() string { return fmt.Sprintf("%x", s[:]) }

// Checksum hashes a bitmap. Two executions with the same checksum hit the
// same cells the same number of times.
func Checksum(cov []byte) Sig {
	return sha1.Sum(cov)
}

// Bucket quantizes a hit counter. Otherwise we get too inflated corpus.
// Without counters any hit is treated the same.
func Bucket(x byte, counters bool) byte {
	if !counters && x > 0 {
		return 255
	}

	if x <= 5 {
		return x
	} else if x <= 8 {
		return 8
	} else if x <= 16 {
		return 16
	} else if x <= 32 {
		return 32
	} else if x <= 64 {
		return 64
	}
	return 255
}

// HasNewBits reports whether cur has any cell above base.
func HasNewBits(base, cur []byte) bool {
	for i, v := range base {
		if cur[i] > v {
			return true
		}
	}
	return false
}

// UpdateMax merges the bucketed cur into base and returns the number of
// non-zero cells in the result.
func UpdateMax(base, cur []byte, counters bool) int {
	cnt := 0
	for i, x := range cur {
		x = Bucket(x, counters)
		v := base[i]
		if v != 0 || x > 0 {
			cnt++
		}
		if v < x {
			base[i] = x
		}
	}
	return cnt
}

// FindNew returns the cells where cur exceeds base, zero elsewhere.
func FindNew(base, cur []byte) (res []byte, notEmpty bool) {
	res = make([]byte, len(cur))
	for i, b := range base {
		c := cur[i]
		if c > b {
			res[i] = c
			notEmpty = true
		}
	}
	return
}

// Count returns the number of non-zero cells.
func Count(cov []byte) int {
	n := 0
	for _, v := range cov {
		if v != 0 {
			n++
		}
	}
	return n
}

// Empty reports whether no cell was hit. It scans the wide view of m when
// the table is aligned.
func Empty(m Map) bool {
	words := m.MutableUint32s()
	if words == nil {
		return Count(m.Bytes()) == 0
	}
	for _, w := range words {
		if w != 0 {
			return false
		}
	}
	return true
}
