// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package runner

import (
	"bytes"
	"io"
	"strings"

	"github.com/maruel/panicparse/stack"
)

// Frames of the in-process runner's own recovery path.
const selfFrames = "github.com/bradleyjkemp/fuzzexec/runner.(*InProcessRunner)."

// crashSite returns the file:line of the first user frame of the goroutine
// that crashed, or "" if out holds no Go traceback.
func crashSite(out []byte) string {
	ctx, err := stack.ParseDump(bytes.NewReader(out), io.Discard, false)
	if err != nil || ctx == nil {
		return ""
	}
	for _, gr := range ctx.Goroutines {
		if !gr.First {
			continue
		}
		for i := range gr.Stack.Calls {
			c := &gr.Stack.Calls[i]
			if isHarnessFrame(c.Func.Raw) {
				continue
			}
			return c.FullSrcLine()
		}
		return ""
	}
	return ""
}

func isHarnessFrame(fn string) bool {
	return fn == "panic" ||
		strings.HasPrefix(fn, "runtime.") ||
		strings.HasPrefix(fn, "runtime/debug.") ||
		strings.HasPrefix(fn, selfFrames)
}
