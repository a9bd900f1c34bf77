package runner

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

const goroutineDump = `panic: boom

goroutine 1 [running]:
main.parse(0x1, 0x2)
	/home/user/target/parse.go:12 +0x39
main.Fuzz(0xc000012345, 0x4, 0x4, 0x0)
	/home/user/target/target.go:30 +0x1d
main.main()
	/home/user/target/main.go:5 +0x25

goroutine 6 [chan receive]:
main.worker()
	/home/user/target/worker.go:9 +0x44
created by main.main
	/home/user/target/main.go:4 +0x2c
`

func TestCrashSite(t *testing.T) {
	assert.Equal(t, "/home/user/target/parse.go:12", crashSite([]byte(goroutineDump)))
	assert.Equal(t, "", crashSite([]byte("Segmentation fault (core dumped)\n")))
	assert.Equal(t, "", crashSite(nil))
}

func TestIsHarnessFrame(t *testing.T) {
	assert.True(t, isHarnessFrame("panic"))
	assert.True(t, isHarnessFrame("runtime.gopanic"))
	assert.True(t, isHarnessFrame("runtime/debug.Stack"))
	assert.True(t, isHarnessFrame("github.com/bradleyjkemp/fuzzexec/runner.(*InProcessRunner).call.func1"))
	assert.False(t, isHarnessFrame("main.Fuzz"))
	assert.False(t, isHarnessFrame("github.com/bradleyjkemp/fuzzexec/runner.inProcessTarget.func1"))
}
