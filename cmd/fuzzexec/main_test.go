package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bradleyjkemp/fuzzexec/fault"
	"github.com/bradleyjkemp/fuzzexec/fuzzdep"
)

const helperEnv = "FUZZEXEC_CLI_TEST_TARGET"

func TestMain(m *testing.M) {
	if os.Getenv(helperEnv) == "1" {
		fuzzdep.Main(func(data []byte) int {
			fuzzdep.Hit(1)
			if string(data) == "boom" {
				panic("boom")
			}
			return 0
		})
	}
	os.Exit(m.Run())
}

func executeCommand(args ...string) (string, error) {
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)
	runJSON = false
	runShowOutput = false
	runJobs = 1
	level := rootCmd.PersistentFlags().Lookup("log-level")
	level.Value.Set("info")
	level.Changed = false

	err := rootCmd.Execute()
	return buf.String(), err
}

// setupTest puts a config for target on a fresh in-memory filesystem.
func setupTest(t *testing.T, targetYAML string) {
	t.Helper()
	appFs = afero.NewMemMapFs()
	t.Cleanup(func() { appFs = afero.NewOsFs() })
	config := targetYAML + "timeout: 10s\nlog_level: error\n"
	require.NoError(t, afero.WriteFile(appFs, "/fuzzexec.yaml", []byte(config), 0o644))
}

func shellTarget(script string) string {
	return fmt.Sprintf("target:\n  path: /bin/sh\n  args: [\"-c\", %q]\n", script)
}

func helperTarget(t *testing.T) string {
	exe, err := os.Executable()
	require.NoError(t, err)
	return fmt.Sprintf("target:\n  path: %q\n  env: [%q]\n", exe, helperEnv+"=1")
}

func writeInputs(t *testing.T, inputs map[string]string) {
	t.Helper()
	for name, body := range inputs {
		require.NoError(t, afero.WriteFile(appFs, name, []byte(body), 0o644))
	}
}

func TestRun_PrintsOutcomes(t *testing.T) {
	setupTest(t, shellTarget(`x=$(cat); if [ "$x" = boom ]; then kill -SEGV $$; fi`))
	writeInputs(t, map[string]string{"/ok": "fine", "/crash": "boom"})

	out, err := executeCommand("run", "--config", "/fuzzexec.yaml", "/ok", "/crash")
	require.ErrorIs(t, err, errFindings)
	assert.EqualError(t, err, "1 of 2 inputs crashed or hanged")
	assert.Contains(t, out, "/ok: noinst\n")
	assert.Contains(t, out, "/crash: crash signal=11\n")
}

func TestRun_JSON(t *testing.T) {
	setupTest(t, shellTarget(`x=$(cat); if [ "$x" = boom ]; then echo dying; kill -SEGV $$; fi`))
	writeInputs(t, map[string]string{"/ok": "fine", "/crash": "boom"})

	out, err := executeCommand("run", "--config", "/fuzzexec.yaml", "--json", "/ok", "/crash")
	require.Error(t, err)

	var results []resultForJSON
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		var res resultForJSON
		require.NoError(t, json.Unmarshal([]byte(line), &res), line)
		results = append(results, res)
	}
	require.Len(t, results, 2)
	assert.Equal(t, resultForJSON{File: "/ok", Kind: "noinst"}, results[0])
	assert.Equal(t, "/crash", results[1].File)
	assert.Equal(t, "crash", results[1].Kind)
	assert.Equal(t, 11, results[1].Signal)
	assert.Contains(t, results[1].Output, "dying")
}

func TestRun_InstrumentedTarget(t *testing.T) {
	setupTest(t, helperTarget(t))
	writeInputs(t, map[string]string{"/a": "hello"})

	out, err := executeCommand("run", "--config", "/fuzzexec.yaml", "/a")
	require.NoError(t, err)
	assert.Equal(t, "/a: none\n", out)
}

func TestRun_Parallel(t *testing.T) {
	setupTest(t, shellTarget(`x=$(cat); if [ "$x" = boom ]; then kill -SEGV $$; fi`))
	inputs := map[string]string{}
	var args []string
	for i := 0; i < 8; i++ {
		name := fmt.Sprintf("/in%d", i)
		inputs[name] = "fine"
		if i%3 == 0 {
			inputs[name] = "boom"
		}
		args = append(args, name)
	}
	writeInputs(t, inputs)

	out, err := executeCommand(append([]string{"run", "--config", "/fuzzexec.yaml", "--jobs", "4"}, args...)...)
	assert.EqualError(t, err, "3 of 8 inputs crashed or hanged")

	var want strings.Builder
	for _, name := range args {
		if inputs[name] == "boom" {
			fmt.Fprintf(&want, "%s: crash signal=11\n", name)
		} else {
			fmt.Fprintf(&want, "%s: noinst\n", name)
		}
	}
	assert.Equal(t, want.String(), out)
}

func TestRun_Errors(t *testing.T) {
	setupTest(t, shellTarget("true"))
	writeInputs(t, map[string]string{"/in": ""})

	out, err := executeCommand("run", "--config", "/fuzzexec.yaml", "/missing")
	assert.ErrorContains(t, err, "error reading input /missing")
	// Execute prints the error; cobra must not print it as well.
	assert.NotContains(t, out, "Error:")

	_, err = executeCommand("run", "--config", "/nope.yaml", "/in")
	assert.ErrorContains(t, err, "error loading config /nope.yaml")

	_, err = executeCommand("run", "--config", "/fuzzexec.yaml", "--jobs", "0", "/in")
	assert.EqualError(t, err, "--jobs must be at least 1, got 0")

	_, err = executeCommand("run", "--config", "/fuzzexec.yaml")
	assert.Error(t, err)

	_, err = executeCommand("run", "--config", "/fuzzexec.yaml", "--log-level", "loud", "/missing")
	assert.EqualError(t, err, "invalid log level: loud")
}

func TestFaultOutput(t *testing.T) {
	assert.Equal(t, "dump", string(faultOutput(fault.Hang{Output: []byte("dump")})))
	assert.Equal(t, "trace", string(faultOutput(fault.Crash{Output: []byte("trace")})))
	assert.Nil(t, faultOutput(fault.None{}))
}

func TestCheck(t *testing.T) {
	t.Run("instrumented", func(t *testing.T) {
		setupTest(t, helperTarget(t))
		out, err := executeCommand("check", "--config", "/fuzzexec.yaml")
		require.NoError(t, err)
		assert.Equal(t, "target is instrumented\n", out)
	})

	t.Run("not instrumented", func(t *testing.T) {
		setupTest(t, shellTarget("cat >/dev/null"))
		out, err := executeCommand("check", "--config", "/fuzzexec.yaml")
		assert.ErrorIs(t, err, errNotInstrumented)
		assert.Contains(t, out, "wrote no coverage")
	})

	t.Run("crashes", func(t *testing.T) {
		setupTest(t, shellTarget("kill -SEGV $$"))
		_, err := executeCommand("check", "--config", "/fuzzexec.yaml")
		assert.EqualError(t, err, "target failed on the empty input: crash signal=11")
	})
}

func TestInstrument_RequiresPackages(t *testing.T) {
	_, err := executeCommand("instrument")
	assert.EqualError(t, err, "requires at least 1 arg(s), only received 0")
}
