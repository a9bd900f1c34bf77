package fuzzdep

import (
	"fmt"
	"os"
	"sort"
)

// EnvFunc selects which registered function MainFuncs fuzzes.
const EnvFunc = "FUZZEXEC_FUNC"

// FuzzFunctions is populated by instrumented targets, usually from an init
// function generated during build.
var FuzzFunctions = map[string]func([]byte) int{}

// SelectFunc picks the function called name, or the first in lexical order
// when name is empty.
func SelectFunc(funcs map[string]func([]byte) int, name string) (func([]byte) int, string, error) {
	if len(funcs) == 0 {
		return nil, "", fmt.Errorf("no functions available to fuzz")
	}
	if name == "" {
		var names []string
		for n := range funcs {
			names = append(names, n)
		}
		sort.Strings(names)
		name = names[0]
	}
	fn, ok := funcs[name]
	if !ok {
		return nil, "", fmt.Errorf("function %s not available to fuzz", name)
	}
	return fn, name, nil
}

// MainFuncs is Main over the function in FuzzFunctions named by EnvFunc.
func MainFuncs() {
	fn, _, err := SelectFunc(FuzzFunctions, os.Getenv(EnvFunc))
	if err != nil {
		fmt.Fprintf(os.Stderr, "fuzzdep: %v\n", err)
		os.Exit(ExitBridgeFailure)
	}
	Main(fn)
}
