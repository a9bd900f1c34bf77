// Command fuzzexec runs inputs against an instrumented target and reports how
// each execution ended.
package main

func main() {
	Execute()
}
