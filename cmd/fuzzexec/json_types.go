package main

import (
	"time"

	"github.com/bradleyjkemp/fuzzexec/fault"
)

// resultForJSON is one line of `run --json` output.
type resultForJSON struct {
	File     string        `json:"file"`
	Kind     string        `json:"kind"`
	Signal   int           `json:"signal,omitempty"`
	ExitCode int           `json:"exit_code,omitempty"`
	Site     string        `json:"site,omitempty"`
	Timeout  time.Duration `json:"timeout_ns,omitempty"`
	Error    string        `json:"error,omitempty"`
	Output   string        `json:"output,omitempty"`
}

func newResultForJSON(file string, f fault.Fault) resultForJSON {
	res := resultForJSON{File: file, Kind: f.Kind().String()}
	switch v := f.(type) {
	case fault.Crash:
		res.Signal = v.Signal
		res.ExitCode = v.ExitCode
		res.Site = v.Site
		res.Output = string(v.Output)
	case fault.Hang:
		res.Timeout = v.Deadline
		res.Site = v.Site
		res.Output = string(v.Output)
	case fault.Error:
		if v.Err != nil {
			res.Error = v.Err.Error()
		}
	}
	return res
}
