package mocks

import (
	"context"
	"strings"
)

// FakeRunner records every invocation and answers through SideEffect.
type FakeRunner struct {
	Calls      [][]string
	SideEffect func(name string, args ...string) (string, error)
}

func (r *FakeRunner) Run(_ context.Context, name string, args ...string) (string, error) {
	r.Calls = append(r.Calls, append([]string{name}, args...))
	if r.SideEffect != nil {
		return r.SideEffect(name, args...)
	}
	return "", nil
}

// CmdsContain reports whether any recorded call starts with the given command line
func (r *FakeRunner) CmdsContain(cmdLine ...string) bool {
	want := strings.Join(cmdLine, " ")
	for _, c := range r.Calls {
		if strings.HasPrefix(strings.Join(c, " "), want) {
			return true
		}
	}
	return false
}

// ClearCmds drops the recorded calls
func (r *FakeRunner) ClearCmds() {
	r.Calls = [][]string{}
}
