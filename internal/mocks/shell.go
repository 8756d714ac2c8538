package mocks

import (
	"context"

	"github.com/kairos-io/bbki/pkg/executor"
)

// FakeShell records recipe phase invocations instead of spawning a shell.
type FakeShell struct {
	Commands   []executor.PhaseCommand
	SideEffect func(c executor.PhaseCommand) (stdout, stderr string, err error)
}

func (s *FakeShell) RunPhase(_ context.Context, c executor.PhaseCommand) (string, string, error) {
	s.Commands = append(s.Commands, c)
	if s.SideEffect != nil {
		return s.SideEffect(c)
	}
	return "", "", nil
}

// Phases returns the phase names run so far, in order
func (s *FakeShell) Phases() []string {
	out := make([]string, 0, len(s.Commands))
	for _, c := range s.Commands {
		out = append(out, c.Phase)
	}
	return out
}

// EnvOf returns the value of key in the environment of the n-th invocation
func (s *FakeShell) EnvOf(n int, key string) (string, bool) {
	for _, kv := range s.Commands[n].Env {
		if len(kv) > len(key) && kv[:len(key)+1] == key+"=" {
			return kv[len(key)+1:], true
		}
	}
	return "", false
}
