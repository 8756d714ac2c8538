package utils

import (
	"context"

	"github.com/siderolabs/go-cmd/pkg/cmd"
)

// Runner spawns an external tool and waits for it, returning its stdout.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

// CmdRunner is the production Runner.
type CmdRunner struct{}

func (CmdRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	Log.Debug().Str("cmd", name).Strs("args", args).Msg("running")
	out, err := cmd.RunContext(ctx, name, args...)
	if err != nil {
		Log.Debug().Err(err).Str("cmd", name).Msg("command failed")
	}
	return out, err
}
