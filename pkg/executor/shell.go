package executor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"

	"github.com/kairos-io/bbki/internal/utils"
)

// PhaseCommand is one recipe function invocation. All paths are host paths.
type PhaseCommand struct {
	Dir    string
	Env    []string
	Recipe string
	Phase  string
}

// Script sources the recipe and calls the phase function.
func (c PhaseCommand) Script() string {
	return fmt.Sprintf(`. "$1"; %s`, c.Phase)
}

// PhaseRunner executes recipe functions in a fresh shell.
type PhaseRunner interface {
	RunPhase(ctx context.Context, c PhaseCommand) (stdout, stderr string, err error)
}

// ShellRunner runs phases with `sh -e`. Stderr is kept for error reports and
// also streamed to the debug log.
type ShellRunner struct{}

func (ShellRunner) RunPhase(ctx context.Context, c PhaseCommand) (string, string, error) {
	cmd := exec.CommandContext(ctx, "sh", "-e", "-c", c.Script(), "sh", c.Recipe)
	cmd.Dir = c.Dir
	cmd.Env = c.Env

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = io.MultiWriter(&stderr, logWriter{phase: c.Phase})
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

type logWriter struct {
	phase string
}

func (w logWriter) Write(p []byte) (int, error) {
	utils.Log.Debug().Str("phase", w.phase).Msg(string(bytes.TrimRight(p, "\n")))
	return len(p), nil
}
