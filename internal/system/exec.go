package system

import (
	"context"
	"fmt"
	"os/exec"
)

// Runner executes a system command and returns its combined output.
// Everything in the update path that shells out goes through a Runner so
// tests can substitute scripted results.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return output, fmt.Errorf("%s %v: %s: %w", name, args, string(output), err)
	}
	return output, nil
}
