package tools

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/goyais/worker/internal/guard"
)

const (
	runCommandTimeout  = 120 * time.Second
	runCommandOutLimit = 50000
)

// RunCommand implements the run_command built-in. The command is
// tokenized into an argv and executed directly, never through a shell —
// the CommandGuard does the tokenizing and allowlisting, this just runs
// it.
func RunCommand(ctx context.Context, cg *guard.CommandGuard, workDir string, args map[string]any) *Result {
	command, _ := args["command"].(string)
	if command == "" {
		return ErrorResult("run_command: command is required")
	}

	argv, err := cg.Tokenize(command)
	if err != nil {
		return ErrorResult(fmt.Sprintf("run_command: %v", err))
	}

	runCtx, cancel := context.WithTimeout(ctx, runCommandTimeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = workDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	exitCode := 0
	if runCtx.Err() == context.DeadlineExceeded {
		return ErrorResult(fmt.Sprintf("run_command: timed out after %s", runCommandTimeout))
	}
	if exitErr, ok := runErr.(*exec.ExitError); ok {
		exitCode = exitErr.ExitCode()
	} else if runErr != nil {
		return ErrorResult(fmt.Sprintf("run_command: %v", runErr))
	}

	out := stdout.String()
	if stderr.Len() > 0 {
		out += "\nSTDERR:\n" + stderr.String()
	}
	if len(out) > runCommandOutLimit {
		out = out[:runCommandOutLimit]
	}

	return NewResult(fmt.Sprintf("exit_code: %d\n\n%s", exitCode, out))
}
