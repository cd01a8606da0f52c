package shell

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/cuemby/cephvol/pkg/log"
	"github.com/cuemby/cephvol/pkg/types"
)

// DefaultTimeout bounds external commands that got no explicit timeout.
// Mapping and formatting can legitimately take a while on a loaded
// cluster, so this is generous.
const DefaultTimeout = 2 * time.Minute

// Runner executes external commands. The single implementation shells
// out; tests substitute fakes.
type Runner interface {
	// Run executes the command and returns its combined output, trimmed
	Run(ctx context.Context, name string, args ...string) (string, error)

	// RunInput is Run with data fed to the command's stdin
	RunInput(ctx context.Context, stdin string, name string, args ...string) (string, error)
}

// CommandError reports a failed external command together with its
// exit code and combined output, so callers can branch on tool exit
// codes (rbd unmap's EBUSY, cryptsetup's bad-passphrase) without
// string matching.
type CommandError struct {
	Cmd    string
	Output string
	Code   int // process exit code, or -1 if the process never exited
	Err    error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s failed: %v (output: %s)", e.Cmd, e.Err, e.Output)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// ExitCode extracts the process exit code from a Run error, or -1 if
// the error did not come from a process exit.
func ExitCode(err error) int {
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr.Code
	}
	return -1
}

// ExecRunner runs commands on the host with a per-command timeout
type ExecRunner struct {
	Timeout time.Duration
}

// NewExecRunner creates a runner with the given per-command timeout
func NewExecRunner(timeout time.Duration) *ExecRunner {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &ExecRunner{Timeout: timeout}
}

// Run executes the command and returns its combined output
func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	return r.RunInput(ctx, "", name, args...)
}

// RunInput executes the command feeding stdin, and returns its combined output
func (r *ExecRunner) RunInput(ctx context.Context, stdin string, name string, args ...string) (string, error) {
	logger := log.WithComponent("shell")

	ctx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, name, args...)
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}

	start := time.Now()
	output, err := cmd.CombinedOutput()
	out := strings.TrimSpace(string(output))

	logger.Debug().
		Str("cmd", name).
		Strs("args", args).
		Dur("took", time.Since(start)).
		Err(err).
		Msg("external command finished")

	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return out, fmt.Errorf("%s timed out after %s: %w", name, r.Timeout, types.ErrGatewayTimeout)
		}
		code := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
		return out, &CommandError{Cmd: name, Output: out, Code: code, Err: err}
	}
	return out, nil
}
