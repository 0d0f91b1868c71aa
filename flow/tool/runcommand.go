package tool

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"time"

	"github.com/theuselessai/pipelit/flow"
)

// defaultCommandTimeout bounds shell commands that specify no timeout.
const defaultCommandTimeout = 60 * time.Second

// RunCommand executes a shell command in a subprocess. The environment is
// restricted to a minimal PATH. The workflow author opts into this tool by
// wiring it to an agent; the blocklist guards against untrusted model
// output, not against the author.
type RunCommand struct {
	Timeout time.Duration
	WorkDir string
}

// commandBlocklist rejects command strings that reach for destructive or
// exfiltration-prone operations regardless of what the model was asked.
var commandBlocklist = []string{
	"rm -rf /",
	"mkfs",
	"dd if=",
	":(){",
	"shutdown",
	"reboot",
	"> /dev/sd",
}

// NewRunCommand creates the command tool with the default timeout.
func NewRunCommand() *RunCommand {
	return &RunCommand{Timeout: defaultCommandTimeout}
}

func (r *RunCommand) Name() string { return "run_command" }

func (r *RunCommand) Description() string {
	return "Runs a shell command and returns stdout, stderr, and the exit code."
}

func (r *RunCommand) Schema() map[string]any {
	return objectSchema(map[string]any{
		"command": map[string]any{"type": "string", "description": "The shell command to run."},
		"timeout_seconds": map[string]any{
			"type":        "integer",
			"description": "Maximum runtime in seconds.",
		},
	}, "command")
}

// Call runs the command under sh -c with a deadline.
func (r *RunCommand) Call(ctx context.Context, input map[string]any) (map[string]any, error) {
	command := stringInput(input, "command")
	if command == "" {
		return nil, flow.Errf(flow.CodeValidation, "command parameter required (string)")
	}
	for _, banned := range commandBlocklist {
		if strings.Contains(command, banned) {
			return nil, flow.Errf(flow.CodeSecurityViolation, "command contains forbidden pattern %q", banned)
		}
	}

	timeout := r.Timeout
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}
	if secs, ok := input["timeout_seconds"].(float64); ok && secs > 0 {
		timeout = time.Duration(secs * float64(time.Second))
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = r.WorkDir
	cmd.Env = []string{"PATH=/usr/bin:/bin", "HOME=/tmp", "LANG=C"}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return nil, flow.Errf(flow.CodeSubprocessTimeout, "command exceeded %s", timeout)
	}

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, flow.Wrap(flow.CodeUnrecoverable, "failed to start command", err)
		}
	}

	return map[string]any{
		"stdout":    stdout.String(),
		"stderr":    stderr.String(),
		"exit_code": exitCode,
	}, nil
}
