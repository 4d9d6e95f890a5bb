package tools

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/m4xw311/agentforge/errors"
)

// BashTool runs a shell command whose leading words match an allow-list
// entry. The check is token-wise: "pytest" admits "pytest -v" but not
// "pytestmalicious". Only the start of the command line is inspected.
type BashTool struct {
	allowed []string
	workDir string
	timeout time.Duration
}

func (t *BashTool) Name() string { return "bash" }
func (t *BashTool) Description() string {
	if len(t.allowed) == 0 {
		return "Executes a shell command. No commands are currently allowed. Args: command (string)."
	}
	return fmt.Sprintf("Executes a shell command. Args: command (string). Allowed commands: %s.",
		strings.Join(t.allowed, ", "))
}

func (t *BashTool) Execute(ctx context.Context, args map[string]any) Result {
	command, ok := stringArg(args, "command")
	if !ok || strings.TrimSpace(command) == "" {
		return Failure(errors.New("missing or invalid 'command' argument"))
	}
	if !isCommandAllowed(command, t.allowed) {
		return Failure(errors.Wrapf(errors.ErrCommandNotAllowed, "%q", command))
	}

	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = t.workDir
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second

	err := cmd.Run()
	if cmd.ProcessState == nil {
		return Failure(errors.Wrapf(err, "failed to start command"))
	}

	code := cmd.ProcessState.ExitCode()
	res := Result{
		Success:  code == 0,
		Output:   stdout.String(),
		Metadata: map[string]any{"exit_code": code},
	}
	if !res.Success {
		switch {
		case ctx.Err() != nil:
			res.Error = fmt.Sprintf("command interrupted: %v", ctx.Err())
		case stderr.Len() > 0:
			res.Error = stderr.String()
		default:
			res.Error = fmt.Sprintf("command exited with status %d", code)
		}
	}
	return res
}

// isCommandAllowed reports whether the command's leading words equal the
// words of some allow-list entry.
func isCommandAllowed(command string, allowed []string) bool {
	words := strings.Fields(command)
	if len(words) == 0 {
		return false
	}
	for _, entry := range allowed {
		want := strings.Fields(entry)
		if len(want) == 0 || len(want) > len(words) {
			continue
		}
		match := true
		for i, w := range want {
			if words[i] != w {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}
