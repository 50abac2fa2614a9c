package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"
)

// Invocation is a validated command ready to run inside a sandbox.
type Invocation struct {
	SandboxID string
	Script    string
	Workspace string
	TempDir   string
	Env       []string
	Timeout   time.Duration
	Network   bool
	Limits    ResourceLimits
}

// Outcome is what a Runner observed. A non-zero ExitCode is not an error at
// this level.
type Outcome struct {
	Stdout   string
	Stderr   string
	ExitCode int
	TimedOut bool
	Duration time.Duration
	MaxRSSKB int64
}

// Runner executes an Invocation. Errors are reserved for failures to run at
// all; a command that ran and failed is reported through the Outcome.
type Runner interface {
	Run(ctx context.Context, inv Invocation) (*Outcome, error)
}

// ExecRunner runs scripts as local subprocesses via sh -c.
type ExecRunner struct {
	Shell string
}

func (r ExecRunner) Run(ctx context.Context, inv Invocation) (*Outcome, error) {
	shell := r.Shell
	if shell == "" {
		shell = "sh"
	}

	ctx, cancel := context.WithTimeout(ctx, inv.Timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, shell, "-c", inv.Script)
	cmd.Dir = inv.Workspace
	cmd.Env = inv.Env
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// Background children may keep the pipes open after the shell is killed.
	cmd.WaitDelay = time.Second

	start := time.Now()
	err := cmd.Run()
	out := &Outcome{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	if cmd.ProcessState != nil {
		out.ExitCode = cmd.ProcessState.ExitCode()
		out.MaxRSSKB = maxRSS(cmd.ProcessState)
	}

	switch ctx.Err() {
	case context.DeadlineExceeded:
		out.TimedOut = true
		out.ExitCode = -1
		return out, nil
	case context.Canceled:
		return out, ctx.Err()
	}

	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return out, fmt.Errorf("run %s: %w", shell, err)
	}
	return out, nil
}

// execEnv is the allow-listed environment for sandboxed commands.
func execEnv(workspace, tempDir string) []string {
	path := os.Getenv("PATH")
	if path == "" {
		path = "/usr/local/bin:/usr/bin:/bin"
	}
	lang := os.Getenv("LANG")
	if lang == "" {
		lang = "C.UTF-8"
	}
	return []string{
		"PATH=" + path,
		"HOME=" + workspace,
		"TMPDIR=" + tempDir,
		"LANG=" + lang,
	}
}
