// Package gitcli is a thin wrapper around the git command line. Every
// invocation pins a working directory; stdout is trimmed.
package gitcli

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Result holds the output of one git invocation.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner executes git commands. The default implementation shells out;
// tests substitute fakes.
type Runner interface {
	Run(ctx context.Context, dir string, args ...string) (*Result, error)
}

// CLIRunner implements Runner using os/exec.
type CLIRunner struct{}

// NewRunner returns the default CLI-backed runner.
func NewRunner() *CLIRunner {
	return &CLIRunner{}
}

// Run executes `git <args>` in dir. On a non-zero exit the returned
// error wraps the command's stderr so callers can surface it.
func (r *CLIRunner) Run(ctx context.Context, dir string, args ...string) (*Result, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}

	stdout, err := cmd.Output()
	result := &Result{Stdout: strings.TrimSpace(string(stdout))}

	if exitErr, ok := err.(*exec.ExitError); ok {
		result.Stderr = strings.TrimSpace(string(exitErr.Stderr))
		result.ExitCode = exitErr.ExitCode()
		return result, fmt.Errorf("git %s: %s", strings.Join(args, " "), result.Stderr)
	}
	if err != nil {
		return result, fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}
	return result, nil
}

// CurrentBranch returns the checked-out branch of the repository at dir.
func CurrentBranch(ctx context.Context, runner Runner, dir string) (string, error) {
	result, err := runner.Run(ctx, dir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	return result.Stdout, nil
}

// RecentCommits returns the last n commit subjects, newest first.
func RecentCommits(ctx context.Context, runner Runner, dir string, n int) ([]string, error) {
	result, err := runner.Run(ctx, dir, "log", fmt.Sprintf("-%d", n), "--pretty=format:%s")
	if err != nil {
		return nil, err
	}
	if result.Stdout == "" {
		return nil, nil
	}
	return strings.Split(result.Stdout, "\n"), nil
}
