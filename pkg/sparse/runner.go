package sparse

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// CommandRunner executes an external command in a working directory and
// returns its stdout. Injectable so tests can stub the git/git-annex calls.
type CommandRunner interface {
	Run(ctx context.Context, dir, name string, args ...string) ([]byte, error)
}

// execRunner runs commands with os/exec
type execRunner struct{}

// NewExecRunner returns the default os/exec-backed command runner
func NewExecRunner() CommandRunner {
	return &execRunner{}
}

// Run executes the command, returning stdout. Stderr is folded into the
// error on failure.
func (*execRunner) Run(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	var stderr strings.Builder
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, msg)
		}
		return nil, fmt.Errorf("%s %s: %w", name, strings.Join(args, " "), err)
	}
	return out, nil
}

// LatestTag returns the most recent tag of a repository, preferring
// `git describe` and falling back to a version-sorted tag list. Returns
// empty when the repository has no tags.
func LatestTag(ctx context.Context, runner CommandRunner, dir string) string {
	out, err := runner.Run(ctx, dir, "git", "describe", "--tags", "--abbrev=0")
	if err == nil {
		if tag := strings.TrimSpace(string(out)); tag != "" {
			return tag
		}
	}

	out, err = runner.Run(ctx, dir, "git", "tag", "--list", "--sort=-version:refname")
	if err != nil {
		return ""
	}
	tags := strings.Split(strings.TrimSpace(string(out)), "\n")
	if len(tags) > 0 {
		return strings.TrimSpace(tags[0])
	}
	return ""
}
