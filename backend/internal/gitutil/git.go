// Package gitutil inspects project checkouts with the git CLI.
package gitutil

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// ErrNotRepo is returned when a directory is not inside a git work tree.
var ErrNotRepo = errors.New("not a git work tree")

// FileStat describes changes to a single file.
type FileStat struct {
	Path    string
	Added   int
	Deleted int
	Binary  bool
}

// Diff is the working tree compared to HEAD.
type Diff struct {
	Patch string
	Stat  []FileStat
}

// IsRepo returns nil when dir is inside a git work tree.
func IsRepo(ctx context.Context, dir string) error {
	out, err := run(ctx, dir, "rev-parse", "--is-inside-work-tree")
	if err != nil || strings.TrimSpace(out) != "true" {
		return fmt.Errorf("%s: %w", dir, ErrNotRepo)
	}
	return nil
}

// CurrentBranch returns the current git branch name.
func CurrentBranch(ctx context.Context, dir string) (string, error) {
	out, err := run(ctx, dir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// WorkingTreeDiff returns the uncommitted changes of dir, staged or not.
// Untracked files are not included. A repository without any commit is
// diffed against the empty tree.
func WorkingTreeDiff(ctx context.Context, dir string) (*Diff, error) {
	base := "HEAD"
	if _, err := run(ctx, dir, "rev-parse", "--verify", "--quiet", "HEAD"); err != nil {
		// git hash-object -t tree /dev/null
		base = "4b825dc642cb6eb9a060e54bf8d69288fbee4904"
	}
	patch, err := run(ctx, dir, "diff", "--no-color", "--no-ext-diff", base, "--")
	if err != nil {
		return nil, err
	}
	numstat, err := run(ctx, dir, "diff", "--numstat", base, "--")
	if err != nil {
		return nil, err
	}
	return &Diff{Patch: patch, Stat: ParseNumstat(numstat)}, nil
}

// ParseNumstat parses the output of git diff --numstat. Malformed lines are
// skipped.
func ParseNumstat(out string) []FileStat {
	var stats []FileStat
	for line := range strings.SplitSeq(out, "\n") {
		parts := strings.SplitN(line, "\t", 3)
		if len(parts) != 3 || parts[2] == "" {
			continue
		}
		fs := FileStat{Path: parts[2]}
		if parts[0] == "-" && parts[1] == "-" {
			fs.Binary = true
		} else {
			var err1, err2 error
			fs.Added, err1 = strconv.Atoi(parts[0])
			fs.Deleted, err2 = strconv.Atoi(parts[1])
			if err1 != nil || err2 != nil {
				continue
			}
		}
		stats = append(stats, fs)
	}
	return stats
}

func run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}
