// Package workspace holds the durable-workspace helpers: git checkpoints,
// guarded reverts, and a bounded undo history. The sandbox owns scratch
// state; this package only ever touches the workspace a run commits into.
package workspace

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// defaultIgnorePatterns applies when the workspace carries no .choirignore.
var defaultIgnorePatterns = []string{
	"*.log",
	"*.tmp",
	"node_modules/",
	"dist/",
	"build/",
	".env*",
	"*.sqlite-journal",
	"__pycache__/",
	".choir/",
}

// Status is the parsed porcelain summary of the work tree.
type Status struct {
	Modified  []string `json:"modified"`
	Added     []string `json:"added"`
	Deleted   []string `json:"deleted"`
	Untracked []string `json:"untracked"`
	Ignored   []string `json:"ignored,omitempty"`
	Clean     bool     `json:"clean"`
}

func (s Status) changed() []string {
	out := make([]string, 0, len(s.Modified)+len(s.Added)+len(s.Deleted)+len(s.Untracked))
	out = append(out, s.Modified...)
	out = append(out, s.Added...)
	out = append(out, s.Deleted...)
	out = append(out, s.Untracked...)
	return out
}

// CheckpointResult describes one checkpoint attempt.
type CheckpointResult struct {
	SHA     string `json:"commit_sha"`
	Message string `json:"message"`
	Clean   bool   `json:"clean"` // nothing to commit after filtering
	Status  Status `json:"status"`
}

// RevertResult describes one guarded revert.
type RevertResult struct {
	RevertedTo   string `json:"reverted_to,omitempty"`
	BackupBranch string `json:"backup_branch"`
	DryRun       bool   `json:"dry_run,omitempty"`
	Preview      string `json:"preview,omitempty"`
}

// Commit is one log entry.
type Commit struct {
	SHA     string `json:"sha"`
	Message string `json:"message"`
	Date    string `json:"date"`
	Author  string `json:"author"`
}

// Git drives one workspace repository through the git binary.
type Git struct {
	root  string
	clock func() time.Time
}

// NewGit binds a workspace root. The directory must already be a git
// repository; this package never runs init.
func NewGit(root string) *Git {
	return &Git{root: root, clock: time.Now}
}

// Root is the workspace root directory.
func (g *Git) Root() string { return g.root }

func (g *Git) run(ctx context.Context, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = g.root
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

// HeadSHA returns the current HEAD commit, empty on an unborn branch.
func (g *Git) HeadSHA(ctx context.Context) string {
	out, _, err := g.run(ctx, "rev-parse", "HEAD")
	if err != nil {
		return ""
	}
	return strings.TrimSpace(out)
}

// RawStatus parses `git status --porcelain` without ignore filtering.
func (g *Git) RawStatus(ctx context.Context) (Status, error) {
	out, stderr, err := g.run(ctx, "status", "--porcelain")
	if err != nil {
		return Status{}, fmt.Errorf("workspace: git status: %s: %w", strings.TrimSpace(stderr), err)
	}
	var s Status
	lines := 0
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 4 {
			continue
		}
		lines++
		code, file := line[:2], line[3:]
		switch {
		case code[0] == 'M' || code[1] == 'M':
			s.Modified = append(s.Modified, file)
		case code[0] == 'A':
			s.Added = append(s.Added, file)
		case code[0] == 'D' || code[1] == 'D':
			s.Deleted = append(s.Deleted, file)
		case code[0] == '?':
			s.Untracked = append(s.Untracked, file)
		}
	}
	s.Clean = lines == 0
	return s, nil
}

// Status returns the work-tree status with .choirignore filtering applied.
// Ignored paths move to the Ignored list and do not count against Clean.
func (g *Git) Status(ctx context.Context) (Status, error) {
	raw, err := g.RawStatus(ctx)
	if err != nil {
		return Status{}, err
	}
	patterns := g.ignorePatterns()

	filtered := Status{}
	ignored := make(map[string]bool)
	split := func(in []string, out *[]string) {
		for _, p := range in {
			if ignoredPath(p, patterns) {
				ignored[p] = true
			} else {
				*out = append(*out, p)
			}
		}
	}
	split(raw.Modified, &filtered.Modified)
	split(raw.Added, &filtered.Added)
	split(raw.Deleted, &filtered.Deleted)
	split(raw.Untracked, &filtered.Untracked)

	for p := range ignored {
		filtered.Ignored = append(filtered.Ignored, p)
	}
	sort.Strings(filtered.Ignored)
	filtered.Clean = len(filtered.changed()) == 0
	return filtered, nil
}

// ignorePatterns loads .choirignore, falling back to the defaults when the
// file is missing or empty.
func (g *Git) ignorePatterns() []string {
	data, err := os.ReadFile(filepath.Join(g.root, ".choirignore"))
	if err != nil {
		return defaultIgnorePatterns
	}
	var patterns []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		patterns = append(patterns, line)
	}
	if len(patterns) == 0 {
		return defaultIgnorePatterns
	}
	return patterns
}

// ignoredPath applies one pattern list: a trailing "/" means directory
// prefix, anything else is a glob.
func ignoredPath(p string, patterns []string) bool {
	n := strings.ReplaceAll(p, "\\", "/")
	for _, pattern := range patterns {
		if strings.HasSuffix(pattern, "/") {
			if strings.HasPrefix(n, pattern) || strings.HasPrefix(n, strings.TrimSuffix(pattern, "/")) {
				return true
			}
		}
		if ok, _ := path.Match(pattern, n); ok {
			return true
		}
	}
	return false
}

// Checkpoint stages every non-ignored change and commits it. A clean tree is
// not an error; the result carries the current HEAD and Clean=true.
func (g *Git) Checkpoint(ctx context.Context, message string) (CheckpointResult, error) {
	status, err := g.Status(ctx)
	if err != nil {
		return CheckpointResult{}, err
	}
	if message == "" {
		message = "checkpoint: " + g.clock().UTC().Format("20060102-150405")
	}
	if status.Clean {
		return CheckpointResult{SHA: g.HeadSHA(ctx), Message: message, Clean: true, Status: status}, nil
	}

	args := append([]string{"add", "-A", "--"}, status.changed()...)
	if _, stderr, err := g.run(ctx, args...); err != nil {
		return CheckpointResult{}, fmt.Errorf("workspace: git add: %s: %w", strings.TrimSpace(stderr), err)
	}
	if _, stderr, err := g.run(ctx, "commit", "-m", message); err != nil {
		return CheckpointResult{}, fmt.Errorf("workspace: git commit: %s: %w", strings.TrimSpace(stderr), err)
	}
	sha := g.HeadSHA(ctx)
	if sha == "" {
		return CheckpointResult{}, fmt.Errorf("workspace: no HEAD after commit")
	}
	return CheckpointResult{SHA: sha, Message: message, Status: status}, nil
}

// Reachable reports whether sha names a commit reachable from HEAD.
func (g *Git) Reachable(ctx context.Context, sha string) bool {
	if len(sha) < 7 {
		return false
	}
	if _, _, err := g.run(ctx, "cat-file", "-e", sha+"^{commit}"); err != nil {
		return false
	}
	_, _, err := g.run(ctx, "merge-base", "--is-ancestor", sha, "HEAD")
	return err == nil
}

// DiffPreview summarizes the changes between sha and HEAD.
func (g *Git) DiffPreview(ctx context.Context, sha string) string {
	out, stderr, err := g.run(ctx, "diff", "--stat", sha+"..HEAD")
	if err != nil {
		return stderr
	}
	return out
}

// Revert resets the workspace to a reachable commit. A backup branch is
// created first so nothing is lost; dryRun stops after the preview.
func (g *Git) Revert(ctx context.Context, sha string, dryRun bool) (RevertResult, error) {
	if !g.Reachable(ctx, sha) {
		return RevertResult{}, fmt.Errorf("workspace: commit %s is not reachable from HEAD", sha)
	}
	backup := fmt.Sprintf("backup-before-revert-%d", g.clock().Unix())
	if _, stderr, err := g.run(ctx, "branch", backup); err != nil {
		return RevertResult{}, fmt.Errorf("workspace: backup branch: %s: %w", strings.TrimSpace(stderr), err)
	}
	preview := g.DiffPreview(ctx, sha)
	if dryRun {
		return RevertResult{BackupBranch: backup, DryRun: true, Preview: preview}, nil
	}
	if _, stderr, err := g.run(ctx, "reset", "--hard", sha); err != nil {
		return RevertResult{BackupBranch: backup}, fmt.Errorf("workspace: git reset: %s: %w", strings.TrimSpace(stderr), err)
	}
	return RevertResult{RevertedTo: sha, BackupBranch: backup, Preview: preview}, nil
}

// Log returns the n most recent commits.
func (g *Git) Log(ctx context.Context, n int) ([]Commit, error) {
	if n <= 0 {
		n = 10
	}
	out, stderr, err := g.run(ctx, "log", fmt.Sprintf("-%d", n), "--pretty=format:%H|%s|%aI|%an")
	if err != nil {
		return nil, fmt.Errorf("workspace: git log: %s: %w", strings.TrimSpace(stderr), err)
	}
	var commits []Commit
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		parts := strings.SplitN(line, "|", 4)
		if len(parts) < 4 {
			continue
		}
		commits = append(commits, Commit{SHA: parts[0], Message: parts[1], Date: parts[2], Author: parts[3]})
	}
	return commits, nil
}
