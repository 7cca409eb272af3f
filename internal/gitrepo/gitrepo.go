// Package gitrepo wraps git command invocation for a single workspace.
// Adapted from the teacher's internal/git/git.go, which managed several
// concerns' branches and worktrees inside one shared repository and so
// needed BranchExists/CreateBranch/CreateWorktree/CommitsBetween/Rebase to
// reconcile concurrent writers. agentgate gives every run its own
// workspace directory with its own .git, and a run's own git commands
// all come from the same orchestrator goroutine sequentially — there is
// no concurrent writer to reconcile, so that branch/worktree/rebase
// machinery is dropped rather than carried over unused. The
// retry-on-transient-lock backoff stays, shortened, as cheap insurance
// against a stray process (an editor, gc, antivirus) holding index.lock
// for a moment, not as a multi-writer contention policy. DiffStat
// (insertions/deletions) and ChangedFiles/FileHashesAt are new: the
// teacher committed agent output without measuring or per-file-hashing
// it.
package gitrepo

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

const (
	retryInitialDelay = 100 * time.Millisecond
	retryMaxAttempts  = 3
	retryMultiplier   = 2
)

var transientPatterns = []string{
	"index file open failed",
	"index.lock",
	"cannot lock ref",
}

func isTransient(errMsg string) bool {
	for _, p := range transientPatterns {
		if strings.Contains(errMsg, p) {
			return true
		}
	}
	return false
}

// Repo wraps git operations rooted at Dir.
type Repo struct {
	Dir string
}

// NewRepo returns a Repo rooted at dir.
func NewRepo(dir string) *Repo {
	return &Repo{Dir: dir}
}

// sleepFunc is replaced in tests to avoid real delays.
var sleepFunc = time.Sleep

func (r *Repo) run(args ...string) (string, error) {
	delay := retryInitialDelay
	for attempt := 0; attempt < retryMaxAttempts; attempt++ {
		cmd := exec.Command("git", args...)
		cmd.Dir = r.Dir
		out, err := cmd.CombinedOutput()
		if err == nil {
			return strings.TrimSpace(string(out)), nil
		}
		errMsg := strings.TrimSpace(string(out))
		if !isTransient(errMsg) || attempt == retryMaxAttempts-1 {
			return "", fmt.Errorf("git %s: %s: %w", strings.Join(args, " "), errMsg, err)
		}
		sleepFunc(delay)
		delay *= retryMultiplier
	}
	return "", nil
}

// Init initializes a new repository at Dir, idempotently (git init is
// itself idempotent on an existing repository).
func (r *Repo) Init() error {
	_, err := r.run("init")
	return err
}

// HeadCommit returns the commit hash at HEAD for branch.
func (r *Repo) HeadCommit(branch string) (string, error) {
	return r.run("rev-parse", branch)
}

// EnsureIdentity sets a fallback user.name/user.email in local config if
// neither is already resolvable, preventing "Author identity unknown"
// failures in sandboxes with no global git config.
func (r *Repo) EnsureIdentity() {
	if _, err := r.run("config", "user.name"); err != nil {
		_, _ = r.run("config", "user.name", "agentgate")
	}
	if _, err := r.run("config", "user.email"); err != nil {
		_, _ = r.run("config", "user.email", "agentgate@localhost")
	}
}

// HasChanges reports whether the worktree has uncommitted changes.
func (r *Repo) HasChanges() (bool, error) {
	out, err := r.run("status", "--porcelain")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) != "", nil
}

// StageAll stages all changes, including untracked files.
func (r *Repo) StageAll() error {
	_, err := r.run("add", "-A")
	return err
}

// Commit creates a commit with message, skipping hooks: agentgate commits
// after the agent process has already exited, so there is nothing left to
// fix a failing pre-commit hook.
func (r *Repo) Commit(message string) error {
	_, err := r.run("commit", "--no-verify", "-m", message)
	return err
}

// Diff returns the unified diff text between from and to.
func (r *Repo) Diff(from, to string) (string, error) {
	rangeSpec := to
	if from != "" && from != to {
		rangeSpec = from + ".." + to
	}
	return r.run("diff", rangeSpec)
}

// DiffStat returns (filesChanged, insertions, deletions) between from and
// to, parsed from `git diff --shortstat`'s summary line. Not present in
// the teacher, which never measured the size of agent-generated diffs.
func (r *Repo) DiffStat(from, to string) (filesChanged, insertions, deletions int, err error) {
	rangeSpec := to
	if from != "" && from != to {
		rangeSpec = from + ".." + to
	}
	out, err := r.run("diff", "--shortstat", rangeSpec)
	if err != nil {
		return 0, 0, 0, err
	}
	return parseShortstat(out)
}

// ChangedFiles lists paths that differ between from and to, per the same
// range-spec rules as DiffStat.
func (r *Repo) ChangedFiles(from, to string) ([]string, error) {
	rangeSpec := to
	if from != "" && from != to {
		rangeSpec = from + ".." + to
	}
	out, err := r.run("diff", "--name-only", rangeSpec)
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// FileHashesAt returns each of paths' git blob SHA as checked in at
// commit, keyed by path. Used to build per-file content fingerprints for
// similarity comparisons across iterations, without hashing file content
// ourselves — git already content-addresses every blob it stores.
func (r *Repo) FileHashesAt(commit string, paths []string) (map[string]string, error) {
	if len(paths) == 0 {
		return nil, nil
	}
	args := append([]string{"ls-tree", "-r", commit, "--"}, paths...)
	out, err := r.run(args...)
	if err != nil {
		return nil, err
	}
	hashes := make(map[string]string, len(paths))
	for _, line := range strings.Split(out, "\n") {
		if line == "" {
			continue
		}
		tab := strings.IndexByte(line, '\t')
		if tab < 0 {
			continue
		}
		fields := strings.Fields(line[:tab])
		if len(fields) < 3 {
			continue
		}
		hashes[line[tab+1:]] = fields[2]
	}
	return hashes, nil
}

// parseShortstat parses a line like:
//
//	" 3 files changed, 42 insertions(+), 7 deletions(-)"
func parseShortstat(line string) (filesChanged, insertions, deletions int, err error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return 0, 0, 0, nil
	}
	for _, part := range strings.Split(line, ",") {
		part = strings.TrimSpace(part)
		fields := strings.Fields(part)
		if len(fields) < 2 {
			continue
		}
		n, convErr := strconv.Atoi(fields[0])
		if convErr != nil {
			continue
		}
		switch {
		case strings.Contains(part, "file"):
			filesChanged = n
		case strings.Contains(part, "insertion"):
			insertions = n
		case strings.Contains(part, "deletion"):
			deletions = n
		}
	}
	return filesChanged, insertions, deletions, nil
}
