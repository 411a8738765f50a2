// Package workspace owns the single working tree a worker process operates
// against: one clone, one branch at a time, no worktree pool. Unlike a
// multi-unit build system juggling concurrent checkouts, this pool runs one
// OS process per worker, so one Manager ever touches one directory.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
)

// ErrConflict is returned by Rebase when the rebase stops on a conflicted
// commit and needs repair before it can continue.
var ErrConflict = errors.New("workspace: rebase produced conflicts")

// TokenSource supplies the bearer token embedded into clone/push URLs.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Manager is bound to one fixed directory containing a clone of owner/repo.
type Manager struct {
	dir    string
	owner  string
	repo   string
	base   string // base branch, e.g. "main"
	tokens TokenSource
	runner Runner
}

// Config configures a Manager.
type Config struct {
	Dir         string
	Owner       string
	Repo        string
	BaseBranch  string
}

// New builds a Manager bound to cfg.Dir.
func New(cfg Config, tokens TokenSource) *Manager {
	return NewWithRunner(cfg, tokens, osRunner{})
}

// NewWithRunner builds a Manager with an explicit Runner, letting callers
// outside this package (maintenance's tests, mainly) substitute a fake
// without shelling out to a real git binary.
func NewWithRunner(cfg Config, tokens TokenSource, runner Runner) *Manager {
	return &Manager{
		dir:    cfg.Dir,
		owner:  cfg.Owner,
		repo:   cfg.Repo,
		base:   cfg.BaseBranch,
		tokens: tokens,
		runner: runner,
	}
}

// Dir returns the working tree's root directory, for callers (e.g. the
// maintenance engine's known-failure remedies) that need to run a
// non-git command against it.
func (m *Manager) Dir() string {
	return m.dir
}

func (m *Manager) authenticatedURL(ctx context.Context) (string, error) {
	token, err := m.tokens.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("obtaining token for remote url: %w", err)
	}
	return fmt.Sprintf("https://x-access-token:%s@github.com/%s/%s.git",
		url.QueryEscape(token), m.owner, m.repo), nil
}

// EnsureCloned clones the repo into dir if it doesn't already contain one,
// otherwise fetches the latest base branch. Idempotent across worker
// restarts.
func (m *Manager) EnsureCloned(ctx context.Context) error {
	if _, err := os.Stat(m.dir + "/.git"); err == nil {
		remote, err := m.authenticatedURL(ctx)
		if err != nil {
			return err
		}
		if _, err := m.runner.Exec(ctx, m.dir, "remote", "set-url", "origin", remote); err != nil {
			return fmt.Errorf("updating remote url: %w", err)
		}
		if _, err := m.runner.Exec(ctx, m.dir, "fetch", "origin", m.base); err != nil {
			return fmt.Errorf("fetching %s: %w", m.base, err)
		}
		return nil
	}

	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return fmt.Errorf("creating workspace dir: %w", err)
	}
	remote, err := m.authenticatedURL(ctx)
	if err != nil {
		return err
	}
	if _, err := m.runner.Exec(ctx, ".", "clone", "--branch", m.base, remote, m.dir); err != nil {
		return fmt.Errorf("cloning %s/%s: %w", m.owner, m.repo, err)
	}
	return nil
}

// ScopedClean discards any uncommitted local changes and returns the tree
// to the tip of the base branch. Called at the top of every scheduler
// iteration so one item's leftovers never bleed into the next.
func (m *Manager) ScopedClean(ctx context.Context) error {
	if _, err := m.runner.Exec(ctx, m.dir, "checkout", m.base); err != nil {
		return fmt.Errorf("checking out %s: %w", m.base, err)
	}
	if _, err := m.runner.Exec(ctx, m.dir, "reset", "--hard", "origin/"+m.base); err != nil {
		return fmt.Errorf("resetting to origin/%s: %w", m.base, err)
	}
	if _, err := m.runner.Exec(ctx, m.dir, "clean", "-fdx"); err != nil {
		return fmt.Errorf("cleaning working tree: %w", err)
	}
	return nil
}

// SelectOrCreateBranch checks out branchName, creating it from the base
// branch if it does not already exist locally or on origin. preExisted
// tells the caller whether work on this branch is a resume of a prior
// attempt rather than a fresh start.
func (m *Manager) SelectOrCreateBranch(ctx context.Context, branchName string) (preExisted bool, err error) {
	exists, err := m.branchExists(ctx, branchName)
	if err != nil {
		return false, err
	}

	if exists {
		if _, err := m.runner.Exec(ctx, m.dir, "fetch", "origin", branchName); err == nil {
			if _, err := m.runner.Exec(ctx, m.dir, "checkout", "-B", branchName, "origin/"+branchName); err != nil {
				return false, fmt.Errorf("checking out existing branch %s: %w", branchName, err)
			}
		} else if _, err := m.runner.Exec(ctx, m.dir, "checkout", branchName); err != nil {
			return false, fmt.Errorf("checking out local branch %s: %w", branchName, err)
		}
		return true, nil
	}

	if _, err := m.runner.Exec(ctx, m.dir, "checkout", "-b", branchName, m.base); err != nil {
		return false, fmt.Errorf("creating branch %s: %w", branchName, err)
	}
	return false, nil
}

func (m *Manager) branchExists(ctx context.Context, branch string) (bool, error) {
	if _, err := m.runner.Exec(ctx, m.dir, "rev-parse", "--verify", branch); err == nil {
		return true, nil
	}
	_, err := m.runner.Exec(ctx, m.dir, "rev-parse", "--verify", "origin/"+branch)
	return err == nil, nil
}

// CommitAll stages every change in the working tree and commits it,
// allowing an empty commit so a no-op subprocess invocation still produces
// a publishable change-set (the caller decides whether an empty commit is
// meaningful).
func (m *Manager) CommitAll(ctx context.Context, message string) error {
	if _, err := m.runner.Exec(ctx, m.dir, "add", "-A"); err != nil {
		return fmt.Errorf("staging changes: %w", err)
	}
	if _, err := m.runner.Exec(ctx, m.dir, "commit", "--allow-empty", "-m", message); err != nil {
		return fmt.Errorf("committing: %w", err)
	}
	return nil
}

// HasChanges reports whether the working tree has any staged, unstaged, or
// untracked change relative to HEAD.
func (m *Manager) HasChanges(ctx context.Context) (bool, error) {
	out, err := m.runner.Exec(ctx, m.dir, "status", "--porcelain")
	if err != nil {
		return false, fmt.Errorf("checking status: %w", err)
	}
	return strings.TrimSpace(out) != "", nil
}

// Push pushes branchName to origin, optionally with --force-with-lease
// (used after a rebase rewrites history the remote already has).
func (m *Manager) Push(ctx context.Context, branchName string, forceWithLease bool) error {
	args := []string{"push", "-u", "origin", branchName}
	if forceWithLease {
		args = []string{"push", "--force-with-lease", "-u", "origin", branchName}
	}
	if _, err := m.runner.Exec(ctx, m.dir, args...); err != nil {
		return fmt.Errorf("pushing %s: %w", branchName, err)
	}
	return nil
}

// CommitsAheadOfBase counts commits on HEAD not reachable from the base
// branch, letting the caller distinguish "subprocess touched files but
// never committed beyond base" from a genuine new change-set.
func (m *Manager) CommitsAheadOfBase(ctx context.Context) (int, error) {
	out, err := m.runner.Exec(ctx, m.dir, "rev-list", "--count", "origin/"+m.base+"..HEAD")
	if err != nil {
		return 0, fmt.Errorf("counting commits ahead of %s: %w", m.base, err)
	}
	out = strings.TrimSpace(out)
	var n int
	if _, err := fmt.Sscanf(out, "%d", &n); err != nil {
		return 0, fmt.Errorf("parsing rev-list count %q: %w", out, err)
	}
	return n, nil
}

// HeadSHA returns the commit SHA currently checked out.
func (m *Manager) HeadSHA(ctx context.Context) (string, error) {
	out, err := m.runner.Exec(ctx, m.dir, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("resolving HEAD: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// Rebase rebases the currently checked out branch onto the base branch.
// Returns ErrConflict (wrapped) if the rebase stops on a conflict; the
// rebase is left in progress so the maintenance engine's conflict repair
// can resolve it and continue.
func (m *Manager) Rebase(ctx context.Context) error {
	if _, err := m.runner.Exec(ctx, m.dir, "fetch", "origin", m.base); err != nil {
		return fmt.Errorf("fetching %s: %w", m.base, err)
	}
	if _, err := m.runner.Exec(ctx, m.dir, "rebase", "origin/"+m.base); err != nil {
		if m.isRebaseInProgress(ctx) {
			return fmt.Errorf("%w: %v", ErrConflict, err)
		}
		return fmt.Errorf("rebasing onto %s: %w", m.base, err)
	}
	return nil
}

func (m *Manager) isRebaseInProgress(ctx context.Context) bool {
	_, err := m.runner.Exec(ctx, m.dir, "rev-parse", "--verify", "REBASE_HEAD")
	return err == nil
}

// ConflictedPaths lists the paths currently marked unmerged.
func (m *Manager) ConflictedPaths(ctx context.Context) ([]string, error) {
	out, err := m.runner.Exec(ctx, m.dir, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, fmt.Errorf("listing conflicted paths: %w", err)
	}
	var paths []string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			paths = append(paths, line)
		}
	}
	return paths, nil
}

// ResolveConflictsPreferOurs resolves every conflicted path by keeping the
// change-set's own side (the mechanical resolution strategy; no generative
// tool is invoked for this step) and continues the in-progress rebase.
// During a rebase git swaps the two sides: --theirs names the commits being
// replayed (the change-set's), --ours the base branch being rebased onto.
func (m *Manager) ResolveConflictsPreferOurs(ctx context.Context, paths []string) error {
	for _, p := range paths {
		if _, err := m.runner.Exec(ctx, m.dir, "checkout", "--theirs", "--", p); err != nil {
			return fmt.Errorf("resolving %s with the change-set's side: %w", p, err)
		}
		if _, err := m.runner.Exec(ctx, m.dir, "add", "--", p); err != nil {
			return fmt.Errorf("staging resolved %s: %w", p, err)
		}
	}
	if _, err := m.runner.Exec(ctx, m.dir, "rebase", "--continue"); err != nil {
		return fmt.Errorf("continuing rebase: %w", err)
	}
	return nil
}

// AbortRebase discards an in-progress rebase, used when conflict repair
// itself fails and the branch needs to be left untouched for escalation.
func (m *Manager) AbortRebase(ctx context.Context) error {
	_, err := m.runner.Exec(ctx, m.dir, "rebase", "--abort")
	return err
}
