// Package maintenance implements the worker's self-repair pass over its
// own owned change-sets: the thing that runs before the scheduler ever
// considers claiming new work. Grounded on the teacher's merge/retry
// idiom in internal/worker, generalized from "merge one task's branch"
// to "repair one owned change-set, at most once per loop."
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coopworks/issue-worker-pool/internal/claim"
	"github.com/coopworks/issue-worker-pool/internal/escalate"
	"github.com/coopworks/issue-worker-pool/internal/githubapi"
	"github.com/coopworks/issue-worker-pool/internal/workspace"
)

const (
	needsHumanReviewLabel = "needs-human-review"
	staleAfter            = 14 * 24 * time.Hour
)

// HostClient is the subset of githubapi.Client the maintenance engine
// needs, including everything the claim protocol needs to acquire a
// change-set before repairing it.
type HostClient interface {
	claim.HostClient
	ListOpenChangeSets(ctx context.Context) ([]githubapi.ChangeSet, githubapi.Outcome, error)
	GetChangeSet(ctx context.Context, number int) (githubapi.ChangeSet, githubapi.Outcome, error)
	ListCheckRunsForCommit(ctx context.Context, sha string) ([]githubapi.CheckRun, githubapi.Outcome, error)
}

// Problems is the result of one scan over the owned change-set set.
// Each change-set is classified into at most one bucket, in
// conflicted > failing > stale precedence; the engine repairs at most one
// bucket per loop.
type Problems struct {
	Conflicted    *githubapi.ChangeSet
	Failing       *githubapi.ChangeSet
	FailingChecks []string
	Stale         *githubapi.ChangeSet
	StaleDays     int

	// OwnedCount is every open change-set whose head branch carries the
	// pool's prefix, regardless of classification — the Phase Scheduler's
	// MAX_OPEN_CHANGESETS gate reads this directly.
	OwnedCount int
}

// Any reports whether the scan found something to repair.
func (p *Problems) Any() bool {
	return p.Conflicted != nil || p.Failing != nil || p.Stale != nil
}

// Engine owns one worker's repair pass. One Engine per worker process,
// sharing its workspace.Manager and host client with the rest of the
// scheduler.
type Engine struct {
	Client       HostClient
	Workspace    *workspace.Manager
	Escalator    escalate.Escalator
	WorkerID     string
	Sleep        claim.Sleeper
	BranchPrefix string

	AutoFixConflicts bool
	AutoFixGoMod     bool
	AutoFixPrecommit bool
}

// Scan lists every open change-set, keeps the ones this pool owns, skips
// any already flagged for a human, and classifies the rest. Because some
// APIs return undefined mergeability on list endpoints, each owned
// change-set is individually re-fetched before classification.
func (e *Engine) Scan(ctx context.Context) (*Problems, error) {
	sets, outcome, err := e.Client.ListOpenChangeSets(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing open change-sets: %w", err)
	}
	if outcome != githubapi.OK {
		return &Problems{}, nil
	}

	problems := &Problems{}
	for _, cs := range sets {
		if !hasPrefix(cs.HeadBranch, e.BranchPrefix) {
			continue
		}
		problems.OwnedCount++
		if cs.HasLabel(needsHumanReviewLabel) {
			continue
		}

		fresh, outcome, err := e.Client.GetChangeSet(ctx, cs.Number)
		if err != nil {
			return nil, fmt.Errorf("refetching change-set #%d: %w", cs.Number, err)
		}
		if outcome != githubapi.OK {
			continue
		}

		conflicted := isConflicted(fresh)
		failedChecks, err := e.failedCheckNames(ctx, fresh)
		if err != nil {
			return nil, err
		}
		stale := isStale(fresh)

		switch {
		case conflicted:
			if problems.Conflicted == nil {
				c := fresh
				problems.Conflicted = &c
			}
		case len(failedChecks) > 0:
			if problems.Failing == nil {
				f := fresh
				problems.Failing = &f
				problems.FailingChecks = failedChecks
			}
		case stale:
			if problems.Stale == nil {
				s := fresh
				problems.Stale = &s
				problems.StaleDays = int(time.Since(fresh.UpdatedAt).Hours() / 24)
			}
		}
	}
	return problems, nil
}

func (e *Engine) failedCheckNames(ctx context.Context, cs githubapi.ChangeSet) ([]string, error) {
	if cs.HeadSHA == "" {
		return nil, nil
	}
	runs, outcome, err := e.Client.ListCheckRunsForCommit(ctx, cs.HeadSHA)
	if err != nil {
		return nil, fmt.Errorf("listing check runs for #%d: %w", cs.Number, err)
	}
	if outcome != githubapi.OK {
		return nil, nil
	}
	var names []string
	for _, r := range runs {
		if r.Status == "completed" && r.Conclusion == "failure" {
			names = append(names, r.Name)
		}
	}
	return names, nil
}

func isConflicted(cs githubapi.ChangeSet) bool {
	return cs.Mergeable != nil && !*cs.Mergeable
}

func isStale(cs githubapi.ChangeSet) bool {
	return time.Since(cs.UpdatedAt) >= staleAfter
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// RepairOne attempts exactly one repair, the first non-empty bucket in
// conflicted → failing → stale order, and returns. It never loops back to
// try a second bucket in the same call — that caps rate-limit exposure to
// one repair attempt per scheduler iteration.
func (e *Engine) RepairOne(ctx context.Context, problems *Problems) error {
	switch {
	case problems.Conflicted != nil:
		return e.repairConflict(ctx, problems.Conflicted)
	case problems.Failing != nil:
		return e.repairKnownFailure(ctx, problems.Failing, problems.FailingChecks)
	case problems.Stale != nil:
		return e.repairStaleness(ctx, problems.Stale, problems.StaleDays)
	}
	return nil
}

func (e *Engine) repairConflict(ctx context.Context, cs *githubapi.ChangeSet) error {
	if !e.AutoFixConflicts {
		return nil
	}
	won, err := claim.ChangeSetClaim(ctx, e.Client, cs.Number, e.WorkerID, e.Sleep)
	if err != nil {
		return fmt.Errorf("claiming change-set #%d for conflict repair: %w", cs.Number, err)
	}
	if !won {
		return nil
	}
	defer e.returnToBase(ctx)

	if err := e.Workspace.ScopedClean(ctx); err != nil {
		return err
	}
	if _, err := e.Workspace.SelectOrCreateBranch(ctx, cs.HeadBranch); err != nil {
		return err
	}

	rebaseErr := e.Workspace.Rebase(ctx)
	if rebaseErr == nil {
		return e.publishRebase(ctx, cs, 0)
	}
	if !errors.Is(rebaseErr, workspace.ErrConflict) {
		return fmt.Errorf("rebasing #%d: %w", cs.Number, rebaseErr)
	}

	paths, err := e.Workspace.ConflictedPaths(ctx)
	if err != nil || len(paths) == 0 {
		return e.abortAndEscalate(ctx, cs, "rebase reported a conflict but no conflicted paths could be listed")
	}
	if err := e.Workspace.ResolveConflictsPreferOurs(ctx, paths); err != nil {
		return e.abortAndEscalate(ctx, cs, fmt.Sprintf("automatic conflict resolution failed: %v", err))
	}
	return e.publishRebase(ctx, cs, 0)
}

func (e *Engine) repairKnownFailure(ctx context.Context, cs *githubapi.ChangeSet, failedChecks []string) error {
	if !e.AutoFixGoMod && !e.AutoFixPrecommit {
		return nil
	}
	class, ok := matchKnownFailure(failedChecks, e.AutoFixGoMod, e.AutoFixPrecommit)
	if !ok {
		return nil
	}

	won, err := claim.ChangeSetClaim(ctx, e.Client, cs.Number, e.WorkerID, e.Sleep)
	if err != nil {
		return fmt.Errorf("claiming change-set #%d for known-failure repair: %w", cs.Number, err)
	}
	if !won {
		return nil
	}
	defer e.returnToBase(ctx)

	if err := e.Workspace.ScopedClean(ctx); err != nil {
		return err
	}
	if _, err := e.Workspace.SelectOrCreateBranch(ctx, cs.HeadBranch); err != nil {
		return err
	}

	dir := e.Workspace.Dir()
	retryResult := RetryWithBackoff(ctx, DefaultRetryConfig, func(ctx context.Context) error {
		return runRemedy(ctx, dir, class)
	})
	if !retryResult.Success {
		if e.Escalator != nil {
			_ = e.Escalator.Escalate(ctx, escalate.Escalation{
				Severity:        escalate.SeverityWarning,
				ChangeSetNumber: cs.Number,
				URL:             cs.HTMLURL,
				Title:           fmt.Sprintf("%s remedy failed", class.name),
				Message:         fmt.Sprintf("the %s remedy failed after %d attempts: %v", class.name, retryResult.Attempts, retryResult.LastErr),
			})
		}
		return fmt.Errorf("remedy %q for #%d: %w", class.command, cs.Number, retryResult.LastErr)
	}

	changed, err := e.Workspace.HasChanges(ctx)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	if err := e.Workspace.CommitAll(ctx, class.commitMsg); err != nil {
		return err
	}
	if err := e.Workspace.Push(ctx, cs.HeadBranch, false); err != nil {
		return fmt.Errorf("pushing known-failure remedy for #%d: %w", cs.Number, err)
	}
	_, _, err = e.Client.PostComment(ctx, cs.Number, fmt.Sprintf("applied the %s remedy for a failing check", class.name))
	return err
}

func (e *Engine) repairStaleness(ctx context.Context, cs *githubapi.ChangeSet, days int) error {
	won, err := claim.ChangeSetClaim(ctx, e.Client, cs.Number, e.WorkerID, e.Sleep)
	if err != nil {
		return fmt.Errorf("claiming change-set #%d for staleness refresh: %w", cs.Number, err)
	}
	if !won {
		return nil
	}
	defer e.returnToBase(ctx)

	if err := e.Workspace.ScopedClean(ctx); err != nil {
		return err
	}
	if _, err := e.Workspace.SelectOrCreateBranch(ctx, cs.HeadBranch); err != nil {
		return err
	}

	rebaseErr := e.Workspace.Rebase(ctx)
	if rebaseErr == nil {
		return e.publishRebase(ctx, cs, days)
	}
	if !errors.Is(rebaseErr, workspace.ErrConflict) {
		return fmt.Errorf("rebasing #%d during staleness refresh: %w", cs.Number, rebaseErr)
	}

	paths, err := e.Workspace.ConflictedPaths(ctx)
	if err != nil || len(paths) == 0 {
		return e.abortAndEscalate(ctx, cs, "staleness refresh hit a conflict with no listable paths")
	}
	if err := e.Workspace.ResolveConflictsPreferOurs(ctx, paths); err != nil {
		return e.abortAndEscalate(ctx, cs, fmt.Sprintf("automatic conflict resolution during staleness refresh failed: %v", err))
	}
	return e.publishRebase(ctx, cs, days)
}

// publishRebase pushes the just-rebased branch and leaves a comment
// explaining what happened. staleDays > 0 distinguishes a staleness
// refresh's comment from a conflict repair's.
func (e *Engine) publishRebase(ctx context.Context, cs *githubapi.ChangeSet, staleDays int) error {
	if err := e.Workspace.Push(ctx, cs.HeadBranch, true); err != nil {
		return fmt.Errorf("pushing rebased #%d: %w", cs.Number, err)
	}
	body := "resolved merge conflicts against the base branch and rebased this change-set"
	if staleDays > 0 {
		body = fmt.Sprintf("rebased on latest base to bring this change-set up to date (was %d days old)", staleDays)
	}
	_, _, err := e.Client.PostComment(ctx, cs.Number, body)
	return err
}

// abortAndEscalate is reached when automatic conflict resolution itself
// fails: the rebase is abandoned, the change-set is flagged for a human,
// and the configured Escalator is notified. It deliberately returns nil —
// this is a handled outcome, not a scheduler-level failure.
func (e *Engine) abortAndEscalate(ctx context.Context, cs *githubapi.ChangeSet, reason string) error {
	_ = e.Workspace.AbortRebase(ctx)
	_, _ = e.Client.AddLabel(ctx, cs.Number, needsHumanReviewLabel)

	comment := fmt.Sprintf("automatic repair could not resolve this change-set: %s. Flagging for human review.", reason)
	_, _, _ = e.Client.PostComment(ctx, cs.Number, comment)

	if e.Escalator != nil {
		_ = e.Escalator.Escalate(ctx, escalate.Escalation{
			Severity:        escalate.SeverityWarning,
			ChangeSetNumber: cs.Number,
			URL:             cs.HTMLURL,
			Title:           "change-set needs human review",
			Message:         reason,
		})
	}
	return nil
}

func (e *Engine) returnToBase(ctx context.Context) {
	_ = e.Workspace.ScopedClean(ctx)
}
