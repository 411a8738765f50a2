package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coopworks/issue-worker-pool/internal/credrefresh"
	"github.com/coopworks/issue-worker-pool/internal/events"
	"github.com/coopworks/issue-worker-pool/internal/githubapi"
)

// maxChangeSetBody bounds how much captured subprocess output is folded
// into a change-set description; the rest of the run is still on disk in
// the worker's own log, this is just what the reader sees on the PR.
const maxChangeSetBody = 3000

// process runs the six-step claimed-item pipeline: the item arrives here
// already claimed by findAvailableWorkItem. Any step failure is routed to
// finalize as a failure rather than propagated, since a single item's
// trouble must never take down the scheduler loop.
func (w *Worker) process(ctx context.Context, item githubapi.WorkItem) {
	branchName, preExisted, existing, err := w.selectBranch(ctx, item.Number)
	if err != nil {
		w.finalize(ctx, item, false, nil)
		return
	}
	w.publish(events.NewEvent(events.ItemBranchReady, item.Number))

	if err := w.refreshSubprocessCredential(ctx); err != nil {
		w.publish(events.NewEvent(events.ItemFailed, item.Number).WithError(err))
	}

	prompt := buildPrompt(item, branchName, preExisted)
	var logBuf strings.Builder
	result, invokeErr := w.Subprocess.Invoke(ctx, prompt, w.Workspace.Dir(), &logBuf)
	subprocessOK := invokeErr == nil && result.Success
	if subprocessOK {
		w.publish(events.NewEvent(events.ItemSubprocessOK, item.Number))
	}

	changed, err := w.Workspace.HasChanges(ctx)
	if err != nil {
		w.finalize(ctx, item, false, nil)
		return
	}
	if changed {
		msg := fmt.Sprintf("agent: changes for #%d", item.Number)
		if err := w.Workspace.CommitAll(ctx, msg); err != nil {
			w.finalize(ctx, item, false, nil)
			return
		}
	}

	ahead, err := w.Workspace.CommitsAheadOfBase(ctx)
	if err != nil {
		w.finalize(ctx, item, false, nil)
		return
	}
	hasCommits := ahead > 0

	if !hasCommits {
		w.publish(events.NewEvent(events.ItemNoChanges, item.Number))
		w.finalize(ctx, item, subprocessOK, nil)
		return
	}

	if !subprocessOK {
		// Commits present but the subprocess itself reported failure (e.g. a
		// partial edit before it crashed) — never publish on its behalf.
		w.finalize(ctx, item, false, nil)
		return
	}

	published, err := w.publishWork(ctx, item, branchName, existing, result.Output)
	if err != nil {
		w.finalize(ctx, item, false, nil)
		return
	}

	w.finalize(ctx, item, true, published)
}

// selectBranch implements the branch-reuse rule: if an open change-set
// already references this item by number in its title or body, its head
// branch is resumed; otherwise a fresh branch is created from the base
// branch head. existing is non-nil only in the resume case, letting the
// caller post an update comment on the same change-set instead of
// opening a second one.
func (w *Worker) selectBranch(ctx context.Context, itemNumber int) (branchName string, preExisted bool, existing *githubapi.ChangeSet, err error) {
	sets, outcome, err := w.Client.ListOpenChangeSets(ctx)
	if err != nil {
		return "", false, nil, fmt.Errorf("listing open change-sets: %w", err)
	}
	if outcome == githubapi.OK {
		ref := fmt.Sprintf("#%d", itemNumber)
		for i := range sets {
			cs := sets[i]
			if strings.Contains(cs.Title, ref) || strings.Contains(cs.Body, ref) {
				if _, err := w.Workspace.SelectOrCreateBranch(ctx, cs.HeadBranch); err != nil {
					return "", false, nil, fmt.Errorf("resuming branch %s: %w", cs.HeadBranch, err)
				}
				return cs.HeadBranch, true, &cs, nil
			}
		}
	}

	fresh := fmt.Sprintf("%sissue-%d-%d", w.Config.BranchPrefix, itemNumber, time.Now().UnixMilli())
	preExisted, err = w.Workspace.SelectOrCreateBranch(ctx, fresh)
	if err != nil {
		return "", false, nil, fmt.Errorf("creating branch %s: %w", fresh, err)
	}
	return fresh, preExisted, nil, nil
}

// refreshSubprocessCredential re-reads a fresh installation token and
// writes it into the code-generation CLI's credential file immediately
// before invocation. Non-fatal: a stale credential degrades the
// subprocess call rather than failing the whole item.
func (w *Worker) refreshSubprocessCredential(ctx context.Context) error {
	if w.HomeDir == "" || w.Tokens == nil {
		return nil
	}
	token, err := w.Tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("obtaining token for credential refresh: %w", err)
	}
	return credrefresh.Refresh(w.HomeDir, w.MCPServerName, w.MCPTokenEnvVar, token)
}

// publishWork pushes the branch and either opens a new change-set (fresh
// work) or posts an update comment on the one already tracking this item
// (repair of a resumed branch), matching the §4.7 outcome matrix's
// publish rule: a change-set is opened at most once per work item.
func (w *Worker) publishWork(ctx context.Context, item githubapi.WorkItem, branchName string, existing *githubapi.ChangeSet, output string) (*githubapi.ChangeSet, error) {
	if err := w.Workspace.Push(ctx, branchName, false); err != nil {
		return nil, fmt.Errorf("pushing %s: %w", branchName, err)
	}

	if existing != nil {
		body := fmt.Sprintf("pushed another round of changes for #%d", item.Number)
		if _, _, err := w.Client.PostComment(ctx, existing.Number, body); err != nil {
			return nil, fmt.Errorf("commenting on #%d: %w", existing.Number, err)
		}
		return existing, nil
	}

	cs, outcome, err := w.Client.CreateChangeSet(ctx, githubapi.CreateChangeSetInput{
		Title: fmt.Sprintf("Fix #%d", item.Number),
		Body:  changeSetBody(item, output),
		Head:  branchName,
		Base:  w.Config.Branch,
	})
	if err != nil {
		return nil, fmt.Errorf("opening change-set for #%d: %w", item.Number, err)
	}
	if outcome != githubapi.OK {
		return nil, fmt.Errorf("opening change-set for #%d: unexpected outcome %v", item.Number, outcome)
	}
	w.publish(events.NewEvent(events.ItemPublished, item.Number).WithChangeSet(cs.Number))
	return &cs, nil
}

func changeSetBody(item githubapi.WorkItem, output string) string {
	if len(output) > maxChangeSetBody {
		output = output[:maxChangeSetBody] + "\n...(truncated)"
	}
	return fmt.Sprintf("Resolves #%d.\n\n%s\n\n---\nopened automatically by the issue worker pool", item.Number, output)
}

// finalize applies the §4.8 label state machine: remove in-progress and
// the trigger label, add agent-complete or agent-failed, and post a
// summary comment. Errors from these host calls are discarded and never
// retried — a finalize failure leaves the item in an
// inconsistent label state until a human notices, which is preferable to
// re-running the whole pipeline against a change-set that already
// exists.
func (w *Worker) finalize(ctx context.Context, item githubapi.WorkItem, success bool, published *githubapi.ChangeSet) {
	_, _ = w.Client.RemoveLabel(ctx, item.Number, inProgressLabel)
	_, _ = w.Client.RemoveLabel(ctx, item.Number, w.Config.TriggerLabel)

	label := agentCompleteLbl
	eventType := events.ItemPublished
	if !success {
		label = agentFailedLbl
		eventType = events.ItemFailed
	}
	_, _ = w.Client.AddLabel(ctx, item.Number, label)

	summary := fmt.Sprintf("worker %s finished: %s", w.Config.WorkerID, label)
	if published != nil {
		summary += fmt.Sprintf(" (see #%d)", published.Number)
	}
	_, _, _ = w.Client.PostComment(ctx, item.Number, summary)

	evt := events.NewEvent(eventType, item.Number)
	if published != nil {
		evt = evt.WithChangeSet(published.Number)
	}
	w.publish(evt)

	if w.Counters != nil {
		if success {
			w.Counters.ItemsProcessed.Add(1)
		} else {
			w.Counters.Failures.Add(1)
		}
	}

	_ = w.Workspace.ScopedClean(ctx)
}
