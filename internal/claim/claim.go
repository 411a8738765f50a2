// Package claim implements the comment-based distributed claim protocol:
// the only coordination mechanism peer workers share, since there is no
// database and no shared memory between processes.
package claim

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/coopworks/issue-worker-pool/internal/githubapi"
)

const (
	// VerificationDelay is the settle window after staking a claim comment,
	// giving racing peers time to stake their own before anyone checks who
	// won.
	VerificationDelay = 3 * time.Second
	// Timeout is the age past which a staked claim comment is considered
	// abandoned by a crashed or disconnected owner.
	Timeout = 120 * time.Second

	workItemPrefix  = "CLAIM:"
	changeSetPrefix = "PR-CLAIM:"

	inProgressLabel = "in-progress"
)

// HostClient is the subset of githubapi.Client the claim protocol needs.
// Declared as an interface so contended-race tests can run many simulated
// workers against an in-memory fake instead of a real HTTP server.
type HostClient interface {
	GetWorkItem(ctx context.Context, number int) (githubapi.WorkItem, githubapi.Outcome, error)
	ListComments(ctx context.Context, number int) ([]githubapi.Comment, githubapi.Outcome, error)
	GetComment(ctx context.Context, commentID int64) (githubapi.Comment, githubapi.Outcome, error)
	PostComment(ctx context.Context, number int, body string) (githubapi.Comment, githubapi.Outcome, error)
	PatchComment(ctx context.Context, commentID int64, body string) (githubapi.Outcome, error)
	DeleteComment(ctx context.Context, commentID int64) (githubapi.Outcome, error)
	AddLabel(ctx context.Context, number int, label string) (githubapi.Outcome, error)
}

// Sleeper abstracts time.Sleep so tests can run the protocol without
// actually waiting out the settle delay.
type Sleeper func(ctx context.Context, d time.Duration)

// RealSleep blocks for d or until ctx is cancelled.
func RealSleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// candidate is one staked claim comment under consideration.
type candidate struct {
	id        int64
	createdAt time.Time
}

// sortCandidates orders ascending by server timestamp, breaking ties by
// numeric comment id (an explicit, documented resolution to an
// under-specified ordering — GitHub's comment timestamps are only
// second-resolution, so two comments posted in the same second need a
// deterministic secondary key).
func sortCandidates(cs []candidate) {
	sort.Slice(cs, func(i, j int) bool {
		if !cs[i].createdAt.Equal(cs[j].createdAt) {
			return cs[i].createdAt.Before(cs[j].createdAt)
		}
		return cs[i].id < cs[j].id
	})
}

func parseClaimantCandidates(comments []githubapi.Comment, prefix string, now time.Time) []candidate {
	var out []candidate
	for _, c := range comments {
		if !strings.HasPrefix(c.Body, prefix) {
			continue
		}
		if now.Sub(c.CreatedAt) > Timeout {
			continue // stale
		}
		out = append(out, candidate{id: c.ID, createdAt: c.CreatedAt})
	}
	return out
}

// WorkItemClaim runs the work-item acquisition sequence for issue number
// against client, returning true if this worker wins the claim. A false
// result with a nil error means a peer won or the item was already taken;
// it is not a failure.
func WorkItemClaim(ctx context.Context, client HostClient, itemNumber int, workerID string, sleep Sleeper) (bool, error) {
	if sleep == nil {
		sleep = RealSleep
	}

	item, outcome, err := client.GetWorkItem(ctx, itemNumber)
	if err != nil {
		return false, fmt.Errorf("pre-check fetch: %w", err)
	}
	if outcome != githubapi.OK {
		return false, nil
	}
	if item.HasLabel(inProgressLabel) {
		return false, nil
	}

	body := fmt.Sprintf("%s%s:%d", workItemPrefix, workerID, time.Now().UnixMilli())
	staked, outcome, err := client.PostComment(ctx, itemNumber, body)
	if outcome == githubapi.RateLimited {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("staking claim: %w", err)
	}

	sleep(ctx, VerificationDelay)

	item, outcome, err = client.GetWorkItem(ctx, itemNumber)
	if err != nil {
		return false, fmt.Errorf("re-check fetch: %w", err)
	}
	if outcome == githubapi.OK && item.HasLabel(inProgressLabel) {
		deleteClaim(ctx, client, staked.ID)
		return false, nil
	}

	comments, outcome, err := client.ListComments(ctx, itemNumber)
	if err != nil {
		return false, fmt.Errorf("listing claim candidates: %w", err)
	}
	if outcome != githubapi.OK {
		return false, nil
	}

	now := time.Now()
	candidates := parseClaimantCandidates(comments, workItemPrefix, now)
	candidates = verifyNotGhost(ctx, client, candidates)
	sortCandidates(candidates)

	if len(candidates) == 0 || candidates[0].id != staked.ID {
		deleteClaim(ctx, client, staked.ID)
		return false, nil
	}

	if outcome, err := client.AddLabel(ctx, itemNumber, inProgressLabel); err != nil || outcome != githubapi.OK {
		return false, fmt.Errorf("acquiring label: %w", err)
	}

	announce := fmt.Sprintf("Claimed by %s", workerID)
	if _, err := client.PatchComment(ctx, staked.ID, announce); err != nil {
		return false, fmt.Errorf("humanizing claim comment: %w", err)
	}

	return true, nil
}

// ChangeSetClaim runs the change-set acquisition sequence, identical in
// shape to WorkItemClaim but without the in-progress label re-check (no
// such label exists for change-sets) and with a short status string
// instead of a worker-id announcement.
func ChangeSetClaim(ctx context.Context, client HostClient, changeSetNumber int, workerID string, sleep Sleeper) (bool, error) {
	if sleep == nil {
		sleep = RealSleep
	}

	body := fmt.Sprintf("%s%s", changeSetPrefix, workerID)
	staked, outcome, err := client.PostComment(ctx, changeSetNumber, body)
	if outcome == githubapi.RateLimited {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("staking claim: %w", err)
	}

	sleep(ctx, VerificationDelay)

	comments, outcome, err := client.ListComments(ctx, changeSetNumber)
	if err != nil {
		return false, fmt.Errorf("listing claim candidates: %w", err)
	}
	if outcome != githubapi.OK {
		return false, nil
	}

	now := time.Now()
	candidates := parseClaimantCandidates(comments, changeSetPrefix, now)
	candidates = verifyNotGhost(ctx, client, candidates)
	sortCandidates(candidates)

	if len(candidates) == 0 || candidates[0].id != staked.ID {
		deleteClaim(ctx, client, staked.ID)
		return false, nil
	}

	status := fmt.Sprintf("%srepairing", changeSetPrefix)
	if _, err := client.PatchComment(ctx, staked.ID, status); err != nil {
		return false, fmt.Errorf("marking claim status: %w", err)
	}

	return true, nil
}

func verifyNotGhost(ctx context.Context, client HostClient, cs []candidate) []candidate {
	var live []candidate
	for _, c := range cs {
		_, outcome, err := client.GetComment(ctx, c.id)
		if err != nil || outcome != githubapi.OK {
			continue
		}
		live = append(live, c)
	}
	return live
}

func deleteClaim(ctx context.Context, client HostClient, commentID int64) {
	_, _ = client.DeleteComment(ctx, commentID)
}

// FormatClaimID renders a comment id as a string, for logging.
func FormatClaimID(id int64) string {
	return strconv.FormatInt(id, 10)
}
