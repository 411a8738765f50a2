// Package fakehost is an in-memory double of the host API surface, used to
// exercise the claim protocol, maintenance engine, and scheduler against
// simulated multi-worker contention without a real network or a real git
// remote. Issues and pull requests share one number space, matching the
// real host's issues/PRs-as-one-numbering-scheme behavior.
package fakehost

import (
	"context"
	"sync"
	"time"

	"github.com/coopworks/issue-worker-pool/internal/githubapi"
)

// Host is a concurrency-safe in-memory stand-in for githubapi.Client.
type Host struct {
	mu sync.Mutex

	nextCommentID int64
	nextCSNumber  int

	items      map[int]*githubapi.WorkItem
	changeSets map[int]*githubapi.ChangeSet
	labels     map[int]map[string]bool
	comments   map[int64]githubapi.Comment
	byNumber   map[int][]int64
	deleted    map[int64]bool
	checkRuns  map[string][]githubapi.CheckRun

	rateLimitDeadline time.Time
}

// New builds an empty Host. Seed work items with AddWorkItem before use.
func New() *Host {
	return &Host{
		items:      map[int]*githubapi.WorkItem{},
		changeSets: map[int]*githubapi.ChangeSet{},
		labels:     map[int]map[string]bool{},
		comments:   map[int64]githubapi.Comment{},
		byNumber:   map[int][]int64{},
		deleted:    map[int64]bool{},
		checkRuns:  map[string][]githubapi.CheckRun{},
	}
}

// AddWorkItem seeds an open work item, applying its initial labels.
func (h *Host) AddWorkItem(item githubapi.WorkItem) {
	h.mu.Lock()
	defer h.mu.Unlock()
	cp := item
	h.items[item.Number] = &cp
	if h.labels[item.Number] == nil {
		h.labels[item.Number] = map[string]bool{}
	}
	for _, l := range item.Labels {
		h.labels[item.Number][l] = true
	}
}

// SetCheckRuns registers the check runs a commit SHA reports.
func (h *Host) SetCheckRuns(sha string, runs []githubapi.CheckRun) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checkRuns[sha] = runs
}

// SetRateLimitDeadline simulates an active secondary-rate-limit cooldown.
func (h *Host) SetRateLimitDeadline(t time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rateLimitDeadline = t
}

// RateLimitDeadline satisfies scheduler.HostClient.
func (h *Host) RateLimitDeadline() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rateLimitDeadline
}

func (h *Host) currentLabels(number int) []string {
	var out []string
	for l, on := range h.labels[number] {
		if on {
			out = append(out, l)
		}
	}
	return out
}

// ListOpenWorkItemsByLabel lists every seeded item carrying label.
func (h *Host) ListOpenWorkItemsByLabel(ctx context.Context, label string) ([]githubapi.WorkItem, githubapi.Outcome, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []githubapi.WorkItem
	for number, item := range h.items {
		if h.labels[number][label] {
			cp := *item
			cp.Labels = h.currentLabels(number)
			out = append(out, cp)
		}
	}
	return out, githubapi.OK, nil
}

// GetWorkItem fetches one seeded item by number.
func (h *Host) GetWorkItem(ctx context.Context, number int) (githubapi.WorkItem, githubapi.Outcome, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	item, ok := h.items[number]
	if !ok {
		return githubapi.WorkItem{}, githubapi.NotFound, nil
	}
	cp := *item
	cp.Labels = h.currentLabels(number)
	return cp, githubapi.OK, nil
}

// ListComments lists every live comment on number, in post order.
func (h *Host) ListComments(ctx context.Context, number int) ([]githubapi.Comment, githubapi.Outcome, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []githubapi.Comment
	for _, id := range h.byNumber[number] {
		if h.deleted[id] {
			continue
		}
		out = append(out, h.comments[id])
	}
	return out, githubapi.OK, nil
}

// GetComment fetches a single comment by id.
func (h *Host) GetComment(ctx context.Context, commentID int64) (githubapi.Comment, githubapi.Outcome, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.deleted[commentID] {
		return githubapi.Comment{}, githubapi.NotFound, nil
	}
	c, ok := h.comments[commentID]
	if !ok {
		return githubapi.Comment{}, githubapi.NotFound, nil
	}
	return c, githubapi.OK, nil
}

// PostComment creates a new comment on number.
func (h *Host) PostComment(ctx context.Context, number int, body string) (githubapi.Comment, githubapi.Outcome, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextCommentID++
	id := h.nextCommentID
	c := githubapi.Comment{ID: id, Body: body, CreatedAt: time.Now()}
	h.comments[id] = c
	h.byNumber[number] = append(h.byNumber[number], id)
	return c, githubapi.OK, nil
}

// PatchComment edits a comment's body in place.
func (h *Host) PatchComment(ctx context.Context, commentID int64, body string) (githubapi.Outcome, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.comments[commentID]
	if !ok {
		return githubapi.NotFound, nil
	}
	c.Body = body
	h.comments[commentID] = c
	return githubapi.OK, nil
}

// DeleteComment removes a comment.
func (h *Host) DeleteComment(ctx context.Context, commentID int64) (githubapi.Outcome, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.deleted[commentID] = true
	return githubapi.OK, nil
}

// AddLabel attaches label to number.
func (h *Host) AddLabel(ctx context.Context, number int, label string) (githubapi.Outcome, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.labels[number] == nil {
		h.labels[number] = map[string]bool{}
	}
	h.labels[number][label] = true
	return githubapi.OK, nil
}

// RemoveLabel detaches label from number. Mirrors the real client:
// removing an already-absent label is NotFound, not an error.
func (h *Host) RemoveLabel(ctx context.Context, number int, label string) (githubapi.Outcome, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.labels[number][label] {
		return githubapi.NotFound, nil
	}
	delete(h.labels[number], label)
	return githubapi.OK, nil
}

// Labels returns the current label set on number, for test assertions.
func (h *Host) Labels(number int) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.currentLabels(number)
}

// ListOpenChangeSets lists every open change-set.
func (h *Host) ListOpenChangeSets(ctx context.Context) ([]githubapi.ChangeSet, githubapi.Outcome, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []githubapi.ChangeSet
	for number, cs := range h.changeSets {
		if cs.State != "open" {
			continue
		}
		cp := *cs
		cp.Labels = h.currentLabels(number)
		out = append(out, cp)
	}
	return out, githubapi.OK, nil
}

// GetChangeSet fetches one change-set by number.
func (h *Host) GetChangeSet(ctx context.Context, number int) (githubapi.ChangeSet, githubapi.Outcome, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	cs, ok := h.changeSets[number]
	if !ok {
		return githubapi.ChangeSet{}, githubapi.NotFound, nil
	}
	cp := *cs
	cp.Labels = h.currentLabels(number)
	return cp, githubapi.OK, nil
}

// ListCheckRunsForCommit returns whatever was registered via SetCheckRuns.
func (h *Host) ListCheckRunsForCommit(ctx context.Context, sha string) ([]githubapi.CheckRun, githubapi.Outcome, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.checkRuns[sha], githubapi.OK, nil
}

// CreateChangeSet opens a new change-set, assigning it the next number in
// the shared issue/PR number space.
func (h *Host) CreateChangeSet(ctx context.Context, in githubapi.CreateChangeSetInput) (githubapi.ChangeSet, githubapi.Outcome, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextCSNumber++
	// Keep the shared number space monotonic across items and change-sets.
	for h.items[h.nextCSNumber] != nil || h.changeSets[h.nextCSNumber] != nil {
		h.nextCSNumber++
	}
	number := h.nextCSNumber
	cs := githubapi.ChangeSet{
		Number:     number,
		Title:      in.Title,
		Body:       in.Body,
		State:      "open",
		Draft:      in.Draft,
		HeadBranch: in.Head,
		BaseBranch: in.Base,
	}
	h.changeSets[number] = &cs
	return cs, githubapi.OK, nil
}
