package githubapi

import (
	"context"
	"encoding/json"
	"fmt"
)

// ListOpenWorkItemsByLabel lists open issues carrying label, newest updated
// first, excluding pull requests.
func (c *Client) ListOpenWorkItemsByLabel(ctx context.Context, label string) ([]WorkItem, Outcome, error) {
	url := c.repoPath(fmt.Sprintf("/issues?state=open&labels=%s&sort=updated&direction=desc&per_page=100", label))
	outcome, data, err := c.do(ctx, "GET", url, nil)
	if outcome != OK {
		return nil, outcome, err
	}

	var raw []issuePayload
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, Other4xx, fmt.Errorf("decoding issue list: %w", err)
	}

	items := make([]WorkItem, 0, len(raw))
	for _, r := range raw {
		if r.PullRequest != nil {
			continue
		}
		items = append(items, r.toWorkItem())
	}
	return items, OK, nil
}

// GetWorkItem fetches a single issue by number.
func (c *Client) GetWorkItem(ctx context.Context, number int) (WorkItem, Outcome, error) {
	url := c.repoPath(fmt.Sprintf("/issues/%d", number))
	outcome, data, err := c.do(ctx, "GET", url, nil)
	if outcome != OK {
		return WorkItem{}, outcome, err
	}
	var raw issuePayload
	if err := json.Unmarshal(data, &raw); err != nil {
		return WorkItem{}, Other4xx, fmt.Errorf("decoding issue: %w", err)
	}
	return raw.toWorkItem(), OK, nil
}

// ListComments lists every comment on issue/PR number, oldest first.
func (c *Client) ListComments(ctx context.Context, number int) ([]Comment, Outcome, error) {
	url := c.repoPath(fmt.Sprintf("/issues/%d/comments?per_page=100", number))
	outcome, data, err := c.do(ctx, "GET", url, nil)
	if outcome != OK {
		return nil, outcome, err
	}
	var raw []commentPayload
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, Other4xx, fmt.Errorf("decoding comments: %w", err)
	}
	out := make([]Comment, 0, len(raw))
	for _, r := range raw {
		out = append(out, r.toComment())
	}
	return out, OK, nil
}

// GetComment fetches a single comment by id.
func (c *Client) GetComment(ctx context.Context, commentID int64) (Comment, Outcome, error) {
	url := c.repoPath(fmt.Sprintf("/issues/comments/%d", commentID))
	outcome, data, err := c.do(ctx, "GET", url, nil)
	if outcome != OK {
		return Comment{}, outcome, err
	}
	var raw commentPayload
	if err := json.Unmarshal(data, &raw); err != nil {
		return Comment{}, Other4xx, fmt.Errorf("decoding comment: %w", err)
	}
	return raw.toComment(), OK, nil
}

// PostComment creates a new comment on issue/PR number.
func (c *Client) PostComment(ctx context.Context, number int, body string) (Comment, Outcome, error) {
	url := c.repoPath(fmt.Sprintf("/issues/%d/comments", number))
	outcome, data, err := c.do(ctx, "POST", url, map[string]string{"body": body})
	if outcome != OK {
		return Comment{}, outcome, err
	}
	var raw commentPayload
	if err := json.Unmarshal(data, &raw); err != nil {
		return Comment{}, Other4xx, fmt.Errorf("decoding posted comment: %w", err)
	}
	return raw.toComment(), OK, nil
}

// PatchComment edits the body of an existing comment.
func (c *Client) PatchComment(ctx context.Context, commentID int64, body string) (Outcome, error) {
	url := c.repoPath(fmt.Sprintf("/issues/comments/%d", commentID))
	outcome, _, err := c.do(ctx, "PATCH", url, map[string]string{"body": body})
	return outcome, err
}

// DeleteComment removes a comment.
func (c *Client) DeleteComment(ctx context.Context, commentID int64) (Outcome, error) {
	url := c.repoPath(fmt.Sprintf("/issues/comments/%d", commentID))
	outcome, _, err := c.do(ctx, "DELETE", url, nil)
	return outcome, err
}

// AddLabel attaches a label to an issue/PR.
func (c *Client) AddLabel(ctx context.Context, number int, label string) (Outcome, error) {
	url := c.repoPath(fmt.Sprintf("/issues/%d/labels", number))
	outcome, _, err := c.do(ctx, "POST", url, map[string][]string{"labels": {label}})
	return outcome, err
}

// RemoveLabel detaches a label from an issue/PR. A missing label (already
// removed by a racing worker) is reported as NotFound, not an error the
// caller needs to treat specially.
func (c *Client) RemoveLabel(ctx context.Context, number int, label string) (Outcome, error) {
	url := c.repoPath(fmt.Sprintf("/issues/%d/labels/%s", number, label))
	outcome, _, err := c.do(ctx, "DELETE", url, nil)
	return outcome, err
}

// ListOpenChangeSets lists every open pull request in the repo.
func (c *Client) ListOpenChangeSets(ctx context.Context) ([]ChangeSet, Outcome, error) {
	url := c.repoPath("/pulls?state=open&per_page=100")
	outcome, data, err := c.do(ctx, "GET", url, nil)
	if outcome != OK {
		return nil, outcome, err
	}
	var raw []pullPayload
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, Other4xx, fmt.Errorf("decoding pull list: %w", err)
	}
	out := make([]ChangeSet, 0, len(raw))
	for _, r := range raw {
		out = append(out, r.toChangeSet())
	}
	return out, OK, nil
}

// GetChangeSet fetches a single pull request by number.
func (c *Client) GetChangeSet(ctx context.Context, number int) (ChangeSet, Outcome, error) {
	url := c.repoPath(fmt.Sprintf("/pulls/%d", number))
	outcome, data, err := c.do(ctx, "GET", url, nil)
	if outcome != OK {
		return ChangeSet{}, outcome, err
	}
	var raw pullPayload
	if err := json.Unmarshal(data, &raw); err != nil {
		return ChangeSet{}, Other4xx, fmt.Errorf("decoding pull: %w", err)
	}
	return raw.toChangeSet(), OK, nil
}

// ListCheckRunsForCommit lists every CI check run registered against sha.
func (c *Client) ListCheckRunsForCommit(ctx context.Context, sha string) ([]CheckRun, Outcome, error) {
	url := c.repoPath(fmt.Sprintf("/commits/%s/check-runs?per_page=100", sha))
	outcome, data, err := c.do(ctx, "GET", url, nil)
	if outcome != OK {
		return nil, outcome, err
	}
	var raw checkRunsPayload
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, Other4xx, fmt.Errorf("decoding check runs: %w", err)
	}
	out := make([]CheckRun, 0, len(raw.CheckRuns))
	for _, r := range raw.CheckRuns {
		out = append(out, CheckRun{Name: r.Name, Status: r.Status, Conclusion: r.Conclusion})
	}
	return out, OK, nil
}

// CreateChangeSetInput describes a new pull request.
type CreateChangeSetInput struct {
	Title string
	Body  string
	Head  string
	Base  string
	Draft bool
}

// CreateChangeSet opens a new pull request from head onto base.
func (c *Client) CreateChangeSet(ctx context.Context, in CreateChangeSetInput) (ChangeSet, Outcome, error) {
	url := c.repoPath("/pulls")
	payload := map[string]any{
		"title": in.Title,
		"body":  in.Body,
		"head":  in.Head,
		"base":  in.Base,
		"draft": in.Draft,
	}
	outcome, data, err := c.do(ctx, "POST", url, payload)
	if outcome != OK {
		return ChangeSet{}, outcome, err
	}
	var raw pullPayload
	if err := json.Unmarshal(data, &raw); err != nil {
		return ChangeSet{}, Other4xx, fmt.Errorf("decoding created pull: %w", err)
	}
	return raw.toChangeSet(), OK, nil
}
