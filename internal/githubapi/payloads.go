package githubapi

import "time"

// Wire payloads mirroring the subset of the GitHub REST API response shape
// the worker actually reads. Kept separate from the domain types in
// types.go so a field rename on the wire never leaks into the rest of the
// codebase.

type labelPayload struct {
	Name string `json:"name"`
}

type userPayload struct {
	Login string `json:"login"`
}

type issuePayload struct {
	Number      int            `json:"number"`
	Title       string         `json:"title"`
	Body        string         `json:"body"`
	State       string         `json:"state"`
	Labels      []labelPayload `json:"labels"`
	Assignees   []userPayload  `json:"assignees"`
	UpdatedAt   time.Time      `json:"updated_at"`
	HTMLURL     string         `json:"html_url"`
	PullRequest *struct{}      `json:"pull_request,omitempty"`
}

func (p issuePayload) toWorkItem() WorkItem {
	labels := make([]string, 0, len(p.Labels))
	for _, l := range p.Labels {
		labels = append(labels, l.Name)
	}
	assignees := make([]string, 0, len(p.Assignees))
	for _, a := range p.Assignees {
		assignees = append(assignees, a.Login)
	}
	return WorkItem{
		Number:    p.Number,
		Title:     p.Title,
		Body:      p.Body,
		State:     p.State,
		Labels:    labels,
		Assignees: assignees,
		UpdatedAt: p.UpdatedAt,
		HTMLURL:   p.HTMLURL,
	}
}

type commentPayload struct {
	ID        int64       `json:"id"`
	Body      string      `json:"body"`
	User      userPayload `json:"user"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

func (p commentPayload) toComment() Comment {
	return Comment{
		ID:        p.ID,
		Body:      p.Body,
		Author:    p.User.Login,
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.UpdatedAt,
	}
}

type refPayload struct {
	Ref string `json:"ref"`
	SHA string `json:"sha"`
}

type pullPayload struct {
	Number    int            `json:"number"`
	Title     string         `json:"title"`
	Body      string         `json:"body"`
	State     string         `json:"state"`
	Merged    bool           `json:"merged"`
	Draft     bool           `json:"draft"`
	Labels    []labelPayload `json:"labels"`
	Head      refPayload     `json:"head"`
	Base      refPayload     `json:"base"`
	HTMLURL   string         `json:"html_url"`
	Mergeable *bool          `json:"mergeable"`
	UpdatedAt time.Time      `json:"updated_at"`
}

func (p pullPayload) toChangeSet() ChangeSet {
	labels := make([]string, 0, len(p.Labels))
	for _, l := range p.Labels {
		labels = append(labels, l.Name)
	}
	return ChangeSet{
		Number:     p.Number,
		Title:      p.Title,
		Body:       p.Body,
		State:      p.State,
		Merged:     p.Merged,
		Draft:      p.Draft,
		Labels:     labels,
		HeadBranch: p.Head.Ref,
		BaseBranch: p.Base.Ref,
		HeadSHA:    p.Head.SHA,
		HTMLURL:    p.HTMLURL,
		Mergeable:  p.Mergeable,
		UpdatedAt:  p.UpdatedAt,
	}
}

type checkRunPayload struct {
	Name       string `json:"name"`
	Status     string `json:"status"`
	Conclusion string `json:"conclusion"`
}

type checkRunsPayload struct {
	TotalCount int               `json:"total_count"`
	CheckRuns  []checkRunPayload `json:"check_runs"`
}
