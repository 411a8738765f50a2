package githubapi

import "time"

// WorkItem is an issue eligible for (or currently claimed by) the pool.
type WorkItem struct {
	Number    int
	Title     string
	Body      string
	State     string
	Labels    []string
	Assignees []string
	UpdatedAt time.Time
	HTMLURL   string
}

// HasLabel reports whether name is one of the item's current labels.
func (w WorkItem) HasLabel(name string) bool {
	for _, l := range w.Labels {
		if l == name {
			return true
		}
	}
	return false
}

// Comment is an issue or pull-request comment.
type Comment struct {
	ID        int64
	Body      string
	Author    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ChangeSet is a pull request produced by the pool for one work item.
type ChangeSet struct {
	Number     int
	Title      string
	Body       string
	State      string // open, closed
	Merged     bool
	Draft      bool
	Labels     []string
	HeadBranch string
	BaseBranch string
	HeadSHA    string
	HTMLURL    string
	Mergeable  *bool
	UpdatedAt  time.Time
}

// HasLabel reports whether name is one of the change-set's current labels.
func (c ChangeSet) HasLabel(name string) bool {
	for _, l := range c.Labels {
		if l == name {
			return true
		}
	}
	return false
}

// CheckRun is a single CI check run against a commit SHA.
type CheckRun struct {
	Name       string
	Status     string // queued, in_progress, completed
	Conclusion string // success, failure, cancelled, skipped, neutral, timed_out
}

// AllComplete reports whether every run in the slice has finished,
// regardless of outcome.
func AllComplete(runs []CheckRun) bool {
	for _, r := range runs {
		if r.Status != "completed" {
			return false
		}
	}
	return true
}

// AnyFailed reports whether any completed run concluded unsuccessfully.
func AnyFailed(runs []CheckRun) bool {
	for _, r := range runs {
		if r.Status == "completed" {
			switch r.Conclusion {
			case "failure", "timed_out", "cancelled":
				return true
			}
		}
	}
	return false
}
