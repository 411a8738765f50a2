package scheduler

import (
	"fmt"

	"github.com/coopworks/issue-worker-pool/internal/githubapi"
)

// buildPrompt selects the fresh-work or repair-resume prompt template
// based on whether the branch already carried prior work. The
// code-generation CLI receives no other context about the repository;
// everything it needs is either already checked out on disk or stated in
// the prompt body.
func buildPrompt(item githubapi.WorkItem, branchName string, preExisted bool) string {
	if preExisted {
		return fmt.Sprintf(
			"You are resuming work on branch %s for issue #%d: %s\n\n"+
				"%s\n\n"+
				"A prior attempt already pushed commits here. Review the current "+
				"state of the working tree, continue the work, and commit any "+
				"further changes you make. Do not revert or discard existing "+
				"commits on this branch.",
			branchName, item.Number, item.Title, item.Body,
		)
	}
	return fmt.Sprintf(
		"You are starting fresh work on branch %s for issue #%d: %s\n\n"+
			"%s\n\n"+
			"Make the changes needed to resolve this issue and commit them.",
		branchName, item.Number, item.Title, item.Body,
	)
}
