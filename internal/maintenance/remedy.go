package maintenance

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// remedyTimeout bounds how long a single known-failure remedy command may
// run before it's considered hung.
const remedyTimeout = 5 * time.Minute

// knownFailureClass names one recognized category of CI failure this
// engine can remedy mechanically.
type knownFailureClass struct {
	name       string   // human label, used in comments and escalation messages
	nameMatch  []string // substrings matched case-insensitively against the check run name
	gate       func(autoFixGoMod, autoFixPrecommit bool) bool
	command    string
	commitMsg  string
}

var knownFailureClasses = []knownFailureClass{
	{
		name:      "dependency lockfile",
		nameMatch: []string{"go.mod", "go.sum", "tidy", "dependency"},
		gate:      func(goMod, _ bool) bool { return goMod },
		command:   "go mod tidy",
		commitMsg: "chore: regenerate go.mod/go.sum",
	},
	{
		name:      "pre-commit gate",
		nameMatch: []string{"pre-commit", "lint", "format"},
		gate:      func(_, precommit bool) bool { return precommit },
		command:   "pre-commit run --all-files",
		commitMsg: "chore: apply pre-commit fixes",
	},
}

// matchKnownFailure returns the first known remedy class whose name
// pattern matches any of the failed check names, or false if none match.
func matchKnownFailure(failedChecks []string, autoFixGoMod, autoFixPrecommit bool) (knownFailureClass, bool) {
	for _, class := range knownFailureClasses {
		if !class.gate(autoFixGoMod, autoFixPrecommit) {
			continue
		}
		for _, checkName := range failedChecks {
			lower := strings.ToLower(checkName)
			for _, m := range class.nameMatch {
				if strings.Contains(lower, m) {
					return class, true
				}
			}
		}
	}
	return knownFailureClass{}, false
}

// runRemedy shells the class's fix-up command in dir via sh -c. A
// pre-commit hook or lockfile regenerator is expected to mutate the
// working tree in place rather than print a patch. The exit status is
// propagated so RetryWithBackoff can tell a transient failure (network
// fetch during `go mod tidy`, a tool not yet warmed up) from success and
// retry accordingly.
func runRemedy(ctx context.Context, dir string, class knownFailureClass) error {
	ctx, cancel := context.WithTimeout(ctx, remedyTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", class.command)
	cmd.Dir = dir
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s: %w", class.command, err)
	}
	return nil
}
