package maintenance

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coopworks/issue-worker-pool/internal/claim"
	"github.com/coopworks/issue-worker-pool/internal/escalate"
	"github.com/coopworks/issue-worker-pool/internal/githubapi"
	"github.com/coopworks/issue-worker-pool/internal/workspace"
)

// fakeHost is an in-memory double satisfying HostClient, scoped to what
// the engine and the claim protocol actually call.
type fakeHost struct {
	mu         sync.Mutex
	changeSets map[int]githubapi.ChangeSet
	checkRuns  map[string][]githubapi.CheckRun
	comments   map[int][]githubapi.Comment
	byID       map[int64]int
	labels     map[int][]string
	nextID     int64
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		changeSets: make(map[int]githubapi.ChangeSet),
		checkRuns:  make(map[string][]githubapi.CheckRun),
		comments:   make(map[int][]githubapi.Comment),
		byID:       make(map[int64]int),
		labels:     make(map[int][]string),
	}
}

func (f *fakeHost) GetWorkItem(ctx context.Context, number int) (githubapi.WorkItem, githubapi.Outcome, error) {
	return githubapi.WorkItem{}, githubapi.NotFound, nil
}

func (f *fakeHost) ListComments(ctx context.Context, number int) ([]githubapi.Comment, githubapi.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]githubapi.Comment(nil), f.comments[number]...), githubapi.OK, nil
}

func (f *fakeHost) GetComment(ctx context.Context, id int64) (githubapi.Comment, githubapi.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	num, ok := f.byID[id]
	if !ok {
		return githubapi.Comment{}, githubapi.NotFound, nil
	}
	for _, c := range f.comments[num] {
		if c.ID == id {
			return c, githubapi.OK, nil
		}
	}
	return githubapi.Comment{}, githubapi.NotFound, nil
}

func (f *fakeHost) PostComment(ctx context.Context, number int, body string) (githubapi.Comment, githubapi.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	c := githubapi.Comment{ID: f.nextID, Body: body, CreatedAt: time.Now()}
	f.comments[number] = append(f.comments[number], c)
	f.byID[c.ID] = number
	return c, githubapi.OK, nil
}

func (f *fakeHost) PatchComment(ctx context.Context, id int64, body string) (githubapi.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	num, ok := f.byID[id]
	if !ok {
		return githubapi.NotFound, nil
	}
	for i, c := range f.comments[num] {
		if c.ID == id {
			f.comments[num][i].Body = body
		}
	}
	return githubapi.OK, nil
}

func (f *fakeHost) DeleteComment(ctx context.Context, id int64) (githubapi.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	num, ok := f.byID[id]
	if !ok {
		return githubapi.NotFound, nil
	}
	cs := f.comments[num]
	for i, c := range cs {
		if c.ID == id {
			f.comments[num] = append(cs[:i], cs[i+1:]...)
			break
		}
	}
	delete(f.byID, id)
	return githubapi.OK, nil
}

func (f *fakeHost) AddLabel(ctx context.Context, number int, label string) (githubapi.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.labels[number] = append(f.labels[number], label)
	return githubapi.OK, nil
}

func (f *fakeHost) ListOpenChangeSets(ctx context.Context) ([]githubapi.ChangeSet, githubapi.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]githubapi.ChangeSet, 0, len(f.changeSets))
	for _, cs := range f.changeSets {
		out = append(out, cs)
	}
	return out, githubapi.OK, nil
}

func (f *fakeHost) GetChangeSet(ctx context.Context, number int) (githubapi.ChangeSet, githubapi.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cs, ok := f.changeSets[number]
	if !ok {
		return githubapi.ChangeSet{}, githubapi.NotFound, nil
	}
	return cs, githubapi.OK, nil
}

func (f *fakeHost) ListCheckRunsForCommit(ctx context.Context, sha string) ([]githubapi.CheckRun, githubapi.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.checkRuns[sha], githubapi.OK, nil
}

// fakeRunner is a scripted workspace.Runner: it recognizes just enough git
// subcommands to drive the engine's rebase/conflict/push paths without a
// real repository on disk.
type fakeRunner struct {
	mu             sync.Mutex
	calls          []string
	rebaseConflict bool
	resolveFails   bool
}

func (r *fakeRunner) Exec(ctx context.Context, dir string, args ...string) (string, error) {
	r.mu.Lock()
	r.calls = append(r.calls, strings.Join(args, " "))
	r.mu.Unlock()

	switch {
	case len(args) >= 2 && args[0] == "rebase" && strings.HasPrefix(args[1], "origin/"):
		if r.rebaseConflict {
			return "", errors.New("CONFLICT: rebase stopped")
		}
		return "", nil
	case len(args) >= 2 && args[0] == "rebase" && args[1] == "--continue":
		if r.resolveFails {
			return "", errors.New("still conflicted")
		}
		return "", nil
	case len(args) >= 3 && args[0] == "rev-parse" && args[1] == "--verify" && args[2] == "REBASE_HEAD":
		if r.rebaseConflict {
			return "deadbeef", nil
		}
		return "", errors.New("unknown revision")
	case len(args) >= 1 && args[0] == "diff":
		return "a.txt\n", nil
	default:
		return "", nil
	}
}

func (r *fakeRunner) hasCallContaining(substr string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.calls {
		if strings.Contains(c, substr) {
			return true
		}
	}
	return false
}

type fakeEscalator struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeEscalator) Escalate(ctx context.Context, e escalate.Escalation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return nil
}

func (f *fakeEscalator) Name() string { return "fake" }

func boolPtr(b bool) *bool { return &b }

func newTestEngine(host *fakeHost, runner *fakeRunner, escalator *fakeEscalator) *Engine {
	ws := workspace.NewWithRunner(workspace.Config{
		Dir:        "/tmp/irrelevant",
		Owner:      "acme",
		Repo:       "widgets",
		BaseBranch: "main",
	}, nil, runner)

	return &Engine{
		Client:           host,
		Workspace:        ws,
		Escalator:        escalator,
		WorkerID:         "worker-1",
		Sleep:            func(ctx context.Context, d time.Duration) {},
		BranchPrefix:     "claude/",
		AutoFixConflicts: true,
		AutoFixGoMod:     true,
		AutoFixPrecommit: true,
	}
}

func TestScan_ClassifiesByPrecedence(t *testing.T) {
	host := newFakeHost()
	now := time.Now()

	host.changeSets[1] = githubapi.ChangeSet{Number: 1, HeadBranch: "claude/1", HeadSHA: "sha1", Mergeable: boolPtr(false), UpdatedAt: now}
	host.changeSets[2] = githubapi.ChangeSet{Number: 2, HeadBranch: "claude/2", HeadSHA: "sha2", Mergeable: boolPtr(true), UpdatedAt: now}
	host.checkRuns["sha2"] = []githubapi.CheckRun{{Name: "go.mod tidy", Status: "completed", Conclusion: "failure"}}
	host.changeSets[3] = githubapi.ChangeSet{Number: 3, HeadBranch: "claude/3", HeadSHA: "sha3", Mergeable: boolPtr(true), UpdatedAt: now.Add(-20 * 24 * time.Hour)}

	e := newTestEngine(host, &fakeRunner{}, &fakeEscalator{})
	problems, err := e.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}

	if problems.Conflicted == nil || problems.Conflicted.Number != 1 {
		t.Errorf("expected change-set #1 classified conflicted, got %+v", problems.Conflicted)
	}
	if problems.Failing == nil || problems.Failing.Number != 2 {
		t.Errorf("expected change-set #2 classified failing, got %+v", problems.Failing)
	}
	if problems.Stale == nil || problems.Stale.Number != 3 {
		t.Errorf("expected change-set #3 classified stale, got %+v", problems.Stale)
	}
	if problems.OwnedCount != 3 {
		t.Errorf("expected OwnedCount 3, got %d", problems.OwnedCount)
	}
}

func TestScan_SkipsNeedsHumanReview(t *testing.T) {
	host := newFakeHost()
	host.changeSets[9] = githubapi.ChangeSet{
		Number: 9, HeadBranch: "claude/9", Labels: []string{"needs-human-review"},
		Mergeable: boolPtr(false), UpdatedAt: time.Now(),
	}

	e := newTestEngine(host, &fakeRunner{}, &fakeEscalator{})
	problems, err := e.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if problems.Any() {
		t.Errorf("expected no problems for a change-set already flagged, got %+v", problems)
	}
	if problems.OwnedCount != 1 {
		t.Errorf("expected OwnedCount to still count it, got %d", problems.OwnedCount)
	}
}

func TestScan_IgnoresUnownedBranches(t *testing.T) {
	host := newFakeHost()
	host.changeSets[4] = githubapi.ChangeSet{Number: 4, HeadBranch: "dependabot/npm/foo", Mergeable: boolPtr(false)}

	e := newTestEngine(host, &fakeRunner{}, &fakeEscalator{})
	problems, err := e.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if problems.OwnedCount != 0 || problems.Any() {
		t.Errorf("expected an unowned branch to be ignored entirely, got %+v", problems)
	}
}

func TestRepairOne_ConflictResolvesAndPushes(t *testing.T) {
	host := newFakeHost()
	cs := githubapi.ChangeSet{Number: 5, HeadBranch: "claude/5", Mergeable: boolPtr(false), HTMLURL: "https://example/pr/5"}
	host.changeSets[5] = cs
	runner := &fakeRunner{rebaseConflict: true}
	escalator := &fakeEscalator{}
	e := newTestEngine(host, runner, escalator)

	problems := &Problems{Conflicted: &cs}
	if err := e.RepairOne(context.Background(), problems); err != nil {
		t.Fatalf("RepairOne: %v", err)
	}

	if escalator.calls != 0 {
		t.Errorf("expected no escalation on successful mechanical resolution, got %d", escalator.calls)
	}
	if !runner.hasCallContaining("push --force-with-lease") {
		t.Error("expected a force-with-lease push after rebase resolution")
	}
	comments := host.comments[5]
	if len(comments) == 0 || !strings.Contains(comments[len(comments)-1].Body, "resolved merge conflicts") {
		t.Errorf("expected an explanatory comment, got %+v", comments)
	}
}

func TestRepairOne_ConflictEscalatesWhenResolutionFails(t *testing.T) {
	host := newFakeHost()
	cs := githubapi.ChangeSet{Number: 6, HeadBranch: "claude/6", Mergeable: boolPtr(false)}
	host.changeSets[6] = cs
	runner := &fakeRunner{rebaseConflict: true, resolveFails: true}
	escalator := &fakeEscalator{}
	e := newTestEngine(host, runner, escalator)

	problems := &Problems{Conflicted: &cs}
	if err := e.RepairOne(context.Background(), problems); err != nil {
		t.Fatalf("RepairOne: %v", err)
	}

	if escalator.calls != 1 {
		t.Errorf("expected exactly one escalation, got %d", escalator.calls)
	}
	if len(host.labels[6]) == 0 || host.labels[6][0] != needsHumanReviewLabel {
		t.Errorf("expected needs-human-review label, got %v", host.labels[6])
	}
}

func TestRepairOne_SkipsConflictRepairWhenDisabled(t *testing.T) {
	host := newFakeHost()
	cs := githubapi.ChangeSet{Number: 7, HeadBranch: "claude/7", Mergeable: boolPtr(false)}
	host.changeSets[7] = cs
	e := newTestEngine(host, &fakeRunner{}, &fakeEscalator{})
	e.AutoFixConflicts = false

	problems := &Problems{Conflicted: &cs}
	if err := e.RepairOne(context.Background(), problems); err != nil {
		t.Fatalf("RepairOne: %v", err)
	}
	if len(host.comments[7]) != 0 {
		t.Errorf("expected no claim activity when disabled, got %+v", host.comments[7])
	}
}

func TestRepairOne_PrecedenceOnlyTouchesConflicted(t *testing.T) {
	host := newFakeHost()
	conflicted := githubapi.ChangeSet{Number: 10, HeadBranch: "claude/10", Mergeable: boolPtr(false)}
	failing := githubapi.ChangeSet{Number: 11, HeadBranch: "claude/11"}
	stale := githubapi.ChangeSet{Number: 12, HeadBranch: "claude/12"}
	host.changeSets[10] = conflicted

	e := newTestEngine(host, &fakeRunner{}, &fakeEscalator{})
	problems := &Problems{Conflicted: &conflicted, Failing: &failing, Stale: &stale}

	if err := e.RepairOne(context.Background(), problems); err != nil {
		t.Fatalf("RepairOne: %v", err)
	}
	if len(host.comments[10]) == 0 {
		t.Error("expected claim activity on the conflicted change-set")
	}
	if len(host.comments[11]) != 0 || len(host.comments[12]) != 0 {
		t.Error("expected no claim activity on lower-precedence change-sets")
	}
}

func TestRepairKnownFailure_NoCommitMeansNoPublish(t *testing.T) {
	host := newFakeHost()
	cs := githubapi.ChangeSet{Number: 20, HeadBranch: "claude/20"}
	host.changeSets[20] = cs

	// The remedy command ("go mod tidy") genuinely runs against this
	// directory now that its exit status is propagated (see runRemedy),
	// so it needs a real, already-tidy module to succeed against.
	dir := t.TempDir()
	if err := os.WriteFile(dir+"/go.mod", []byte("module remedytest\n\ngo 1.24\n"), 0o644); err != nil {
		t.Fatalf("seeding go.mod: %v", err)
	}
	ws := workspace.NewWithRunner(workspace.Config{
		Dir: dir, Owner: "acme", Repo: "widgets", BaseBranch: "main",
	}, nil, &fakeRunner{})
	e := &Engine{
		Client: host, Workspace: ws, Escalator: &fakeEscalator{}, WorkerID: "worker-1",
		Sleep: func(ctx context.Context, d time.Duration) {}, BranchPrefix: "claude/",
		AutoFixConflicts: true, AutoFixGoMod: true, AutoFixPrecommit: true,
	}

	problems := &Problems{Failing: &cs, FailingChecks: []string{"go.mod tidy check"}}
	if err := e.RepairOne(context.Background(), problems); err != nil {
		t.Fatalf("RepairOne: %v", err)
	}
	// The claim protocol itself posts one status comment when it wins;
	// the repair logic must not add a second "applied the remedy" comment
	// since the remedy produced no commit.
	if len(host.comments[20]) != 1 {
		t.Errorf("expected only the claim status comment, got %+v", host.comments[20])
	}
}

func TestRepairKnownFailure_NoOpWhenNoClassMatches(t *testing.T) {
	host := newFakeHost()
	cs := githubapi.ChangeSet{Number: 21, HeadBranch: "claude/21"}
	host.changeSets[21] = cs
	e := newTestEngine(host, &fakeRunner{}, &fakeEscalator{})

	problems := &Problems{Failing: &cs, FailingChecks: []string{"unrelated flaky integration test"}}
	if err := e.RepairOne(context.Background(), problems); err != nil {
		t.Fatalf("RepairOne: %v", err)
	}
	if len(host.comments[21]) != 0 {
		t.Errorf("expected no claim activity when no known remedy matches, got %+v", host.comments[21])
	}
}

func TestRepairKnownFailure_PersistentRemedyFailureEscalatesAndErrors(t *testing.T) {
	host := newFakeHost()
	cs := githubapi.ChangeSet{Number: 22, HeadBranch: "claude/22", HTMLURL: "https://github.com/acme/widgets/pull/22"}
	host.changeSets[22] = cs
	escalator := &fakeEscalator{}
	e := newTestEngine(host, &fakeRunner{}, escalator)

	// newTestEngine's workspace dir ("/tmp/irrelevant") does not exist, so
	// the shelled remedy command fails deterministically on every attempt
	// regardless of what's installed in the environment running this test.
	problems := &Problems{Failing: &cs, FailingChecks: []string{"go.sum verification"}}
	err := e.RepairOne(context.Background(), problems)
	if err == nil {
		t.Fatal("expected RepairOne to propagate the persistent remedy failure")
	}
	if escalator.calls != 1 {
		t.Errorf("expected the escalator to be notified once, got %d calls", escalator.calls)
	}
}

func TestMatchKnownFailure(t *testing.T) {
	class, ok := matchKnownFailure([]string{"go.sum verification"}, true, true)
	if !ok || class.name != "dependency lockfile" {
		t.Fatalf("expected dependency lockfile class, got %+v ok=%v", class, ok)
	}

	_, ok = matchKnownFailure([]string{"go.sum verification"}, false, true)
	if ok {
		t.Error("expected no match when AUTO_FIX_GO_MOD is disabled")
	}

	class, ok = matchKnownFailure([]string{"pre-commit hooks"}, true, true)
	if !ok || class.name != "pre-commit gate" {
		t.Fatalf("expected pre-commit gate class, got %+v ok=%v", class, ok)
	}

	_, ok = matchKnownFailure([]string{"unrelated flaky test"}, true, true)
	if ok {
		t.Error("expected no match for an unrecognized check name")
	}
}

func TestIsConflictedAndIsStale(t *testing.T) {
	if !isConflicted(githubapi.ChangeSet{Mergeable: boolPtr(false)}) {
		t.Error("expected Mergeable=false to classify as conflicted")
	}
	if isConflicted(githubapi.ChangeSet{Mergeable: boolPtr(true)}) {
		t.Error("expected Mergeable=true not to classify as conflicted")
	}
	if isConflicted(githubapi.ChangeSet{}) {
		t.Error("expected undefined mergeability not to classify as conflicted")
	}

	if !isStale(githubapi.ChangeSet{UpdatedAt: time.Now().Add(-15 * 24 * time.Hour)}) {
		t.Error("expected a 15-day-old change-set to be stale")
	}
	if isStale(githubapi.ChangeSet{UpdatedAt: time.Now().Add(-2 * 24 * time.Hour)}) {
		t.Error("expected a 2-day-old change-set not to be stale")
	}
}

func TestRunRemedy_PropagatesCommandFailure(t *testing.T) {
	class := knownFailureClass{name: "always fails", command: "exit 1"}
	if err := runRemedy(context.Background(), t.TempDir(), class); err == nil {
		t.Error("expected runRemedy to propagate the command's exit status")
	}
}

func TestRunRemedy_PropagatesSuccess(t *testing.T) {
	class := knownFailureClass{name: "always succeeds", command: "true"}
	if err := runRemedy(context.Background(), t.TempDir(), class); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestClaimSleeperUnused(t *testing.T) {
	// sanity check that claim.RealSleep remains wired as the production
	// default even though tests override it with a no-op.
	var _ claim.Sleeper = claim.RealSleep
}
