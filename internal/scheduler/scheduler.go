// Package scheduler implements the Phase Scheduler: the top-level loop a
// worker process runs forever, alternating between repairing its own
// owned change-sets and claiming fresh work. Grounded on the teacher's
// daemon poll loop in internal/daemon/daemon.go (ticker plus
// select-on-ctx.Done at every suspension point) and its backoff idiom in
// internal/cli/daemon.go, generalized from "poll for daemon readiness" to
// "poll for claimable work."
package scheduler

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"time"

	"github.com/coopworks/issue-worker-pool/internal/claim"
	"github.com/coopworks/issue-worker-pool/internal/config"
	"github.com/coopworks/issue-worker-pool/internal/events"
	"github.com/coopworks/issue-worker-pool/internal/githubapi"
	"github.com/coopworks/issue-worker-pool/internal/lifecycle"
	"github.com/coopworks/issue-worker-pool/internal/maintenance"
	"github.com/coopworks/issue-worker-pool/internal/subprocess"
	"github.com/coopworks/issue-worker-pool/internal/workspace"
)

// HostClient is the subset of githubapi.Client the scheduler needs,
// embedding everything the maintenance engine and claim protocol need so
// one interface covers the whole loop body.
type HostClient interface {
	maintenance.HostClient
	ListOpenWorkItemsByLabel(ctx context.Context, label string) ([]githubapi.WorkItem, githubapi.Outcome, error)
	RemoveLabel(ctx context.Context, number int, label string) (githubapi.Outcome, error)
	CreateChangeSet(ctx context.Context, in githubapi.CreateChangeSetInput) (githubapi.ChangeSet, githubapi.Outcome, error)
	RateLimitDeadline() time.Time
}

// Invoker is the subset of subprocess.Adapter the scheduler needs,
// declared as an interface so tests can script a fake code-generation CLI.
type Invoker interface {
	Invoke(ctx context.Context, prompt, workdir string, logSink io.Writer) (subprocess.Result, error)
}

// TokenSource supplies the installation token credrefresh writes into the
// subprocess's credential file. Satisfied by *identity.Cache.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

const (
	inProgressLabel  = "in-progress"
	agentCompleteLbl = "agent-complete"
	agentFailedLbl   = "agent-failed"
)

// Worker is one worker process's view of the pool: one workspace, one
// host client, one maintenance engine, run forever by Run until ctx is
// cancelled.
type Worker struct {
	Config      *config.Config
	Client      HostClient
	Workspace   *workspace.Manager
	Subprocess  Invoker
	Maintenance *maintenance.Engine
	Events      *events.Bus
	Counters    *lifecycle.Counters
	Tokens      TokenSource

	// HomeDir is where credrefresh looks for the subprocess's credential
	// file. Defaults to os.Getenv("HOME") at construction time by the
	// caller; kept explicit here so tests can point it at a temp dir.
	HomeDir        string
	MCPServerName  string
	MCPTokenEnvVar string

	// Sleep abstracts time.Sleep so tests can run the loop without
	// actually waiting out jitter and poll intervals.
	Sleep claim.Sleeper

	rng *rand.Rand
}

// New builds a Worker ready to Run.
func New(cfg *config.Config, client HostClient, ws *workspace.Manager, sub Invoker, maint *maintenance.Engine, bus *events.Bus, counters *lifecycle.Counters) *Worker {
	return &Worker{
		Config:         cfg,
		Client:         client,
		Workspace:      ws,
		Subprocess:     sub,
		Maintenance:    maint,
		Events:         bus,
		Counters:       counters,
		MCPServerName:  "github",
		MCPTokenEnvVar: "GITHUB_TOKEN",
		Sleep:          claim.RealSleep,
		rng:            rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) {
	sleep := w.Sleep
	if sleep == nil {
		sleep = claim.RealSleep
	}
	sleep(ctx, d)
}

func (w *Worker) jitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(w.rng.Int63n(int64(max)))
}

func (w *Worker) publish(e events.Event) {
	if w.Events != nil {
		w.Events.Publish(e)
	}
}

// Run executes the Phase Scheduler loop until ctx is cancelled. Every
// iteration: sleep out any active rate-limit cooldown, run one
// maintenance pass, then either repair one owned change-set or claim one
// fresh work item. Every suspension point selects on ctx.Done() so a
// shutdown signal is never blocked behind a sleep.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.Workspace.EnsureCloned(ctx); err != nil {
		return fmt.Errorf("initial clone: %w", err)
	}

	// Startup jitter so a fleet of workers restarted together doesn't
	// hammer the host API in lockstep.
	if !w.sleepCtx(ctx, w.jitter(15*time.Second)) {
		return ctx.Err()
	}

	w.publish(events.NewEvent(events.WorkerStarted, 0))

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if deadline := w.Client.RateLimitDeadline(); !deadline.IsZero() {
			if wait := time.Until(deadline); wait > 0 {
				if wait > 5*time.Minute {
					wait = 5 * time.Minute
				}
				w.publish(events.NewEvent(events.HostRateLimited, 0))
				if !w.sleepCtx(ctx, wait) {
					return ctx.Err()
				}
				continue
			}
		}

		if err := w.Workspace.ScopedClean(ctx); err != nil {
			return fmt.Errorf("scoped clean: %w", err)
		}

		problems, err := w.Maintenance.Scan(ctx)
		if err != nil {
			return fmt.Errorf("maintenance scan: %w", err)
		}
		w.publish(events.NewEvent(events.MaintenanceScanned, 0).WithPayload(map[string]int{
			"owned":      problems.OwnedCount,
			"conflicted": boolToInt(problems.Conflicted != nil),
			"failing":    boolToInt(problems.Failing != nil),
			"stale":      boolToInt(problems.Stale != nil),
		}))

		if problems.Any() {
			if err := w.Maintenance.RepairOne(ctx, problems); err != nil {
				w.publish(events.NewEvent(events.MaintenanceRepairFailed, 0).WithError(err))
			} else {
				w.publish(events.NewEvent(events.MaintenanceRepaired, 0))
			}
			if !w.sleepCtx(ctx, w.jitter(5*time.Second)) {
				return ctx.Err()
			}
			continue
		}

		if problems.OwnedCount >= w.Config.MaxOpenChangesets {
			if !w.sleepCtx(ctx, w.Config.PollInterval+w.jitter(10*time.Second)) {
				return ctx.Err()
			}
			continue
		}

		item, found, err := w.findAvailableWorkItem(ctx)
		if err != nil {
			return fmt.Errorf("finding available work item: %w", err)
		}
		if !found {
			w.publish(events.NewEvent(events.WorkerPolled, 0))
			if !w.sleepCtx(ctx, w.Config.PollInterval+w.jitter(10*time.Second)) {
				return ctx.Err()
			}
			continue
		}

		w.process(ctx, item)

		if !w.sleepCtx(ctx, w.jitter(5*time.Second)) {
			return ctx.Err()
		}
	}
}

// sleepCtx sleeps for d, returning false if ctx was cancelled first.
func (w *Worker) sleepCtx(ctx context.Context, d time.Duration) bool {
	w.sleep(ctx, d)
	return ctx.Err() == nil
}

// findAvailableWorkItem lists open work items carrying the trigger label
// and attempts the claim protocol against each in list order until one is
// won or the list is exhausted.
func (w *Worker) findAvailableWorkItem(ctx context.Context) (githubapi.WorkItem, bool, error) {
	items, outcome, err := w.Client.ListOpenWorkItemsByLabel(ctx, w.Config.TriggerLabel)
	if err != nil {
		return githubapi.WorkItem{}, false, fmt.Errorf("listing trigger-labeled items: %w", err)
	}
	if outcome != githubapi.OK {
		return githubapi.WorkItem{}, false, nil
	}

	for _, item := range items {
		won, err := claim.WorkItemClaim(ctx, w.Client, item.Number, w.Config.WorkerID, w.Sleep)
		if err != nil {
			return githubapi.WorkItem{}, false, fmt.Errorf("claiming #%d: %w", item.Number, err)
		}
		if won {
			w.publish(events.NewEvent(events.ItemClaimed, item.Number))
			return item, true, nil
		}
		w.publish(events.NewEvent(events.ClaimLost, item.Number))
	}
	return githubapi.WorkItem{}, false, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
