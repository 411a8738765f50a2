// Command worker runs one Autonomous Issue Worker Pool process: a single
// scheduler loop bound to one repository, configured entirely from the
// process environment (see internal/config). There is no subcommand tree
// here — unlike the daemon this pool's worker idiom is descended from,
// there is exactly one mode, meant to run as one container per replica
// under an orchestrator that already owns start/stop/restart.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/coopworks/issue-worker-pool/internal/claim"
	"github.com/coopworks/issue-worker-pool/internal/config"
	"github.com/coopworks/issue-worker-pool/internal/escalate"
	"github.com/coopworks/issue-worker-pool/internal/events"
	"github.com/coopworks/issue-worker-pool/internal/githubapi"
	"github.com/coopworks/issue-worker-pool/internal/identity"
	"github.com/coopworks/issue-worker-pool/internal/lifecycle"
	"github.com/coopworks/issue-worker-pool/internal/logging"
	"github.com/coopworks/issue-worker-pool/internal/maintenance"
	"github.com/coopworks/issue-worker-pool/internal/scheduler"
	"github.com/coopworks/issue-worker-pool/internal/subprocess"
	"github.com/coopworks/issue-worker-pool/internal/workspace"
)

const workspaceDir = "/tmp/issue-worker-pool/workspace"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "worker: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log := logging.New(cfg.LogLevel)

	owner, repo, err := splitRepo(cfg.Repo)
	if err != nil {
		return err
	}

	tokens, err := identity.Load(cfg.AppID, cfg.AppInstallationID, cfg.AppPrivateKey, cfg.AppPrivateKeyPath)
	if err != nil {
		return fmt.Errorf("loading app credentials: %w", err)
	}

	client := githubapi.New(githubapi.Config{Owner: owner, Repo: repo}, tokens)

	ws := workspace.New(workspace.Config{
		Dir:        workspaceDir,
		Owner:      owner,
		Repo:       repo,
		BaseBranch: cfg.Branch,
	}, tokens)

	escalator, err := escalate.FromConfig(escalate.Config{
		Backends:     cfg.EscalationBackends,
		SlackWebhook: cfg.SlackWebhookURL,
		WebhookURL:   cfg.EscalationWebhook,
	})
	if err != nil {
		return fmt.Errorf("configuring escalation: %w", err)
	}

	maint := &maintenance.Engine{
		Client:           client,
		Workspace:        ws,
		Escalator:        escalator,
		WorkerID:         cfg.WorkerID,
		Sleep:            claim.RealSleep,
		BranchPrefix:     cfg.BranchPrefix,
		AutoFixConflicts: cfg.AutoFixConflicts,
		AutoFixGoMod:     cfg.AutoFixGoMod,
		AutoFixPrecommit: cfg.AutoFixPrecommit,
	}

	bus := events.NewBus()
	// Human-readable trace on stderr, in the shape an operator tails
	// alongside the structured zerolog output below.
	bus.Subscribe(events.LogHandler(events.LogConfig{Writer: os.Stderr, IncludePayload: true}))
	// Structured copy of the same stream, one JSON object per line, for an
	// external aggregator to pick up without parsing the text trace.
	bus.Subscribe(func(e events.Event) {
		line, err := json.Marshal(events.ToJSONEvent(e))
		if err != nil {
			return
		}
		logEvt := log.Info()
		if e.IsFailure() {
			logEvt = log.Warn()
		}
		logEvt.RawJSON("event", line).Send()
	})

	counters := &lifecycle.Counters{}
	sub := subprocess.New(cfg.ClaudeCommand)

	worker := scheduler.New(cfg, client, ws, sub, maint, bus, counters)
	worker.Tokens = tokens
	worker.HomeDir = cfg.HomeDir

	ctx, cancel := context.WithCancel(context.Background())
	handler := lifecycle.NewSignalHandler(cancel)
	handler.OnShutdown(func() {
		log.Info().Str("summary", counters.String()).Msg("shutting down")
	})
	handler.Start()
	defer handler.Stop()

	log.Info().Str("repo", cfg.Repo).Str("worker_id", cfg.WorkerID).Msg("worker starting")

	if err := worker.Run(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("scheduler loop: %w", err)
	}

	log.Info().Str("summary", counters.String()).Msg("worker stopped")
	return nil
}

func splitRepo(repo string) (owner, name string, err error) {
	parts := strings.SplitN(repo, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("REPO %q must be in owner/name form", repo)
	}
	return parts[0], parts[1], nil
}
