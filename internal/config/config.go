// Package config loads and validates worker configuration from the process
// environment. Load reads each variable with a plain os.Getenv call rather
// than pulling in a full config framework for a handful of flat variables,
// then applies the optional .worker.yaml overlay from the working
// directory when that file exists (see overlay.go).
package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

// Config holds the full set of recognized worker inputs.
type Config struct {
	Repo         string // "owner/name"
	Branch       string
	TriggerLabel string

	PollInterval      time.Duration
	MaxOpenChangesets int

	AutoFixConflicts  bool
	AutoFixGoMod      bool
	AutoFixPrecommit  bool

	AppID             int64
	AppInstallationID int64
	AppPrivateKey     string // base64-encoded PEM, inline
	AppPrivateKeyPath string // filesystem path, mutually exclusive with AppPrivateKey

	WorkerID string

	LogLevel string

	// BranchPrefix is the reserved prefix for branches this pool owns.
	// Fixed at build time, not read from the environment, kept here so
	// every component can reference one source of truth.
	BranchPrefix string

	ClaudeCommand string

	// EscalationBackends selects which escalate.Escalator sinks fire on an
	// unresolvable conflict. Empty defaults to a terminal-only escalator.
	EscalationBackends []string
	SlackWebhookURL    string
	EscalationWebhook  string

	HomeDir string
}

const (
	defaultBranch            = "main"
	defaultTriggerLabel      = "agent-ready"
	defaultPollInterval      = 60 * time.Second
	defaultMaxOpenChangesets = 3
	defaultLogLevel          = "info"
	defaultBranchPrefix      = "claude/"
	defaultClaudeCommand     = "claude"
)

// Load reads, defaults, and validates configuration from the process
// environment. A non-nil error is always a fatal startup condition: there
// is no partial-config mode, the worker fails fast before doing anything.
func Load() (*Config, error) {
	cfg := &Config{
		Repo:              os.Getenv("REPO"),
		Branch:            envOrDefault("BRANCH", defaultBranch),
		TriggerLabel:      envOrDefault("TRIGGER_LABEL", defaultTriggerLabel),
		AutoFixConflicts:  envBoolDefaultTrue("AUTO_FIX_CONFLICTS"),
		AutoFixGoMod:      envBoolDefaultTrue("AUTO_FIX_GO_MOD"),
		AutoFixPrecommit:  envBoolDefaultTrue("AUTO_FIX_PRECOMMIT"),
		AppPrivateKey:     os.Getenv("APP_PRIVATE_KEY"),
		AppPrivateKeyPath: os.Getenv("APP_PRIVATE_KEY_PATH"),
		LogLevel:          envOrDefault("LOG_LEVEL", defaultLogLevel),
		BranchPrefix:      defaultBranchPrefix,
		ClaudeCommand:     envOrDefault("CLAUDE_CLI_COMMAND", defaultClaudeCommand),
		SlackWebhookURL:   os.Getenv("SLACK_WEBHOOK_URL"),
		EscalationWebhook: os.Getenv("ESCALATION_WEBHOOK_URL"),
		HomeDir:           os.Getenv("HOME"),
	}
	if v := os.Getenv("ESCALATION_BACKENDS"); v != "" {
		cfg.EscalationBackends = strings.Split(v, ",")
	}

	cfg.PollInterval = defaultPollInterval
	if v := os.Getenv("POLL_INTERVAL_SECONDS"); v != "" {
		secs, err := parsePositiveInt(v)
		if err != nil {
			return nil, &ValidationError{Field: "POLL_INTERVAL_SECONDS", Value: v, Message: "must be a positive integer"}
		}
		cfg.PollInterval = time.Duration(secs) * time.Second
	}

	cfg.MaxOpenChangesets = defaultMaxOpenChangesets
	if v := os.Getenv("MAX_OPEN_CHANGESETS"); v != "" {
		n, err := parsePositiveInt(v)
		if err != nil {
			return nil, &ValidationError{Field: "MAX_OPEN_CHANGESETS", Value: v, Message: "must be a positive integer"}
		}
		cfg.MaxOpenChangesets = n
	}

	if v := os.Getenv("APP_ID"); v != "" {
		n, err := parsePositiveInt64(v)
		if err != nil {
			return nil, &ValidationError{Field: "APP_ID", Value: v, Message: "must be numeric"}
		}
		cfg.AppID = n
	}
	if v := os.Getenv("APP_INSTALLATION_ID"); v != "" {
		n, err := parsePositiveInt64(v)
		if err != nil {
			return nil, &ValidationError{Field: "APP_INSTALLATION_ID", Value: v, Message: "must be numeric"}
		}
		cfg.AppInstallationID = n
	}

	cfg.WorkerID = os.Getenv("WORKER_ID")
	if cfg.WorkerID == "" {
		cfg.WorkerID = deriveWorkerID()
	}

	// Optional local-dev overlay; never required, never overrides anything
	// already set from a real environment variable.
	if err := applyOverlayFile(cfg, ".worker.yaml"); err != nil {
		return nil, fmt.Errorf("reading .worker.yaml: %w", err)
	}

	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// envBoolDefaultTrue defaults true; the flag is disabled only by the
// literal string "false".
func envBoolDefaultTrue(key string) bool {
	return os.Getenv(key) != "false"
}

func parsePositiveInt(s string) (int, error) {
	var n int
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil || n <= 0 {
		return 0, errors.New("not a positive integer")
	}
	return n, nil
}

func parsePositiveInt64(s string) (int64, error) {
	var n int64
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil || n <= 0 {
		return 0, errors.New("not a positive integer")
	}
	return n, nil
}

// deriveWorkerID falls back to the container hostname, else a random
// 4-byte hex string.
func deriveWorkerID() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "worker-unknown"
	}
	return hex.EncodeToString(b)
}
