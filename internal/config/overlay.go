package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

// overlay mirrors the env vars a developer might want to pre-seed locally
// (e.g. for pointing the scheduler at a fake host in an offline test run).
// Load applies it whenever the file is present; any field already set from
// the real environment always wins.
type overlay struct {
	Repo         string `yaml:"repo"`
	Branch       string `yaml:"branch"`
	TriggerLabel string `yaml:"trigger_label"`
	ClaudeCmd    string `yaml:"claude_command"`
}

// applyOverlayFile reads a YAML sidecar at path (if it exists), fills in
// Repo when it is still empty, and replaces the Branch, TriggerLabel and
// ClaudeCommand defaults when their environment variables are unset. A
// missing file is not an error.
func applyOverlayFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var o overlay
	if err := yaml.Unmarshal(data, &o); err != nil {
		return err
	}

	if cfg.Repo == "" {
		cfg.Repo = o.Repo
	}
	if o.Branch != "" && os.Getenv("BRANCH") == "" {
		cfg.Branch = o.Branch
	}
	if o.TriggerLabel != "" && os.Getenv("TRIGGER_LABEL") == "" {
		cfg.TriggerLabel = o.TriggerLabel
	}
	if o.ClaudeCmd != "" && os.Getenv("CLAUDE_CLI_COMMAND") == "" {
		cfg.ClaudeCommand = o.ClaudeCmd
	}
	return nil
}
