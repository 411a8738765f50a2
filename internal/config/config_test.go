package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("REPO", "acme/widgets")
	t.Setenv("APP_ID", "123")
	t.Setenv("APP_INSTALLATION_ID", "456")
	t.Setenv("APP_PRIVATE_KEY", "ZmFrZQ==")
}

func TestLoad_Defaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "acme/widgets", cfg.Repo)
	assert.Equal(t, defaultBranch, cfg.Branch)
	assert.Equal(t, defaultTriggerLabel, cfg.TriggerLabel)
	assert.Equal(t, defaultMaxOpenChangesets, cfg.MaxOpenChangesets)
	assert.True(t, cfg.AutoFixConflicts)
	assert.True(t, cfg.AutoFixGoMod)
	assert.True(t, cfg.AutoFixPrecommit)
	assert.NotEmpty(t, cfg.WorkerID)
	assert.Equal(t, "claude/", cfg.BranchPrefix)
}

func TestLoad_AutoFixFlagsDisabledWithLiteralFalse(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("AUTO_FIX_CONFLICTS", "false")

	cfg, err := Load()
	require.NoError(t, err)
	assert.False(t, cfg.AutoFixConflicts)
	assert.True(t, cfg.AutoFixGoMod)
}

func TestLoad_MissingRepoFails(t *testing.T) {
	t.Setenv("APP_ID", "123")
	t.Setenv("APP_INSTALLATION_ID", "456")
	t.Setenv("APP_PRIVATE_KEY", "ZmFrZQ==")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "REPO")
}

func TestLoad_BothPrivateKeySourcesIsInvalid(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("APP_PRIVATE_KEY_PATH", "/tmp/key.pem")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mutually exclusive")
}

func TestLoad_NeitherPrivateKeySourceIsInvalid(t *testing.T) {
	t.Setenv("REPO", "acme/widgets")
	t.Setenv("APP_ID", "123")
	t.Setenv("APP_INSTALLATION_ID", "456")

	_, err := Load()
	require.Error(t, err)
}

func TestLoad_WorkerIDOverride(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("WORKER_ID", "worker-42")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "worker-42", cfg.WorkerID)
}

func TestLoad_PollIntervalOverride(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("POLL_INTERVAL_SECONDS", "15")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 15*time.Second, cfg.PollInterval)
}
