package config

import (
	"errors"
	"fmt"
	"strings"
)

// ValidationError describes one invalid or missing config field.
type ValidationError struct {
	Field   string
	Value   any
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config.%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// validateConfig checks required fields and mutual-exclusion constraints.
// Returns a joined error (errors.Join) covering every failure at once, so a
// misconfigured deployment gets the full list on the first failed start
// instead of one field at a time.
func validateConfig(cfg *Config) error {
	var errs []error

	if cfg.Repo == "" {
		errs = append(errs, &ValidationError{Field: "REPO", Value: cfg.Repo, Message: "is required"})
	} else if !strings.Contains(cfg.Repo, "/") {
		errs = append(errs, &ValidationError{Field: "REPO", Value: cfg.Repo, Message: "must be in owner/name form"})
	}

	if cfg.AppID <= 0 {
		errs = append(errs, &ValidationError{Field: "APP_ID", Value: cfg.AppID, Message: "is required"})
	}
	if cfg.AppInstallationID <= 0 {
		errs = append(errs, &ValidationError{Field: "APP_INSTALLATION_ID", Value: cfg.AppInstallationID, Message: "is required"})
	}

	hasInline := cfg.AppPrivateKey != ""
	hasPath := cfg.AppPrivateKeyPath != ""
	switch {
	case !hasInline && !hasPath:
		errs = append(errs, &ValidationError{
			Field: "APP_PRIVATE_KEY", Message: "exactly one of APP_PRIVATE_KEY or APP_PRIVATE_KEY_PATH is required",
		})
	case hasInline && hasPath:
		errs = append(errs, &ValidationError{
			Field: "APP_PRIVATE_KEY", Message: "APP_PRIVATE_KEY and APP_PRIVATE_KEY_PATH are mutually exclusive",
		})
	}

	return errors.Join(errs...)
}
