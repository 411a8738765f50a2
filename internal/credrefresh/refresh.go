// Package credrefresh keeps the code-generation CLI's MCP credential file
// pointed at the worker's current installation token. The subprocess
// reads this file itself; the worker's job is only to make sure it's
// fresh immediately before each invocation.
package credrefresh

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const defaultConfigName = ".claude.json"

// mcpServerEntry is the subset of one mcpServers.<name> entry this
// package touches. Unknown top-level keys in the surrounding document
// are preserved via json.RawMessage so a refresh never clobbers fields
// the CLI itself manages.
type mcpServerEntry struct {
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// Refresh ensures homeDir/.claude.json (or the path override) has an
// mcpServers.<serverName> entry whose envVar is set to token, creating
// the file and the entry if either is missing. Errors are expected to be
// logged and ignored by the caller — a stale or missing credential file
// degrades the subprocess invocation, it doesn't fail the worker.
func Refresh(homeDir, serverName, envVar, token string) error {
	path := filepath.Join(homeDir, defaultConfigName)
	return RefreshPath(path, serverName, envVar, token)
}

// RefreshPath is Refresh with an explicit file path, split out for tests.
func RefreshPath(path, serverName, envVar, token string) error {
	raw, err := readExistingOrEmpty(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	var servers map[string]mcpServerEntry
	if existing, ok := doc["mcpServers"]; ok {
		if err := json.Unmarshal(existing, &servers); err != nil {
			return fmt.Errorf("parsing mcpServers in %s: %w", path, err)
		}
	}
	if servers == nil {
		servers = make(map[string]mcpServerEntry)
	}

	entry := servers[serverName]
	if entry.Env == nil {
		entry.Env = make(map[string]string)
	}
	entry.Env[envVar] = token
	servers[serverName] = entry

	updated, err := json.Marshal(servers)
	if err != nil {
		return fmt.Errorf("marshaling mcpServers: %w", err)
	}
	doc["mcpServers"] = updated

	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", path, err)
	}

	return writeAtomic(path, out)
}

func readExistingOrEmpty(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []byte("{}"), nil
		}
		return nil, err
	}
	return data, nil
}

// writeAtomic writes to a temp file in the same directory and renames it
// into place, so a crash mid-write never leaves a truncated config behind.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".claude-json-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming into place: %w", err)
	}
	return nil
}
