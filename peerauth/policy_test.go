// Copyright 2026 The Crosstalk Authors
// SPDX-License-Identifier: Apache-2.0

package peerauth

import (
	"os"
	"path/filepath"
	"testing"
)

func writePolicyFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
	return path
}

func TestLoadConfigYAML(t *testing.T) {
	path := writePolicyFile(t, "auth.yaml", `
enabled: true
default_team: dev
teams:
  - name: ci
    allowed_uids: [1001]
    required_prefix: "ci/"
  - name: dev
    allowed_gids: [2000]
    allow_any_name: true
`)

	config, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if !config.Enabled {
		t.Error("Enabled = false, want true")
	}
	if config.DefaultTeam != "dev" {
		t.Errorf("DefaultTeam = %q, want dev", config.DefaultTeam)
	}
	if len(config.Teams) != 2 {
		t.Fatalf("len(Teams) = %d, want 2", len(config.Teams))
	}
	if got := config.Teams[0].RequiredPrefix; got != "ci/" {
		t.Errorf("Teams[0].RequiredPrefix = %q, want ci/", got)
	}
	if got := config.Teams[1].AllowedGIDs; len(got) != 1 || got[0] != 2000 {
		t.Errorf("Teams[1].AllowedGIDs = %v, want [2000]", got)
	}
}

func TestLoadConfigJSONC(t *testing.T) {
	path := writePolicyFile(t, "auth.jsonc", `{
	// Comments are allowed in hand-edited policy files.
	"enabled": true,
	"teams": [
		{"name": "ci", "allowed_uids": [1001], "required_prefix": "ci/"},
	],
}`)

	config, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if len(config.Teams) != 1 || config.Teams[0].Name != "ci" {
		t.Errorf("Teams = %+v, want single ci team", config.Teams)
	}
}

func TestLoadConfigRejectsInvalidPolicy(t *testing.T) {
	path := writePolicyFile(t, "auth.yaml", `
enabled: true
default_team: ghost
teams:
  - name: ci
`)
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("policy with undefined default team was accepted")
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("missing policy file was accepted")
	}
}
