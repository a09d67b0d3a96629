// Copyright 2026 The Crosstalk Authors
// SPDX-License-Identifier: Apache-2.0

package peerauth

import (
	"fmt"
	"log/slog"
	"strings"
)

// Team maps OS-level identities to a permitted agent-name namespace.
// A team matches a peer when the peer's uid appears in AllowedUIDs or
// its gid appears in AllowedGIDs.
type Team struct {
	// Name identifies the team in configuration and logs.
	Name string `yaml:"name" json:"name"`

	// AllowedUIDs are the user IDs belonging to this team.
	AllowedUIDs []uint32 `yaml:"allowed_uids" json:"allowed_uids"`

	// AllowedGIDs are the group IDs belonging to this team.
	AllowedGIDs []uint32 `yaml:"allowed_gids" json:"allowed_gids"`

	// RequiredPrefix, when set, restricts the team's agents to names
	// starting with this prefix (e.g., "ci/"). An empty prefix admits
	// any name; AllowAnyName makes that intent explicit.
	RequiredPrefix string `yaml:"required_prefix" json:"required_prefix"`

	// AllowAnyName skips the prefix check entirely for this team.
	AllowAnyName bool `yaml:"allow_any_name" json:"allow_any_name"`
}

// matches reports whether creds belong to this team.
func (t Team) matches(creds Credentials) bool {
	for _, uid := range t.AllowedUIDs {
		if uid == creds.UID {
			return true
		}
	}
	for _, gid := range t.AllowedGIDs {
		if gid == creds.GID {
			return true
		}
	}
	return false
}

// checkName verifies name against the team's namespace rules.
func (t Team) checkName(name string) error {
	if t.AllowAnyName {
		return nil
	}
	if !strings.HasPrefix(name, t.RequiredPrefix) {
		return fmt.Errorf("agent name %q is not permitted for team %q: required prefix %q",
			name, t.Name, t.RequiredPrefix)
	}
	return nil
}

// Config is the process-wide authentication configuration, loaded once
// at daemon start and read-only thereafter.
type Config struct {
	// Enabled turns team validation on. When false every hello is
	// accepted as-is.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Teams are evaluated in order; the first match wins.
	Teams []Team `yaml:"teams" json:"teams"`

	// DefaultTeam names the team applied to peers that match no team,
	// and to peers whose credentials could not be resolved at all
	// (degraded isolation, logged loudly). Empty means fail closed in
	// both cases.
	DefaultTeam string `yaml:"default_team" json:"default_team"`

	// TLS configures the optional network listener's certificates.
	TLS TLSConfig `yaml:"tls" json:"tls"`
}

// team returns the named team, or nil.
func (c Config) team(name string) *Team {
	for i := range c.Teams {
		if c.Teams[i].Name == name {
			return &c.Teams[i]
		}
	}
	return nil
}

// Validate checks referential integrity: a configured default team
// must exist.
func (c Config) Validate() error {
	if c.DefaultTeam != "" && c.team(c.DefaultTeam) == nil {
		return fmt.Errorf("default team %q is not defined", c.DefaultTeam)
	}
	seen := make(map[string]bool, len(c.Teams))
	for _, team := range c.Teams {
		if team.Name == "" {
			return fmt.Errorf("team with empty name")
		}
		if seen[team.Name] {
			return fmt.Errorf("duplicate team %q", team.Name)
		}
		seen[team.Name] = true
	}
	return nil
}

// Validator applies the team configuration to handshake attempts. Safe
// for concurrent use; the configuration is immutable after
// construction.
type Validator struct {
	config Config
	logger *slog.Logger
}

// NewValidator builds a Validator over config. The logger is used for
// degraded-isolation warnings.
func NewValidator(config Config, logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{config: config, logger: logger}
}

// ValidateAgentName decides whether a peer with the given credentials
// may claim name. Returns the granting team's name (empty when auth is
// disabled) or a descriptive error. The error text is sent to the peer
// in a fatal error envelope, so it names the specific rule that
// failed.
//
// creds == nil means the peer's identity could not be resolved. That
// path only succeeds when a default team is configured, and it is
// logged as degraded isolation every time.
func (v *Validator) ValidateAgentName(name string, creds *Credentials) (string, error) {
	if !v.config.Enabled {
		return "", nil
	}
	if name == "" {
		return "", fmt.Errorf("agent name must not be empty")
	}

	if creds == nil {
		defaultTeam := v.config.team(v.config.DefaultTeam)
		if defaultTeam == nil {
			return "", fmt.Errorf("peer credentials unavailable and no default team configured")
		}
		v.logger.Warn("peer credentials unavailable, applying default team with degraded isolation",
			"agent", name,
			"team", defaultTeam.Name,
		)
		if err := defaultTeam.checkName(name); err != nil {
			return "", err
		}
		return defaultTeam.Name, nil
	}

	for _, team := range v.config.Teams {
		if !team.matches(*creds) {
			continue
		}
		if err := team.checkName(name); err != nil {
			return "", err
		}
		return team.Name, nil
	}

	if defaultTeam := v.config.team(v.config.DefaultTeam); defaultTeam != nil {
		if err := defaultTeam.checkName(name); err != nil {
			return "", err
		}
		return defaultTeam.Name, nil
	}

	return "", fmt.Errorf("no team permits uid=%d gid=%d", creds.UID, creds.GID)
}
