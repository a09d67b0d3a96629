// Copyright 2026 The Crosstalk Authors
// SPDX-License-Identifier: Apache-2.0

package peerauth

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// LoadConfig reads an auth policy file. Policy files are hand-edited,
// so both YAML and commented JSON (JSONC) are accepted; the format is
// chosen by extension (.json/.jsonc vs anything else).
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading auth policy %s: %w", path, err)
	}

	var config Config
	switch filepath.Ext(path) {
	case ".json", ".jsonc":
		if err := json.Unmarshal(jsonc.ToJSON(data), &config); err != nil {
			return Config{}, fmt.Errorf("parsing auth policy %s: %w", path, err)
		}
	default:
		if err := yaml.Unmarshal(data, &config); err != nil {
			return Config{}, fmt.Errorf("parsing auth policy %s: %w", path, err)
		}
	}

	if err := config.Validate(); err != nil {
		return Config{}, fmt.Errorf("auth policy %s: %w", path, err)
	}
	return config, nil
}
