// Copyright 2025 PuddleJumper
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads per-connector configuration from a YAML file. The
// engine treats connector settings as opaque; this package only gives them a
// shape and expands ${VAR} references from the environment so credentials
// stay out of the file.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// File is the root structure of a connector configuration file.
type File struct {
	Version    string               `yaml:"version"`
	Connectors map[string]Connector `yaml:"connectors"`
}

// Connector configures one named dispatcher handler.
type Connector struct {
	Type        string            `yaml:"type"`
	Enabled     bool              `yaml:"enabled"`
	DisplayName string            `yaml:"display_name,omitempty"`
	Endpoint    string            `yaml:"endpoint,omitempty"`
	Credentials map[string]string `yaml:"credentials,omitempty"`
	TimeoutMs   int               `yaml:"timeout_ms,omitempty"`
	MaxAttempts int               `yaml:"max_attempts,omitempty"`
	BaseDelayMs int               `yaml:"base_delay_ms,omitempty"`
}

// Timeout returns the configured HTTP timeout, defaulting to 30s.
func (c Connector) Timeout() time.Duration {
	if c.TimeoutMs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses a connector configuration file, expanding ${VAR}
// references against the process environment. Unset variables expand to the
// empty string.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read connector config %s: %w", path, err)
	}

	expanded := envVarPattern.ReplaceAllStringFunc(string(data), func(match string) string {
		name := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(name)
	})

	var file File
	if err := yaml.Unmarshal([]byte(expanded), &file); err != nil {
		return nil, fmt.Errorf("failed to parse connector config: %w", err)
	}
	return &file, nil
}
