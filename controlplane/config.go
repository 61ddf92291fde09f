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

// Package controlplane serves the governed action API: submission, review
// chain decisions, at-most-once dispatch, templates, metrics and health.
package controlplane

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// SchemaVersion is the submission schema generation. Bumping it closes the
// idempotent-replay window for submissions recorded under the old shape.
const SchemaVersion = 1

// Config is the service configuration, read from the environment at startup.
type Config struct {
	// Port the HTTP server listens on. Default 8090.
	Port string

	// DatabaseURL selects PostgreSQL when set; otherwise a SQLite file under
	// DataDir backs the durable store.
	DatabaseURL string

	// DataDir holds the SQLite database file. Default ./data.
	DataDir string

	// JWTSecret verifies bearer tokens. Required.
	JWTSecret string

	// TrustedOrigins is the CORS allow-list of parent origins.
	TrustedOrigins []string

	// MetricsToken, when set, is required as a bearer token on /metrics.
	MetricsToken string

	// ConnectorConfigPath points at the YAML connector configuration file.
	ConnectorConfigPath string

	// RedisAddr enables the idempotency read-through cache when set.
	RedisAddr string

	// ApprovalTTL bounds how long a pending approval stays decidable.
	ApprovalTTL time.Duration

	// SweepInterval is the cadence of the background expiry sweeper.
	SweepInterval time.Duration
}

// LoadConfig reads configuration from the environment. Only JWT_SECRET is
// mandatory; everything else has a workable default for self-hosted use.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Port:                envOr("PORT", "8090"),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		DataDir:             envOr("PJ_DATA_DIR", "./data"),
		JWTSecret:           os.Getenv("JWT_SECRET"),
		MetricsToken:        os.Getenv("METRICS_TOKEN"),
		ConnectorConfigPath: os.Getenv("PJ_CONNECTOR_CONFIG"),
		RedisAddr:           os.Getenv("REDIS_ADDR"),
		ApprovalTTL:         durationEnv("PJ_APPROVAL_TTL", 24*time.Hour),
		SweepInterval:       durationEnv("PJ_SWEEP_INTERVAL", time.Minute),
	}

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	if origins := os.Getenv("PJ_TRUSTED_ORIGINS"); origins != "" {
		for _, origin := range strings.Split(origins, ",") {
			origin = strings.TrimSpace(origin)
			if origin != "" {
				cfg.TrustedOrigins = append(cfg.TrustedOrigins, origin)
			}
		}
	}
	if len(cfg.TrustedOrigins) == 0 {
		cfg.TrustedOrigins = []string{"http://localhost:3000"}
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func durationEnv(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
