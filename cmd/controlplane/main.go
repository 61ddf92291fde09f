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

// Package main is the entry point for the PuddleJumper control plane.
//
// The control plane interposes human-in-the-loop approval between operator
// requests and execution against external connectors:
// - Authorizes submissions against roles, permissions and delegations
// - Parks governed actions behind pending approvals with review chains
// - Dispatches approved plans exactly once via registered connectors
// - Exposes Prometheus metrics for the full lifecycle
//
// Usage:
//
//	./controlplane
//
// Environment Variables:
//
//	PORT - HTTP server port (default: 8090)
//	JWT_SECRET - secret for bearer token validation (required)
//	DATABASE_URL - PostgreSQL connection string (default: SQLite in PJ_DATA_DIR)
//	PJ_DATA_DIR - durable data directory for the SQLite store (default: ./data)
//	PJ_TRUSTED_ORIGINS - comma-separated CORS allow-list
//	PJ_CONNECTOR_CONFIG - path to the connector YAML configuration
//	METRICS_TOKEN - optional bearer token required on /metrics
//	REDIS_ADDR - optional Redis address for the idempotency cache
package main

import (
	"log"

	"puddlejumper/platform/controlplane"
)

func main() {
	if err := controlplane.Run(); err != nil {
		log.Fatalf("controlplane: %v", err)
	}
}
