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

package controlplane

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/rs/cors"
	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"puddlejumper/platform/approval"
	"puddlejumper/platform/connectors/config"
	"puddlejumper/platform/connectors/github"
	"puddlejumper/platform/connectors/webhook"
	"puddlejumper/platform/dispatch"
	"puddlejumper/platform/metrics"
	"puddlejumper/platform/shared/logger"
)

// Server binds the stores, the dispatcher and the metrics registry to the
// HTTP surface. One instance per process.
type Server struct {
	cfg      *Config
	log      *logger.Logger
	db       *sql.DB
	store    *approval.Store
	chains   *approval.ChainStore
	idem     *approval.IdempotencyStore
	registry *dispatch.Registry
	executor *dispatch.Executor
	metrics  *metrics.Registry
}

// NewServer wires a server over an open, migrated database handle. The
// dispatcher registry is expected to be fully populated; registration after
// startup is not supported.
func NewServer(cfg *Config, db *sql.DB, cache *redis.Client, registry *dispatch.Registry, reg *metrics.Registry, log *logger.Logger) *Server {
	store := approval.NewStore(db)
	return &Server{
		cfg:      cfg,
		log:      log,
		db:       db,
		store:    store,
		chains:   approval.NewChainStore(db),
		idem:     approval.NewIdempotencyStore(db, cache, cfg.ApprovalTTL),
		registry: registry,
		executor: dispatch.NewExecutor(registry, store, reg, log),
		metrics:  reg,
	}
}

// Store exposes the approval store for the expiry sweeper and tests.
func (s *Server) Store() *approval.Store { return s.store }

// Chains exposes the chain store for startup seeding and tests.
func (s *Server) Chains() *approval.ChainStore { return s.chains }

// Router builds the full route table under the /api prefix, with metrics and
// health probes at the root.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.HandleFunc("/ready", s.handleReady).Methods("GET")
	r.HandleFunc("/metrics", s.handleMetrics).Methods("GET")

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/pj/execute", s.requireAuth(s.handleExecute)).Methods("POST")

	api.HandleFunc("/approvals", s.requireAuth(s.handleListApprovals)).Methods("GET")
	api.HandleFunc("/approvals/count/pending", s.requireAuth(s.handleCountPending)).Methods("GET")
	api.HandleFunc("/approvals/{id}", s.requireAuth(s.handleGetApproval)).Methods("GET")
	api.HandleFunc("/approvals/{id}/decide", s.requireAuth(s.handleDecide)).Methods("POST")
	api.HandleFunc("/approvals/{id}/dispatch", s.requireAuth(s.handleDispatch)).Methods("POST")
	api.HandleFunc("/approvals/{id}/chain", s.requireAuth(s.handleGetChain)).Methods("GET")

	api.HandleFunc("/chain-templates", s.requireAuth(s.handleListTemplates)).Methods("GET")
	api.HandleFunc("/chain-templates", s.requireAdmin(s.handleCreateTemplate)).Methods("POST")
	api.HandleFunc("/chain-templates/{id}", s.requireAuth(s.handleGetTemplate)).Methods("GET")
	api.HandleFunc("/chain-templates/{id}", s.requireAdmin(s.handleUpdateTemplate)).Methods("PUT")
	api.HandleFunc("/chain-templates/{id}", s.requireAdmin(s.handleDeleteTemplate)).Methods("DELETE")

	api.HandleFunc("/connectors/health", s.requireAuth(s.handleConnectorHealth)).Methods("GET")

	return r
}

// sweep runs the background expiry loop: pending approvals past their TTL
// move to expired, stale idempotency entries are purged, and the pending
// gauges are refreshed.
func (s *Server) sweep(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expired, err := s.store.ExpirePending(ctx)
			if err != nil {
				s.log.Error("", "", "expiry sweep failed", map[string]interface{}{"error": err.Error()})
				continue
			}
			if expired > 0 {
				s.metrics.Increment(metrics.ApprovalsExpiredTotal, float64(expired))
				s.log.Info("", "", "expired pending approvals", map[string]interface{}{"count": expired})
			}
			if purged, err := s.idem.PurgeExpired(ctx); err == nil && purged > 0 {
				s.log.Info("", "", "purged idempotency entries", map[string]interface{}{"count": purged})
			}
			s.refreshGauges(ctx)
		}
	}
}

// OpenDatabase opens the durable store: PostgreSQL when DATABASE_URL is set,
// otherwise a SQLite file under the data directory.
func OpenDatabase(cfg *Config) (*sql.DB, error) {
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres: %w", err)
		}
		db.SetMaxOpenConns(25)
		return db, nil
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	dsn := "file:" + filepath.Join(cfg.DataDir, "controlplane.db") +
		"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	// SQLite serializes writes; one connection avoids lock contention across
	// the pool.
	db.SetMaxOpenConns(1)
	return db, nil
}

// BuildRegistry registers a dispatcher handler for every enabled connector in
// the YAML configuration. An empty path yields an empty registry: plans that
// reference connectors are then skipped with "No dispatcher registered".
func BuildRegistry(path string, log *logger.Logger) (*dispatch.Registry, error) {
	registry := dispatch.NewRegistry()
	if path == "" {
		return registry, nil
	}

	file, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	for name, conn := range file.Connectors {
		if !conn.Enabled {
			continue
		}

		var handler dispatch.Handler
		switch conn.Type {
		case github.ConnectorName:
			handler = github.New(conn.Endpoint, conn.Credentials["token"], conn.Timeout())
		case webhook.ConnectorName:
			handler = webhook.New(conn.Endpoint, conn.Credentials["secret"], conn.Timeout())
		default:
			log.Warn("", "", "unknown connector type, skipping", map[string]interface{}{
				"connector": name,
				"type":      conn.Type,
			})
			continue
		}

		var policy *dispatch.RetryPolicy
		if conn.MaxAttempts > 0 {
			policy = &dispatch.RetryPolicy{
				MaxAttempts: conn.MaxAttempts,
				BaseDelay:   time.Duration(conn.BaseDelayMs) * time.Millisecond,
			}
		}
		registry.Register(handler, policy)
		log.Info("", "", "connector registered", map[string]interface{}{
			"connector": handler.ConnectorName(),
			"type":      conn.Type,
		})
	}

	return registry, nil
}

// Run boots the control plane and blocks until SIGINT or SIGTERM.
func Run() error {
	log := logger.New("controlplane")

	cfg, err := LoadConfig()
	if err != nil {
		return err
	}

	db, err := OpenDatabase(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := approval.Migrate(ctx, db); err != nil {
		return err
	}

	var cache *redis.Client
	if cfg.RedisAddr != "" {
		cache = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer func() { _ = cache.Close() }()
	}

	registry, err := BuildRegistry(cfg.ConnectorConfigPath, log)
	if err != nil {
		return err
	}

	reg := metrics.NewRegistry()
	metrics.RegisterCatalog(reg)

	server := NewServer(cfg, db, cache, registry, reg, log)
	if err := server.chains.EnsureDefaultTemplate(ctx); err != nil {
		return err
	}
	server.refreshGauges(ctx)

	go server.sweep(ctx)

	c := cors.New(cors.Options{
		AllowedOrigins:   cfg.TrustedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", CSRFHeader},
		AllowCredentials: true,
	})

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      c.Handler(server.Router()),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("", "", "control plane listening", map[string]interface{}{"port": cfg.Port})
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("", "", "shutting down", nil)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
