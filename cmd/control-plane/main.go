// Conductor control plane — the central brain that runs runbooks against
// the adapter registry under policy, approval, and budget control.
//
// Runs as a standalone binary. Serves:
//   - REST API (runbooks, policies, runs, approvals, tools, audit, billing)
//   - Tenant/project/API-key administration and role bindings
//   - SCIM v2 user provisioning (optional, gated by SCIM_ENABLED)
//   - Server-sent events for live run streaming
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/opsguard/conductor/internal/controlplane/audit/hashchain"
	"github.com/opsguard/conductor/internal/controlplane/httpapi"
	"github.com/opsguard/conductor/internal/controlplane/scim"
	"github.com/opsguard/conductor/internal/controlplane/users"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg, err := loadConfig()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	auditStore, err := hashchain.NewStore(cfg.AuditDBPath, cfg.AuditHMACSecret, 10000)
	if err != nil {
		logger.Fatal("failed to open audit store", zap.Error(err))
	}
	defer auditStore.Close()
	go auditStore.PurgeLoop(ctx, cfg.AuditRetention, time.Hour)

	usersStore, err := users.NewStore(cfg.UsersDBPath)
	if err != nil {
		logger.Fatal("failed to open users store", zap.Error(err))
	}
	defer usersStore.Close()

	server := httpapi.NewServer(logger, httpapi.Config{
		AuditHMACSecret:     cfg.AuditHMACSecret,
		ApprovalSigTTL:      cfg.ApprovalSigTTL,
		RateLimitDefaultRPS: cfg.RateLimitDefaultRPS,
		RateLimitBurst:      cfg.RateLimitBurst,
		ApprovalQueueMax:    cfg.ApprovalQueueMax,
	}, auditStore, usersStore, nil)

	if cfg.SCIMEnabled {
		server.SetSCIMHandler(scim.NewHandler(usersStore, server.Binder(), cfg.SCIMTenantID, cfg.SCIMBearerToken))
	}

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      server.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	logger.Info("starting control plane",
		zap.String("addr", cfg.ListenAddr),
		zap.String("version", version),
		zap.Bool("scim_enabled", cfg.SCIMEnabled),
	)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
}

// Config holds control plane configuration, read entirely from the
// environment per the teacher's LEGATOR_* convention, generalized with the
// run/tenant domain's own variables.
type Config struct {
	ListenAddr          string
	DataDir             string
	AuditDBPath         string
	AuditHMACSecret     []byte
	AuditRetention      time.Duration
	UsersDBPath         string
	ApprovalSigTTL      time.Duration
	ApprovalQueueMax    int
	RateLimitDefaultRPS int
	RateLimitBurst      int
	SCIMEnabled         bool
	SCIMTenantID        string
	SCIMBearerToken     string
}

func loadConfig() (*Config, error) {
	addr := os.Getenv("LEGATOR_LISTEN_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	dataDir := os.Getenv("LEGATOR_DATA_DIR")
	if dataDir == "" {
		dataDir = "/var/lib/conductor"
	}

	secret := os.Getenv("AUDIT_HMAC_SECRET")
	if secret == "" {
		secret = "dev-only-insecure-secret"
	}

	return &Config{
		ListenAddr:          addr,
		DataDir:             dataDir,
		AuditDBPath:         envOr("AUDIT_DB_PATH", dataDir+"/audit.db"),
		AuditHMACSecret:     []byte(secret),
		AuditRetention:      durationOr("AUDIT_RETENTION", 90*24*time.Hour),
		UsersDBPath:         envOr("USERS_DB_PATH", dataDir+"/users.db"),
		ApprovalSigTTL:      durationOr("APPROVAL_SIG_TTL", 15*time.Minute),
		ApprovalQueueMax:    intOr("APPROVAL_QUEUE_MAX", 1000),
		RateLimitDefaultRPS: intOr("RATE_LIMIT_DEFAULT_RPS", 10),
		RateLimitBurst:      intOr("RATE_LIMIT_BURST", 20),
		SCIMEnabled:         os.Getenv("SCIM_ENABLED") == "true",
		SCIMTenantID:        os.Getenv("SCIM_TENANT_ID"),
		SCIMBearerToken:     os.Getenv("SCIM_BEARER_TOKEN"),
	}, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func intOr(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func durationOr(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
