package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"qilbeedb.org/internal/audit"
	"qilbeedb.org/internal/auth"
	"qilbeedb.org/internal/bootstrap"
	"qilbeedb.org/internal/config"
	"qilbeedb.org/internal/httpapi"
	"qilbeedb.org/internal/obs"
	"qilbeedb.org/internal/ratelimit"
	"qilbeedb.org/internal/store/pg"
)

var (
	version = "0.3.0"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)
	cfg := config.Load()

	if cfg.SigningSecret == "" {
		log.Fatalf("QILBEE_AUTH_SECRET is required")
	}

	ctx := context.Background()

	// User store: Postgres when a DSN is configured, in-memory otherwise.
	var users auth.UserStore = auth.NewMemoryUserStore()
	var pgStore *pg.Store
	if cfg.PostgresDSN != "" {
		var err error
		pgStore, err = pg.Open(cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		if err := pgStore.Migrate(ctx); err != nil {
			log.Fatalf("migrate: %v", err)
		}
		users = pgStore
	}

	codec, err := auth.NewCodec(cfg.SigningSecret,
		auth.WithIssuer(cfg.TokenIssuer),
		auth.WithAccessTTL(cfg.AccessTTL),
		auth.WithRefreshTTL(cfg.RefreshTTL),
	)
	if err != nil {
		log.Fatalf("token codec: %v", err)
	}
	blacklist, err := auth.NewBlacklist(cfg.BlacklistPath)
	if err != nil {
		log.Fatalf("token blacklist: %v", err)
	}
	lockout := auth.NewLockoutService(auth.LockoutConfig{
		MaxAttempts:     cfg.LockoutMaxAttempts,
		AttemptWindow:   cfg.LockoutAttemptWindow,
		InitialDuration: cfg.LockoutInitialDuration,
		Multiplier:      cfg.LockoutMultiplier,
		MaxDuration:     cfg.LockoutMaxDuration,
	})
	apikeys := auth.NewAPIKeyStore(auth.WithAPIKeyPrefix(cfg.APIKeyPrefix))

	authSvc, err := auth.NewService(users, auth.NewEngine(), codec, blacklist, lockout, apikeys)
	if err != nil {
		log.Fatalf("auth service: %v", err)
	}

	auditOpts := []audit.Option{
		audit.WithCapacity(cfg.AuditCapacity),
		audit.WithRetention(cfg.AuditRetention),
	}
	if cfg.AuditLogPath != "" {
		auditOpts = append(auditOpts, audit.WithFile(cfg.AuditLogPath, cfg.AuditMaxFileSize))
	}
	auditSvc, err := audit.New(auditOpts...)
	if err != nil {
		log.Fatalf("audit service: %v", err)
	}

	limits := ratelimit.New()
	limits.SeedDefaults("system")

	// Bootstrap: configured credentials, interactive prompt, or fail fast.
	// The server never starts without an admin account.
	boot := bootstrap.New(cfg.BootstrapStatePath, authSvc, auditSvc)
	state, err := boot.Run(ctx, bootstrap.Credentials{
		Username: cfg.AdminUsername,
		Email:    cfg.AdminEmail,
		Password: cfg.AdminPassword,
	})
	if err != nil {
		log.Fatalf("bootstrap: %v", err)
	}
	log.Printf("Bootstrapped admin %q at %s", state.AdminUsername, state.BootstrappedAt.Format(time.RFC3339))

	// Background sweeps, cancellable at shutdown.
	sweeps := cron.New()
	_, _ = sweeps.AddFunc("@every 1h", func() {
		if n := blacklist.CleanupExpired(); n > 0 {
			obs.Log(map[string]any{"level": "info", "msg": "blacklist_sweep", "removed": n})
		}
	})
	_, _ = sweeps.AddFunc("@every 1h", func() {
		if n := auditSvc.Cleanup(); n > 0 {
			obs.Log(map[string]any{"level": "info", "msg": "audit_retention_sweep", "removed": n})
		}
	})
	_, _ = sweeps.AddFunc("@every 10m", func() {
		lockout.Cleanup()
	})
	_, _ = sweeps.AddFunc("@every 5m", func() {
		limits.Cleanup(30 * time.Minute)
	})
	sweeps.Start()

	var probe httpapi.ReadyProbe
	if pgStore != nil {
		probe.DB = pgStore.DB()
	}
	api := httpapi.New(authSvc, auditSvc, limits, probe, httpapi.Config{
		AllowedOrigins: cfg.AllowedOrigins,
		Version:        version,
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting qilbee-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(shutdownCtx)
	<-sweeps.Stop().Done()
	_ = blacklist.Close()
	auditSvc.Close()
	if pgStore != nil {
		_ = pgStore.Close()
	}
	log.Println("Stopped")
}
