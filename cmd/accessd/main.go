package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"caregate.org/internal/access"
	"caregate.org/internal/alert"
	"caregate.org/internal/anomaly"
	"caregate.org/internal/audit"
	"caregate.org/internal/emergency"
	"caregate.org/internal/httpapi"
	"caregate.org/internal/identity"
	"caregate.org/internal/notify"
	"caregate.org/internal/obs"
	"caregate.org/internal/policy"
	"caregate.org/internal/store/memory"
	"caregate.org/internal/store/pg"
	"caregate.org/internal/tenant"
)

var version = "0.3.1"

func main() {
	obs.Init()

	// Durable stores when a DSN is configured, in-process otherwise.
	var (
		policyStore    policy.Store
		emergencyStore emergency.Store
		auditStore     audit.Store
		alertStore     alert.Store
		db             *sql.DB
	)
	if dsn := os.Getenv("CAREGATE_PG_DSN"); dsn != "" {
		store, err := pg.Open(dsn)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		migrateCtx, migrateCancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := store.Migrate(migrateCtx); err != nil {
			log.Fatalf("apply migrations: %v", err)
		}
		migrateCancel()
		db = store.DB()
		policyStore = store.Policies()
		emergencyStore = store.Emergency()
		auditStore = store.Audits()
		alertStore = store.Alerts()
	} else {
		policyStore = memory.NewPolicyStore()
		emergencyStore = memory.NewEmergencyStore()
		auditStore = memory.NewAuditStore()
		alertStore = memory.NewAlertStore()
	}

	var verifier *identity.Verifier
	if secret := os.Getenv("CAREGATE_JWT_SECRET"); secret != "" {
		var err error
		verifier, err = identity.NewVerifier(secret)
		if err != nil {
			log.Fatalf("build verifier: %v", err)
		}
	} else {
		log.Println("CAREGATE_JWT_SECRET not set; running unauthenticated")
	}

	dispatcher, err := notify.NewDispatcher(notify.NewLogNotifier(),
		envInt("CAREGATE_NOTIFY_PER_MINUTE", 60), envInt("CAREGATE_NOTIFY_BURST", 10))
	if err != nil {
		log.Fatalf("build dispatcher: %v", err)
	}
	alerts, err := alert.NewManager(alertStore, dispatcher)
	if err != nil {
		log.Fatalf("build alert manager: %v", err)
	}

	bus := policy.NewBus()
	cache := policy.NewTTLCache(policy.DefaultCacheTTL)
	policies, err := policy.NewService(policyStore, cache, bus)
	if err != nil {
		log.Fatalf("build policy service: %v", err)
	}

	tenants := tenant.NewStaticProvider()
	directory := memory.NewDirectory()
	workflows, err := emergency.NewService(emergencyStore, directory, tenants, alerts, dispatcher, auditStore)
	if err != nil {
		log.Fatalf("build emergency service: %v", err)
	}

	decisions, err := access.NewService(policies, workflows, auditStore, alerts)
	if err != nil {
		log.Fatalf("build access service: %v", err)
	}

	monitor, err := anomaly.NewMonitor(auditStore, alerts, anomaly.Config{
		Interval: envDuration("CAREGATE_SCAN_INTERVAL", 5*time.Minute),
	})
	if err != nil {
		log.Fatalf("build anomaly monitor: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go policy.WatchInvalidations(ctx, bus, cache)
	stopMonitor := monitor.Start(ctx)

	api := httpapi.New(httpapi.ReadyProbe{DB: db}, version, verifier, decisions, workflows, policies)

	srv := &http.Server{
		Addr:              envString("CAREGATE_ADDR", ":8080"),
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting accessd %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")
	obs.SetReady(false)

	// Stop the scan loop before the listener so no scan races shutdown.
	stopMonitor()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	_ = srv.Shutdown(shutdownCtx)
	if db != nil {
		_ = db.Close()
	}
	log.Println("Stopped")
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Fatalf("parse %s: %v", key, err)
	}
	return n
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Fatalf("parse %s: %v", key, err)
	}
	return d
}
