package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"sqldesk.org/internal/audit"
	"sqldesk.org/internal/auth"
	"sqldesk.org/internal/config"
	"sqldesk.org/internal/dbexec"
	"sqldesk.org/internal/feed"
	"sqldesk.org/internal/httpapi"
	"sqldesk.org/internal/obs"
	"sqldesk.org/internal/query"
)

var (
	version = "0.3.1"
	commit  = "dev"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config (env vars override)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	obs.Init()
	obs.InitBuildInfo(version, commit)

	// Audit store and user accounts live in the same database. Without a
	// DSN the server runs on in-memory stores, which is only useful for
	// local development.
	var (
		store      audit.Store
		users      auth.UserStore
		readyProbe httpapi.ReadyProbe
		closeStore func() error
	)
	if cfg.AuditDSN != "" {
		pg, err := audit.Open(cfg.AuditDSN)
		if err != nil {
			log.Fatalf("open audit db: %v", err)
		}
		store = pg
		users = auth.NewPGUserStore(pg.DB())
		readyProbe = httpapi.ReadyProbe{DB: pg.DB()}
		closeStore = pg.Close
	} else {
		log.Println("SQLDESK_PG_DSN not set, using in-memory stores")
		store = audit.NewInMemory()
		users = auth.NewInMemoryUsers()
		closeStore = func() error { return nil }
	}

	targets, err := dbexec.OpenTargets(map[string]string{
		"backoffice": cfg.Targets.BackOffice,
		"portal":     cfg.Targets.Portal,
	})
	if err != nil {
		log.Fatalf("open target databases: %v", err)
	}
	runner := dbexec.NewPGRunner(targets,
		dbexec.WithTimeout(cfg.Query.StatementTimeout),
		dbexec.WithSelectLimit(cfg.Query.SelectLimit),
	)

	queries := query.NewService(store, runner,
		query.WithConfirmThreshold(cfg.Query.ConfirmThreshold),
	)

	liveFeed := feed.New()

	api := httpapi.New(readyProbe, version, queries, store, users, liveFeed)
	api.SetTokenTTL(cfg.Auth.TokenTTL)
	api.SetMaxBodyBytes(cfg.HTTP.MaxBodyBytes)
	api.SetRateLimit(cfg.HTTP.RateBurst, cfg.HTTP.RatePerSec)

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		ReadHeaderTimeout: cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		IdleTimeout:       cfg.HTTP.IdleTimeout,
	}

	log.Printf("Starting sqldesk-api %s on %s (targets: %v)", version, srv.Addr, runner.Targets())

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	_ = srv.Shutdown(ctx)
	for _, db := range targets {
		_ = db.Close()
	}
	_ = closeStore()
	log.Println("Stopped")
}
