package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"zakat.org/internal/auth"
	"zakat.org/internal/config"
	"zakat.org/internal/httpapi"
	"zakat.org/internal/notify"
	"zakat.org/internal/obs"
	"zakat.org/internal/pii"
	"zakat.org/internal/store/memory"
	"zakat.org/internal/store/pg"
	"zakat.org/internal/stream"
	"zakat.org/internal/zakat"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

// devAuthSecret signs tokens outside production when no secret is configured.
const devAuthSecret = "zakat-development-secret"

// backend is what both storage adapters provide.
type backend interface {
	zakat.Store
	auth.Store
	notify.Store
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	obs.Init()
	obs.InitBuildInfo(version, commit)

	var (
		store backend
		db    *sql.DB
	)
	if cfg.PGDSN != "" {
		pgStore, err := pg.Open(cfg.PGDSN, cfg.DB)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		db = pgStore.DB()
		store = pgStore
	} else {
		if !cfg.NonProduction() {
			log.Fatal("ZAKAT_PG_DSN is required in production")
		}
		obs.Warn("using in-memory store", map[string]any{"environment": cfg.Environment})
		store = memory.New()
	}

	cipher, err := pii.LoadCipher(cfg.EncryptionKey, cfg.NonProduction())
	if err != nil {
		log.Fatalf("encryption key: %v", err)
	}

	secret := cfg.AuthSecret
	if secret == "" && cfg.NonProduction() {
		obs.Warn("using development auth secret", map[string]any{"environment": cfg.Environment})
		secret = devAuthSecret
	}
	tokens, err := auth.NewTokens(secret, auth.WithIssuer(cfg.TokenIssuer), auth.WithTokenTTL(cfg.TokenTTL))
	if err != nil {
		log.Fatalf("tokens: %v", err)
	}

	events := stream.New()
	authSvc := auth.NewService(store, tokens)
	zakatSvc, err := zakat.NewService(store, cipher, zakat.WithPublisher(events))
	if err != nil {
		log.Fatalf("zakat service: %v", err)
	}
	notifySvc, err := notify.NewService(store)
	if err != nil {
		log.Fatalf("notify service: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	uid, email, err := cfg.Bootstrap()
	if err != nil {
		log.Fatalf("bootstrap: %v", err)
	}
	if uid != "" {
		if _, err := authSvc.EnsureSuperAdmin(ctx, uid, email); err != nil {
			log.Fatalf("bootstrap super admin: %v", err)
		}
	}

	probe := httpapi.ReadyProbe{DB: db}
	api := httpapi.New(probe, version, httpapi.Services{
		Auth:   authSvc,
		Zakat:  zakatSvc,
		Notify: notifySvc,
	},
		httpapi.WithStream(events),
		httpapi.WithDevTokens(cfg.NonProduction()),
		httpapi.WithRateLimit(cfg.RateLimit.Burst, cfg.RateLimit.PerSecond),
		httpapi.WithMaxBodyBytes(cfg.MaxBodyBytes),
		httpapi.WithCORSOrigins(cfg.CORSOrigins),
	)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		// the pool stream holds responses open
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	grpcSrv, health := httpapi.NewGRPCServer()
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		log.Fatalf("grpc listen: %v", err)
	}
	go httpapi.WatchReadiness(ctx, health, probe, 5*time.Second)

	obs.Info("starting zakat-api", map[string]any{
		"version":     version,
		"http_addr":   srv.Addr,
		"grpc_addr":   cfg.GRPCAddr,
		"environment": cfg.Environment,
		"postgres":    db != nil,
	})

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()
	go func() {
		if err := grpcSrv.Serve(lis); err != nil {
			obs.Error("grpc serve", map[string]any{"error": err.Error()})
		}
	}()

	<-ctx.Done()
	obs.Info("shutting down", nil)
	obs.SetReady(false)
	health.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	grpcSrv.GracefulStop()
	if db != nil {
		_ = db.Close()
	}
	obs.Info("stopped", nil)
}
