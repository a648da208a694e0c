package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Obulo/starter-kit/internal/app"
	"github.com/Obulo/starter-kit/internal/config"
	"github.com/Obulo/starter-kit/internal/directory"
	"github.com/Obulo/starter-kit/internal/identity"
	"github.com/Obulo/starter-kit/internal/llm"
	"github.com/Obulo/starter-kit/internal/logo"
	"github.com/Obulo/starter-kit/internal/session"
	"github.com/Obulo/starter-kit/internal/store"
	"github.com/Obulo/starter-kit/internal/workspace"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("configuration invalid: %v", err)
	}
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	records := store.NewPostgresStore(db)
	provider := identity.NewClient(cfg.IdentityBaseURL, cfg.IdentitySecretKey)
	model := llm.NewClient(cfg.ModelBaseURL, cfg.ModelAPIKey, cfg.ModelName)

	var meili *directory.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meili = directory.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meili.Close()
	}
	dir := directory.NewService(meili, records)
	if err := dir.Backfill(ctx); err != nil {
		log.Printf("WARNING: directory backfill failed: %v", err)
	}

	workspaces := workspace.New(records, provider, dir)
	service := app.New(cfg, records, provider, workspaces, dir, model)

	if strings.TrimSpace(cfg.RedisURL) != "" {
		cache, err := session.NewCache(cfg.RedisURL, cfg.SnapshotTTL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer cache.Close()
		service.SetSnapshotCache(cache)
		log.Printf("Using Redis for session snapshot caching")
	}

	if strings.TrimSpace(cfg.S3Endpoint) != "" {
		storage, err := logo.New(ctx, logo.Config{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			UseSSL:    cfg.S3UseSSL,
			PublicURL: cfg.S3PublicURL,
		})
		if err != nil {
			log.Fatalf("object storage connection failed: %v", err)
		}
		service.SetLogoStorage(storage)
		log.Printf("Logo uploads enabled via %s", cfg.S3Endpoint)
	}

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      0, // the AI bridge streams long responses
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Obulo API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
