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

	"ringplan/api/internal/app"
	"ringplan/api/internal/artifact"
	"ringplan/api/internal/config"
	"ringplan/api/internal/export"
	"ringplan/api/internal/history"
	"ringplan/api/internal/realtime"
	"ringplan/api/internal/search"
	"ringplan/api/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	if err := os.MkdirAll(cfg.HistoryDir, 0o755); err != nil {
		log.Fatalf("failed to create history dir: %v", err)
	}

	var feed *realtime.Feed
	if strings.TrimSpace(cfg.RedisURL) != "" {
		feed, err = realtime.NewFeed(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer feed.Close()
		log.Printf("Realtime change feed enabled")
	} else {
		log.Printf("No Redis configured, realtime change feed disabled")
	}

	dataStore := store.NewPostgresStore(db, feedOrNil(feed))
	versionService := history.New(cfg.HistoryDir)

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, pgfts)

	exportService := export.NewService(dataStore)

	var artifacts *artifact.Storage
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		artifacts, err = artifact.New(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			log.Fatalf("artifact storage failed: %v", err)
		}
		log.Printf("Export artifacts stored in bucket %s", cfg.MinioBucket)
	}

	service := app.New(cfg, dataStore, versionService, searchService, exportService, artifactsOrNil(artifacts))
	searchService.ReindexAllFromPG(ctx)

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Ringplan API listening on %s", cfg.Addr)
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

// feedOrNil keeps a typed nil pointer from sneaking into the store's
// interface field.
func feedOrNil(feed *realtime.Feed) store.ChangeFeed {
	if feed == nil {
		return nil
	}
	return feed
}

func artifactsOrNil(storage *artifact.Storage) app.ArtifactStorage {
	if storage == nil {
		return nil
	}
	return storage
}
