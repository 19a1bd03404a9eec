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

	"loom/collab/internal/backbone"
	"loom/collab/internal/config"
	"loom/collab/internal/crdt"
	"loom/collab/internal/hub"
	"loom/collab/internal/presence"
	"loom/collab/internal/registry"
	"loom/collab/internal/server"
	"loom/collab/internal/snapshot"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	var store snapshot.Store
	switch cfg.SnapshotBackend {
	case "postgres":
		db, err := snapshot.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("database connection failed: %v", err)
		}
		defer db.Close()
		if err := snapshot.EnsureSchema(ctx, db); err != nil {
			log.Fatalf("schema setup failed: %v", err)
		}
		store = snapshot.NewPostgresStore(db)
		log.Printf("Persisting snapshots to PostgreSQL")
	case "git":
		if err := os.MkdirAll(cfg.SnapshotsDir, 0o755); err != nil {
			log.Fatalf("failed to create snapshots dir: %v", err)
		}
		store = snapshot.NewGitStore(cfg.SnapshotsDir)
		log.Printf("Persisting snapshots to git repositories in %s", cfg.SnapshotsDir)
	case "":
		log.Printf("No snapshot backend configured, documents are in-memory only")
	default:
		log.Fatalf("unknown snapshot backend %q", cfg.SnapshotBackend)
	}

	reg := registry.New(store)

	// The backbone handler closes over the hub, which does not exist yet
	// when the backbone connects; the pointer is set before any message
	// can arrive because Subscribe only happens on the first connection.
	var syncHub *hub.Hub
	var bus *backbone.Backbone
	if strings.TrimSpace(cfg.RedisURL) != "" {
		var err error
		bus, err = backbone.New(cfg.RedisURL, func(documentID string, ops []crdt.Op) {
			syncHub.HandleRemote(documentID, ops)
		})
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer bus.Close()
		log.Printf("Relaying updates across processes via Redis")
	} else {
		log.Printf("No Redis configured, running single-process")
	}

	syncHub = hub.New(reg, bus, hub.Options{
		WriteWait:  cfg.WriteWait,
		PongWait:   cfg.PongWait,
		PingPeriod: cfg.PingPeriod,
	})
	presenceServer := presence.NewServer(presence.Options{
		WriteWait:  cfg.WriteWait,
		PongWait:   cfg.PongWait,
		PingPeriod: cfg.PingPeriod,
	})

	httpServer := server.NewHTTPServer(syncHub, presenceServer, store, bus, cfg.CORSOrigin)
	srv := &http.Server{
		Addr:    cfg.Addr,
		Handler: httpServer.Handler(),
		// No Read/WriteTimeout: websocket connections are long-lived and
		// manage their own deadlines after the upgrade.
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("collabd listening on %s", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
