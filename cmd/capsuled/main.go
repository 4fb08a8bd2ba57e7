package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"capsuled/internal/retention"
	"capsuled/pkg/api"
	"capsuled/pkg/banner"
	"capsuled/pkg/blobs"
	"capsuled/pkg/capsule"
	"capsuled/pkg/chunks"
	"capsuled/pkg/config"
	"capsuled/pkg/kv"
	"capsuled/pkg/logger"
	"capsuled/pkg/sessions"
	"capsuled/pkg/shutdown"
	"capsuled/pkg/state"
	"capsuled/pkg/upload"
)

// build metadata - set via ldflags during release
var (
	version = "dev"
	commit  = "none"
)

func main() {
	_ = godotenv.Load(".env")
	fl := config.ParseFlags()
	cfg, err := config.LoadEffective(fl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger.InitWithLevel(cfg.Logging.Level)

	var store kv.Store
	switch cfg.Storage.Backend {
	case "memory":
		store = kv.NewMemory()
	case "pebble":
		if err := state.EnsureStateDirs(cfg.Storage.DBPath); err != nil {
			shutdown.Abort("state dirs", err, cfg.Storage.DBPath)
		}
		p, err := kv.OpenPebble(state.PathsVar.Store)
		if err != nil {
			shutdown.Abort("open store", err, cfg.Storage.DBPath)
		}
		store = p
	default:
		fmt.Fprintf(os.Stderr, "unknown storage backend %q\n", cfg.Storage.Backend)
		os.Exit(1)
	}

	chunkStore := chunks.New(store)
	blobStore := blobs.New(store)
	capsules := capsule.New(store, blobStore)
	sessionReg := sessions.New(store, chunkStore, capsules, cfg.Upload)
	uploads := upload.New(sessionReg, chunkStore, blobStore, capsules, capsules, cfg.Upload)

	retCancel, err := retention.Start(context.Background(), cfg.Retention, retention.Deps{KV: store, Blobs: blobStore})
	if err != nil {
		shutdown.Abort("retention", err, cfg.Storage.DBPath)
	}

	verStr := version
	if commit != "none" {
		verStr += " (" + commit + ")"
	}
	banner.Print(cfg, verStr)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", api.Handler(api.Deps{
		Uploads:   uploads,
		Capsules:  capsules,
		ChunkSize: cfg.Upload.ChunkSize.Uint64(),
	}))

	sec := api.SecConfig{
		APIKeys: map[string]struct{}{},
		RPS:     cfg.Security.RateLimit.RPS,
		Burst:   cfg.Security.RateLimit.Burst,
	}
	for _, k := range cfg.Security.APIKeys {
		sec.APIKeys[k] = struct{}{}
	}

	srv := &http.Server{Addr: cfg.Addr(), Handler: api.Middleware(sec)(mux)}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigc
		logger.Info("signal_received", "signal", s.String())
		retCancel()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		if err := store.Close(); err != nil {
			logger.Error("store_close_failed", "error", err)
		}
	}()

	logger.Info("server_starting", "addr", cfg.Addr(), "backend", cfg.Storage.Backend)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		shutdown.Abort("serve", err, cfg.Storage.DBPath)
	}
	logger.Info("server_stopped")
}
