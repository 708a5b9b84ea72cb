// Package main implements the AkiDB API server.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aifocal/akidb/internal/engine"
	httpapi "github.com/aifocal/akidb/internal/http"
	"github.com/aifocal/akidb/internal/index"
	"github.com/aifocal/akidb/internal/libs/config"
	"github.com/aifocal/akidb/internal/libs/obs"
	"github.com/aifocal/akidb/internal/storage/objstore"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	obs.InitLogger(cfg.LogLevel)
	logger := obs.Logger("api")

	opts, err := engineOptions(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build engine options")
	}

	ctx := context.Background()
	eng, err := engine.Open(ctx, opts)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open engine")
	}
	defer func() { _ = eng.Close() }()

	handler := httpapi.NewHandler(eng, logger)
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", promhttp.Handler())
	handler.Routes(r)

	addr := fmt.Sprintf("%s:%s", cfg.APIHost, cfg.APIPort)
	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		logger.Info().Str("addr", addr).Msg("starting API server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

// engineOptions translates the env config into engine options.
func engineOptions(cfg *config.Config) (engine.Options, error) {
	opts := engine.DefaultOptions(cfg.DataDir)
	opts.WALDir = cfg.WALPath
	opts.SnapshotDir = cfg.SnapshotDir
	opts.SealBytes = cfg.SegmentSealBytes
	opts.SealOps = cfg.SegmentSealOps
	opts.CacheCapacity = cfg.CacheCapacity

	efSearch, err := index.EfSearchPreset(cfg.HNSWEfSearchPreset)
	if err != nil {
		return opts, err
	}
	opts.HNSW = index.HNSWConfig{
		M:              cfg.HNSWM,
		EfConstruction: cfg.HNSWEfConstruction,
		EfSearch:       efSearch,
	}

	opts.Upload = engine.UploadConfig{
		MaxRetries:  cfg.UploadMaxRetries,
		BaseBackoff: cfg.UploadBaseBackoff,
		MaxBackoff:  cfg.UploadMaxBackoff,
	}
	opts.Compaction.Enabled = cfg.CompactionEnabled
	opts.Compaction.MinSegments = cfg.CompactionMinSegments
	opts.Breaker = engine.BreakerConfig{
		FailureThreshold: uint32(cfg.BreakerFailureThreshold),
		Cooldown:         cfg.BreakerCooldown,
	}
	opts.DLQMaxEntries = cfg.DLQMaxEntries

	if cfg.RemoteEndpoint != "" {
		remote, err := objstore.NewS3(context.Background(), objstore.S3Config{
			Endpoint:        cfg.RemoteEndpoint,
			Bucket:          cfg.RemoteBucket,
			Region:          cfg.RemoteRegion,
			AccessKeyID:     cfg.RemoteAccessKey,
			SecretAccessKey: cfg.RemoteSecretKey,
			UseSSL:          cfg.RemoteUseSSL,
		})
		if err != nil {
			return opts, fmt.Errorf("connect remote tier: %w", err)
		}
		opts.Remote = remote
	}
	return opts, nil
}
