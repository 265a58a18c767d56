package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/driftfs/driftfs/internal/config"
	"github.com/driftfs/driftfs/internal/metastore"
	"github.com/driftfs/driftfs/internal/namenode"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	logger := zerolog.New(os.Stderr).With().Timestamp().Str("component", "namenode").Logger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("loading config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("opening metadata store")
	}
	defer store.Close()

	service := namenode.NewService(store, namenode.Params{
		ReplicationFactor:  cfg.DFS.ReplicationFactor,
		UtilizationCeiling: cfg.DFS.UtilizationCeiling,
		HeartbeatInterval:  cfg.DFS.HeartbeatInterval,
	}, logger)

	go service.Run(ctx, cfg.DFS.RepairInterval)

	server := &http.Server{
		Addr:    cfg.NameNode.ListenAddr,
		Handler: namenode.NewServer(service).Router(),
	}

	go func() {
		logger.Info().Str("addr", cfg.NameNode.ListenAddr).Msg("namenode listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown incomplete")
	}
}

func openStore(ctx context.Context, cfg *config.Config) (metastore.Store, error) {
	if cfg.NameNode.MetadataTable != "" {
		return metastore.OpenDynamo(ctx, cfg.NameNode.AWSRegion, cfg.NameNode.MetadataTable)
	}
	return metastore.OpenSQLite(cfg.NameNode.MetadataPath)
}
