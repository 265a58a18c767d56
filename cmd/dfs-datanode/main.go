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
	"github.com/driftfs/driftfs/internal/datanode"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	logger := zerolog.New(os.Stderr).With().Timestamp().Str("component", "datanode").Logger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("loading config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := datanode.NewStore(cfg.DataNode.DataDir, cfg.DataNode.CapacityBytes)
	if err != nil {
		logger.Fatal().Err(err).Msg("opening chunk store")
	}
	store.SetLogger(logger)

	advertise := cfg.DataNode.AdvertiseAddr
	if advertise == "" {
		advertise = "http://localhost" + cfg.DataNode.ListenAddr
	}

	heartbeater := datanode.NewHeartbeater(cfg.DataNode.NameNodeAddr, advertise, store, cfg.DFS.HeartbeatInterval, logger)
	if err := heartbeater.Register(ctx); err != nil {
		logger.Fatal().Err(err).Msg("registering with namenode")
	}
	go heartbeater.Run(ctx)

	server := &http.Server{
		Addr:    cfg.DataNode.ListenAddr,
		Handler: datanode.NewServer(heartbeater.NodeID, store, logger).Router(),
	}

	go func() {
		logger.Info().
			Str("addr", cfg.DataNode.ListenAddr).
			Str("advertise", advertise).
			Int64("capacity", cfg.DataNode.CapacityBytes).
			Msg("datanode listening")
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
