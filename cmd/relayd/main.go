package main

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/doyleh/care-sync/internal/config"
	"github.com/doyleh/care-sync/internal/httpapi"
	"github.com/doyleh/care-sync/internal/logging"
	"github.com/doyleh/care-sync/internal/relay"
)

func main() {
	cfg := config.Load()
	log := logging.New(cfg.LogFile, cfg.Dev)
	defer func() { _ = log.Sync() }()

	ctx := context.Background()
	reg := relay.NewRegistry(ctx, log)

	// Build the router *with* the registry injected
	handler := httpapi.SetupRoutes(reg, log)

	addr := ":" + cfg.Port
	log.Info("relay listening", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, handler); err != nil {
		log.Fatal("server exited", zap.Error(err))
	}
}
