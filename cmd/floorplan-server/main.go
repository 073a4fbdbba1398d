package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	floorplananalyzer "github.com/menta2k/floorplan-analyzer"
	"github.com/menta2k/floorplan-analyzer/internal/config"
	"github.com/menta2k/floorplan-analyzer/internal/server"
	"github.com/menta2k/floorplan-analyzer/internal/store"
)

func main() {
	var configPath, envFile, addr string
	flag.StringVar(&configPath, "config", config.GetConfigPath(), "configuration file")
	flag.StringVar(&envFile, "env", ".env", "dotenv file with service credentials")
	flag.StringVar(&addr, "addr", "", "listen address (default from config)")
	flag.Parse()

	cfg, err := config.Load(configPath, envFile)
	if err != nil {
		log.Fatal(err)
	}
	if addr != "" {
		cfg.Server.Addr = addr
	}

	lg, err := cfg.NewLogger()
	if err != nil {
		log.Fatal(err)
	}
	defer lg.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fa, err := floorplananalyzer.NewFromConfig(ctx, cfg, lg)
	if err != nil {
		log.Fatalf("Failed to initialize analyzer: %v", err)
	}
	defer fa.Close()

	db, err := store.Open(ctx, cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	srv := server.New(fa.Coordinator(), db, cfg.Server.Orchestrator, lg)
	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	lg.Info("Server starting on %s", cfg.Server.Addr)
	lg.Info("Endpoints:")
	lg.Info("  POST /api/orchestrators/%s - start an analysis", cfg.Server.Orchestrator)
	lg.Info("  GET  /runtime/webhooks/durabletask/instances/{id} - instance status")
	lg.Info("  GET  /ws/instances/{id} - live progress")
	lg.Info("  GET|POST /api/prompts - prompt log")

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	<-ctx.Done()
	lg.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		lg.Error("HTTP shutdown: %v", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		lg.Error("Waiting for runs: %v", err)
	}
}
