/*
main.go - Application entry point

PURPOSE:
  Wires up the cashback engine: configuration, sqlite store, platform
  client, domain services, HTTP router, and graceful shutdown.

CONFIGURATION:
  Environment variables (a local .env file is loaded if present):
    PORT             HTTP port                    (default 8080)
    DB_PATH          SQLite path, ":memory:" ok   (default rewards.db)
    PLATFORM_TOKEN   commerce platform API token
    PLATFORM_URL     endpoint override for the platform API
    ADMIN_ORIGINS    comma-separated dashboard origins
    PAGE_PAUSE_MS    pause between import pages   (default 500)
    LOG_LEVEL        logrus level                 (default info)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM: stop accepting connections, drain for up to 30s,
  close the database. Import jobs that are mid-run re-read their status
  from the job table, so an interrupted run is visible as-is and a new
  one can be started from a chosen date.
*/
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/cambridgetcg/rewardspro-sub001/api"
	"github.com/cambridgetcg/rewardspro-sub001/importer"
	"github.com/cambridgetcg/rewardspro-sub001/loyalty"
	"github.com/cambridgetcg/rewardspro-sub001/platform"
	"github.com/cambridgetcg/rewardspro-sub001/reconcile"
	"github.com/cambridgetcg/rewardspro-sub001/store/sqlite"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	if level, err := logrus.ParseLevel(envOr("LOG_LEVEL", "info")); err == nil {
		log.SetLevel(level)
	}

	store, err := sqlite.New(envOr("DB_PATH", "rewards.db"))
	if err != nil {
		log.WithError(err).Fatal("failed to initialize database")
	}
	defer store.Close()

	client := platform.NewHTTPClient(os.Getenv("PLATFORM_TOKEN"))
	client.BaseURL = os.Getenv("PLATFORM_URL")

	ledger := loyalty.NewLedger(store)
	evaluator := loyalty.NewEvaluator(store)
	orchestrator := importer.NewOrchestrator(store, ledger, evaluator, client, log)
	if ms, err := strconv.Atoi(envOr("PAGE_PAUSE_MS", "500")); err == nil {
		orchestrator.PagePause = time.Duration(ms) * time.Millisecond
	}
	reconciler := reconcile.NewReconciler(store, ledger, client, log)

	handler := &api.Handler{
		Store:        store,
		Ledger:       ledger,
		Evaluator:    evaluator,
		Orchestrator: orchestrator,
		Reconciler:   reconciler,
		Balance:      client,
		Log:          log,
	}

	adminOrigins := strings.Split(envOr("ADMIN_ORIGINS", "http://localhost:5173"), ",")
	router := api.NewRouter(handler, adminOrigins)

	port, _ := strconv.Atoi(envOr("PORT", "8080"))
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.WithField("port", port).Info("server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.WithError(err).Fatal("server forced to shutdown")
	}
	log.Info("server stopped")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
