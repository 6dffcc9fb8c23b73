package main

// Jobhooks is a Kubernetes Job completion webhook service.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"jobhooks/internal/api"
	"jobhooks/internal/family"
	"jobhooks/internal/idempotency"
	"jobhooks/internal/invoker"
	"jobhooks/internal/k8swatch"
	"jobhooks/internal/metrics"
	"jobhooks/internal/store"
	"jobhooks/internal/watcher"
)

// Config holds runtime configuration for the server. Values can be
// provided via environment variables and/or flags. Flags take precedence
// over environment variables.
type Config struct {
	HTTPAddr         string // HTTP_ADDR
	DatabaseURL      string // DATABASE_URL (required)
	Namespace        string // K8S_NAMESPACE
	FamilyConfigFile string // JOB_FAMILY_WATCHERS_CONFIG_FILE
	Strict2xx        bool   // WEBHOOK_STRICT_2XX
	WatchDisabled    bool   // WATCH_DISABLED
	LogLevel         string // LOG_LEVEL: info|debug
}

func defaultConfig() Config {
	return Config{
		HTTPAddr:      "0.0.0.0:8080",
		Namespace:     k8swatch.DefaultNamespace,
		Strict2xx:     false,
		WatchDisabled: false,
		LogLevel:      "info",
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// parseConfig builds the Config from env + flags.
// Flags override environment variables.
func parseConfig() Config {
	def := defaultConfig()

	cfg := Config{
		HTTPAddr:         getenv("HTTP_ADDR", def.HTTPAddr),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		Namespace:        getenv("K8S_NAMESPACE", def.Namespace),
		FamilyConfigFile: os.Getenv("JOB_FAMILY_WATCHERS_CONFIG_FILE"),
		Strict2xx:        getenvBool("WEBHOOK_STRICT_2XX", def.Strict2xx),
		WatchDisabled:    getenvBool("WATCH_DISABLED", def.WatchDisabled),
		LogLevel:         getenv("LOG_LEVEL", def.LogLevel),
	}

	flag.StringVar(&cfg.HTTPAddr, "addr", cfg.HTTPAddr, "HTTP listen address (env HTTP_ADDR)")
	flag.StringVar(&cfg.DatabaseURL, "database-url", cfg.DatabaseURL, "Database URL, e.g. sqlite:jobhooks.db (env DATABASE_URL)")
	flag.StringVar(&cfg.Namespace, "namespace", cfg.Namespace, "Kubernetes namespace to watch (env K8S_NAMESPACE)")
	flag.StringVar(&cfg.FamilyConfigFile, "family-config", cfg.FamilyConfigFile, "Family watcher bootstrap YAML (env JOB_FAMILY_WATCHERS_CONFIG_FILE)")
	flag.BoolVar(&cfg.Strict2xx, "strict-2xx", cfg.Strict2xx, "Treat non-2xx webhook responses as failures (env WEBHOOK_STRICT_2XX)")
	flag.BoolVar(&cfg.WatchDisabled, "watch-disabled", cfg.WatchDisabled, "Disable the Kubernetes job watch loop (env WATCH_DISABLED)")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: info|debug (env LOG_LEVEL)")

	flag.Parse()
	return cfg
}

func logConfig(cfg Config) {
	log.Printf("jobhooks-server configuration:")
	log.Printf("  addr=%s", cfg.HTTPAddr)
	log.Printf("  database_url=%s", cfg.DatabaseURL)
	log.Printf("  namespace=%s", cfg.Namespace)
	log.Printf("  family_config=%s", cfg.FamilyConfigFile)
	log.Printf("  strict_2xx=%v", cfg.Strict2xx)
	log.Printf("  watch_disabled=%v", cfg.WatchDisabled)
	log.Printf("  log_level=%s", cfg.LogLevel)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func readyHandler(st *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if _, err := st.ListWebhooks(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ready": true})
	}
}

func newMux(st *store.Store, ap *api.API) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", healthHandler)
	mux.HandleFunc("/readyz", readyHandler(st))
	mux.Handle("/metrics", metrics.Handler())
	ap.Register(mux)
	return mux
}

func main() {
	log.SetFlags(log.LstdFlags | log.LUTC | log.Lmsgprefix)
	log.SetPrefix("[jobhooks-server] ")

	cfg := parseConfig()
	logConfig(cfg)

	if cfg.DatabaseURL == "" {
		log.Printf("DATABASE_URL is required")
		os.Exit(1)
	}

	st, err := store.Open(context.Background(), cfg.DatabaseURL)
	if err != nil {
		log.Printf("failed to open store: %v", err)
		os.Exit(1)
	}
	defer st.Close()

	inv := invoker.New(cfg.Strict2xx)
	watcherSvc := watcher.NewService(st, inv, idempotency.New(idempotency.DefaultSize), log.Default())
	familySvc := family.NewService(st, inv, log.Default())

	startupCtx, startupCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := watcherSvc.RecoverStuck(startupCtx); err != nil {
		log.Printf("failed to requeue stuck watchers: %v", err)
		startupCancel()
		os.Exit(1)
	}
	// A broken bootstrap file costs the configured family watchers, not the
	// server.
	if err := familySvc.Bootstrap(startupCtx, cfg.FamilyConfigFile); err != nil {
		log.Printf("family watcher bootstrap failed: %v", err)
	}
	startupCancel()

	// Job watch loop
	loopCtx, loopCancel := context.WithCancel(context.Background())
	defer loopCancel()
	loopDone := make(chan struct{})
	if cfg.WatchDisabled {
		log.Printf("job watch loop disabled")
		close(loopDone)
	} else {
		client, err := k8swatch.NewClient()
		if err != nil {
			log.Printf("failed to build kubernetes client: %v", err)
			os.Exit(1)
		}
		loop := k8swatch.NewLoop(client, cfg.Namespace, watcherSvc, familySvc, log.Default())
		go func() {
			defer close(loopDone)
			if err := loop.Run(loopCtx); err != nil && loopCtx.Err() == nil {
				log.Printf("job watch loop exited: %v", err)
			}
		}()
	}

	ap := api.New(st, watcherSvc, log.Default())
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Logging(log.Default(), newMux(st, ap)),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("HTTP server listening on %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server error: %w", err)
		}
	}()

	// Graceful shutdown on SIGINT/SIGTERM
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("received signal: %s, initiating graceful shutdown...", sig)
	case err := <-errCh:
		log.Printf("server error: %v", err)
	}

	loopCancel()
	<-loopDone
	watcherSvc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	} else {
		log.Printf("shutdown complete")
	}
}
