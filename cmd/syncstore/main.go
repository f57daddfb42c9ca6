package main

import (
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/datamesh/syncstore/internal/httpapi"
	"github.com/datamesh/syncstore/internal/syncstore"
)

func main() {
	addr := os.Getenv("SYNCSTORE_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	backend, err := buildStateBackendFromEnv()
	if err != nil {
		log.Fatalf("failed to initialize state backend: %v", err)
	}

	hub := syncstore.NewHubWithTimeout(durationEnv("SYNCSTORE_BROADCAST_TIMEOUT", 0))
	service, err := syncstore.NewService(syncstore.ServiceOptions{
		Backend:     backend,
		Broadcaster: hub,
		Config:      loadConfigFromEnv(),
	})
	if err != nil {
		log.Fatalf("failed to initialize service: %v", err)
	}

	if configFile := strings.TrimSpace(os.Getenv("SYNCSTORE_CONFIG_FILE")); configFile != "" {
		watcher, err := syncstore.WatchConfigFile(configFile, service.UpdateConfig, log.Default())
		if err != nil {
			log.Fatalf("failed to watch config file: %v", err)
		}
		defer watcher.Close()
	}

	server := httpapi.NewServerWithConfig(service, hub, httpapi.ServerConfig{
		AuthSecret:      os.Getenv("SYNCSTORE_AUTH_SECRET"),
		RateLimitMax:    intEnv("SYNCSTORE_RATE_LIMIT_MAX", 0),
		RateLimitWindow: durationEnv("SYNCSTORE_RATE_LIMIT_WINDOW", time.Minute),
		MaxBodyBytes:    int64Env("SYNCSTORE_MAX_BODY_BYTES", 0),
	})

	log.Printf("syncstore listening on %s", addr)
	if err := http.ListenAndServe(addr, server); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}

func buildStateBackendFromEnv() (syncstore.StateBackend, error) {
	dsn := strings.TrimSpace(os.Getenv("SYNCSTORE_STATE_DSN"))
	if dsn == "" {
		dataDir := strings.TrimSpace(os.Getenv("SYNCSTORE_DATA_DIR"))
		if dataDir == "" {
			dataDir = ".syncstore"
		}
		dsn = "file://" + filepath.Join(dataDir, "stores")
	}
	return syncstore.BuildStateBackendFromDSN(dsn)
}

func loadConfigFromEnv() *syncstore.Config {
	configFile := strings.TrimSpace(os.Getenv("SYNCSTORE_CONFIG_FILE"))
	if configFile == "" {
		return nil
	}
	cfg, err := syncstore.LoadConfigFile(configFile)
	if err != nil {
		log.Fatalf("failed to load config file %s: %v", configFile, err)
	}
	return cfg
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
