package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/datamesh/syncstore/internal/agentsync"
)

func main() {
	baseURL := flag.String("base-url", envOrDefault("SYNCSTORE_BASE_URL", "http://127.0.0.1:8080"), "syncstore base URL")
	token := flag.String("token", strings.TrimSpace(os.Getenv("SYNCSTORE_TOKEN")), "bearer token")
	store := flag.String("store", strings.TrimSpace(os.Getenv("SYNCSTORE_STORE")), "store name to mirror")
	mirrorFile := flag.String("mirror-file", strings.TrimSpace(os.Getenv("SYNCSTORE_MIRROR_FILE")), "local mirror file path")
	stateFile := flag.String("state-file", strings.TrimSpace(os.Getenv("SYNCSTORE_AGENT_STATE_FILE")), "agent state file path")
	idField := flag.String("id-field", envOrDefault("SYNCSTORE_ID_FIELD", ""), "record identity field")
	clientID := flag.String("client-id", strings.TrimSpace(os.Getenv("SYNCSTORE_CLIENT_ID")), "client id used for echo suppression")
	interval := flag.Duration("interval", durationEnv("SYNCSTORE_AGENT_INTERVAL", 30*time.Second), "sync interval")
	timeout := flag.Duration("timeout", durationEnv("SYNCSTORE_AGENT_TIMEOUT", 15*time.Second), "per-request timeout")
	once := flag.Bool("once", false, "run one sync cycle and exit")
	flag.Parse()

	if strings.TrimSpace(*token) == "" {
		log.Fatalf("token is required (--token or SYNCSTORE_TOKEN)")
	}
	if strings.TrimSpace(*store) == "" {
		log.Fatalf("store is required (--store or SYNCSTORE_STORE)")
	}
	if strings.TrimSpace(*mirrorFile) == "" {
		log.Fatalf("mirror-file is required (--mirror-file or SYNCSTORE_MIRROR_FILE)")
	}

	client := agentsync.NewClient(*baseURL, *token, &http.Client{Timeout: *timeout})
	agent, err := agentsync.NewAgent(client, agentsync.AgentOptions{
		Store:      strings.TrimSpace(*store),
		MirrorFile: *mirrorFile,
		StateFile:  *stateFile,
		IDField:    strings.TrimSpace(*idField),
		ClientID:   strings.TrimSpace(*clientID),
		Logger:     log.Default(),
	})
	if err != nil {
		log.Fatalf("failed to initialize agent: %v", err)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *once {
		if err := agent.SyncOnce(rootCtx); err != nil {
			log.Fatalf("sync cycle failed: %v", err)
		}
		log.Printf("sync cycle completed")
		return
	}

	log.Printf("mirroring store %s into %s as client %s", *store, *mirrorFile, agent.ClientID())
	if err := agent.Run(rootCtx, *interval); err != nil && rootCtx.Err() == nil {
		log.Fatalf("agent stopped: %v", err)
	}
	log.Printf("agent stopping")
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
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
