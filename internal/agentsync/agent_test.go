package agentsync

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/datamesh/syncstore/internal/httpapi"
	"github.com/datamesh/syncstore/internal/syncstore"
)

func testToken(t *testing.T, secret string) string {
	t.Helper()
	encode := func(v any) string {
		data, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal jwt part: %v", err)
		}
		return base64.RawURLEncoding.EncodeToString(data)
	}
	signingInput := encode(map[string]any{"alg": "HS256", "typ": "JWT"}) + "." +
		encode(map[string]any{
			"client_name": "agent-test",
			"scopes":      []string{"records:read", "records:write", "sync:read"},
			"exp":         time.Now().Add(time.Hour).Unix(),
		})
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(signingInput))
	return signingInput + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func newTestStack(t *testing.T) (*httptest.Server, *syncstore.Service, *Client) {
	t.Helper()
	service, err := syncstore.NewService(syncstore.ServiceOptions{
		Backend: syncstore.NewInMemoryStateBackend(),
	})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}
	server := httptest.NewServer(httpapi.NewServer(service, syncstore.NewHub()))
	t.Cleanup(server.Close)
	client := NewClient(server.URL, testToken(t, "dev-secret"), server.Client())
	return server, service, client
}

func writeMirror(t *testing.T, path string, mirror map[string]syncstore.Record) {
	t.Helper()
	data, err := json.MarshalIndent(mirror, "", "  ")
	if err != nil {
		t.Fatalf("marshal mirror: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write mirror: %v", err)
	}
}

func readMirror(t *testing.T, path string) map[string]syncstore.Record {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read mirror: %v", err)
	}
	mirror := map[string]syncstore.Record{}
	if err := json.Unmarshal(data, &mirror); err != nil {
		t.Fatalf("parse mirror: %v", err)
	}
	return mirror
}

func TestAgentPushesLocalEdits(t *testing.T) {
	_, service, client := newTestStack(t)
	mirrorFile := filepath.Join(t.TempDir(), "inventory.json")
	writeMirror(t, mirrorFile, map[string]syncstore.Record{
		"item-1": {"name": "Widget", "price": 9.99},
	})

	agent, err := NewAgent(client, AgentOptions{Store: "inventory", MirrorFile: mirrorFile})
	if err != nil {
		t.Fatalf("failed to build agent: %v", err)
	}
	if err := agent.SyncOnce(context.Background()); err != nil {
		t.Fatalf("sync failed: %v", err)
	}

	list, err := service.List(context.Background(), "inventory")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if list.Count != 1 || list.Version != 1 {
		t.Fatalf("expected the mirror record on the server, got %+v", list)
	}
	if list.Data[0].StringField("name") != "Widget" {
		t.Fatalf("unexpected record content: %v", list.Data[0])
	}
}

func TestAgentPullsRemoteChanges(t *testing.T) {
	_, service, client := newTestStack(t)
	mirrorFile := filepath.Join(t.TempDir(), "inventory.json")

	if _, err := service.Put(context.Background(), syncstore.PutRequest{
		Store: "inventory", ID: "item-1",
		Item: syncstore.Record{"name": "Widget"}, ClientID: "other-client",
	}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	agent, err := NewAgent(client, AgentOptions{Store: "inventory", MirrorFile: mirrorFile})
	if err != nil {
		t.Fatalf("failed to build agent: %v", err)
	}
	if err := agent.SyncOnce(context.Background()); err != nil {
		t.Fatalf("sync failed: %v", err)
	}

	mirror := readMirror(t, mirrorFile)
	if mirror["item-1"].StringField("name") != "Widget" {
		t.Fatalf("remote record missing from the mirror: %v", mirror)
	}
}

func TestAgentRepushesAfterVersionConflict(t *testing.T) {
	_, service, client := newTestStack(t)
	mirrorFile := filepath.Join(t.TempDir(), "inventory.json")

	agent, err := NewAgent(client, AgentOptions{Store: "inventory", MirrorFile: mirrorFile})
	if err != nil {
		t.Fatalf("failed to build agent: %v", err)
	}

	writeMirror(t, mirrorFile, map[string]syncstore.Record{
		"item-1": {"name": "first"},
	})
	if err := agent.SyncOnce(context.Background()); err != nil {
		t.Fatalf("initial sync failed: %v", err)
	}

	// Another client moves the store forward behind the agent's back.
	if _, err := service.Put(context.Background(), syncstore.PutRequest{
		Store: "inventory", ID: "item-2",
		Item: syncstore.Record{"name": "from elsewhere"}, ClientID: "other-client",
	}); err != nil {
		t.Fatalf("competing write failed: %v", err)
	}

	mirror := readMirror(t, mirrorFile)
	mirror["item-3"] = syncstore.Record{"name": "local addition"}
	writeMirror(t, mirrorFile, mirror)

	if err := agent.SyncOnce(context.Background()); err != nil {
		t.Fatalf("conflicted sync should recover: %v", err)
	}

	list, _ := service.List(context.Background(), "inventory")
	if list.Count != 3 {
		t.Fatalf("expected all three records after recovery, got %+v", list)
	}
	mirror = readMirror(t, mirrorFile)
	if mirror["item-2"].StringField("name") != "from elsewhere" {
		t.Fatalf("the competing write must land in the mirror: %v", mirror)
	}
}

func TestAgentPushesDeletes(t *testing.T) {
	_, service, client := newTestStack(t)
	mirrorFile := filepath.Join(t.TempDir(), "inventory.json")

	agent, err := NewAgent(client, AgentOptions{Store: "inventory", MirrorFile: mirrorFile})
	if err != nil {
		t.Fatalf("failed to build agent: %v", err)
	}
	writeMirror(t, mirrorFile, map[string]syncstore.Record{
		"item-1": {"name": "Widget"},
		"item-2": {"name": "Gadget"},
	})
	if err := agent.SyncOnce(context.Background()); err != nil {
		t.Fatalf("initial sync failed: %v", err)
	}

	mirror := readMirror(t, mirrorFile)
	delete(mirror, "item-1")
	writeMirror(t, mirrorFile, mirror)
	if err := agent.SyncOnce(context.Background()); err != nil {
		t.Fatalf("delete sync failed: %v", err)
	}

	list, _ := service.List(context.Background(), "inventory")
	if list.Count != 1 || list.Data[0].StringField("id") != "item-2" {
		t.Fatalf("expected only item-2 to survive, got %+v", list)
	}
}

func TestAgentIdempotentWhenNothingChanged(t *testing.T) {
	_, service, client := newTestStack(t)
	mirrorFile := filepath.Join(t.TempDir(), "inventory.json")
	writeMirror(t, mirrorFile, map[string]syncstore.Record{
		"item-1": {"name": "Widget"},
	})

	agent, err := NewAgent(client, AgentOptions{Store: "inventory", MirrorFile: mirrorFile})
	if err != nil {
		t.Fatalf("failed to build agent: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := agent.SyncOnce(context.Background()); err != nil {
			t.Fatalf("sync %d failed: %v", i, err)
		}
	}

	list, _ := service.List(context.Background(), "inventory")
	if list.Version != 1 {
		t.Fatalf("repeat syncs with no edits must not consume versions, got %d", list.Version)
	}
}

func TestClientSurfacesConflictError(t *testing.T) {
	_, service, client := newTestStack(t)
	ctx := context.Background()

	if _, err := service.Put(ctx, syncstore.PutRequest{
		Store: "inventory", ID: "item-1", Item: syncstore.Record{"name": "x"},
	}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	_, err := client.Sync(ctx, "inventory", []syncstore.Record{{"id": "item-2"}}, 0, "agent")
	if err == nil {
		t.Fatalf("expected a conflict")
	}
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %T: %v", err, err)
	}
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("conflict must match the sentinel")
	}
	if conflict.ServerVersion != 1 {
		t.Fatalf("expected server version 1, got %d", conflict.ServerVersion)
	}
}

func TestClientSurfacesHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":"bad_request","message":"nope"}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "token", server.Client())
	_, err := client.ListRecords(context.Background(), "inventory")
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected HTTPError, got %T: %v", err, err)
	}
	if httpErr.StatusCode != http.StatusBadRequest || httpErr.Code != "bad_request" {
		t.Fatalf("unexpected error detail: %+v", httpErr)
	}
}

func TestClientRetriesServerErrors(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[],"count":0,"version":0}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "token", server.Client())
	result, err := client.ListRecords(context.Background(), "inventory")
	if err != nil {
		t.Fatalf("expected the retries to succeed: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
	if result.Count != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}
}
