package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/datamesh/syncstore/internal/syncstore"
)

type ServerConfig struct {
	AuthSecret      string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
}

type Server struct {
	service     *syncstore.Service
	hub         *syncstore.Hub
	cfg         ServerConfig
	rateLimiter *rateLimiter
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(service *syncstore.Service, hub *syncstore.Hub) *Server {
	return NewServerWithConfig(service, hub, ServerConfig{})
}

func NewServerWithConfig(service *syncstore.Service, hub *syncstore.Hub, cfg ServerConfig) *Server {
	if cfg.AuthSecret == "" {
		cfg.AuthSecret = "dev-secret"
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		service:     service,
		hub:         hub,
		cfg:         cfg,
		rateLimiter: limiter,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/dashboard" && r.Method == http.MethodGet {
		s.handleDashboard(w, r)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")

	if len(parts) == 2 && parts[0] == "v1" && parts[1] == "ws" && r.Method == http.MethodGet {
		s.handleWebsocket(w, r)
		return
	}

	var requiredScope string
	var route string
	switch {
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "admin" && parts[2] == "backends" && r.Method == http.MethodGet:
		requiredScope = "admin"
		route = "admin_backends"
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "admin" && parts[2] == "backup" && r.Method == http.MethodPost:
		requiredScope = "admin"
		route = "admin_backup"
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "admin" && parts[2] == "restore" && r.Method == http.MethodPost:
		requiredScope = "admin"
		route = "admin_restore"
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "stores" && parts[3] == "records" && r.Method == http.MethodGet:
		requiredScope = "records:read"
		route = "list_records"
	case len(parts) == 5 && parts[0] == "v1" && parts[1] == "stores" && parts[3] == "records" && (r.Method == http.MethodPut || r.Method == http.MethodPatch):
		requiredScope = "records:write"
		route = "put_record"
	case len(parts) == 5 && parts[0] == "v1" && parts[1] == "stores" && parts[3] == "records" && r.Method == http.MethodDelete:
		requiredScope = "records:write"
		route = "delete_record"
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "stores" && parts[3] == "sync" && r.Method == http.MethodPost:
		requiredScope = "records:write"
		route = "sync"
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "stores" && parts[3] == "changes" && r.Method == http.MethodGet:
		requiredScope = "sync:read"
		route = "changes"
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "stores" && parts[3] == "tasks" && r.Method == http.MethodPost:
		requiredScope = "records:write"
		route = "tasks"
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "stores" && parts[3] == "conflicts" && r.Method == http.MethodGet:
		requiredScope = "sync:read"
		route = "conflicts"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	correlationID := getCorrelationID(r)
	claims, authErr := authorizeBearer(bearerHeader(r), s.cfg.AuthSecret, requiredScope, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if s.rateLimiter != nil {
		if !s.rateLimiter.allow(claims.ClientName, time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}

	switch route {
	case "admin_backends":
		s.handleAdminBackends(w, r, correlationID)
	case "admin_backup":
		s.handleAdminBackup(w, r, correlationID)
	case "admin_restore":
		s.handleAdminRestore(w, r, correlationID)
	case "list_records":
		s.handleListRecords(w, r, parts[2], correlationID)
	case "put_record":
		s.handlePutRecord(w, r, parts[2], parts[4], correlationID)
	case "delete_record":
		s.handleDeleteRecord(w, r, parts[2], parts[4], correlationID)
	case "sync":
		s.handleSync(w, r, parts[2], correlationID)
	case "changes":
		s.handleChanges(w, r, parts[2], correlationID)
	case "tasks":
		s.handleTasks(w, r, parts[2], correlationID)
	case "conflicts":
		s.handleConflicts(w, r, parts[2], correlationID)
	}
}

func (s *Server) handleListRecords(w http.ResponseWriter, r *http.Request, store, correlationID string) {
	result, err := s.service.List(r.Context(), store)
	if err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handlePutRecord(w http.ResponseWriter, r *http.Request, store, id, correlationID string) {
	var item syncstore.Record
	if !s.decodeJSONBody(w, r, correlationID, &item) {
		return
	}
	result, err := s.service.Put(r.Context(), syncstore.PutRequest{
		Store:    store,
		ID:       id,
		Item:     item,
		ClientID: getClientID(r),
	})
	if err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, result)
}

func (s *Server) handleDeleteRecord(w http.ResponseWriter, r *http.Request, store, id, correlationID string) {
	result, err := s.service.Delete(r.Context(), syncstore.DeleteRequest{
		Store:    store,
		ID:       id,
		ClientID: getClientID(r),
	})
	if err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request, store, correlationID string) {
	var body struct {
		Items       []syncstore.Record `json:"items"`
		LastVersion int64              `json:"lastVersion"`
		ClientID    string             `json:"clientId"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	clientID := body.ClientID
	if clientID == "" {
		clientID = getClientID(r)
	}
	result, err := s.service.Apply(r.Context(), syncstore.ApplyRequest{
		Store:       store,
		Items:       body.Items,
		ClientID:    clientID,
		LastVersion: body.LastVersion,
	})
	if err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request, store, correlationID string) {
	since, err := parseInt64(r.URL.Query().Get("since"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid since parameter", correlationID)
		return
	}
	result, svcErr := s.service.ChangesSince(r.Context(), store, since)
	if svcErr != nil {
		s.writeServiceError(w, svcErr, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request, store, correlationID string) {
	var body struct {
		Tasks    []syncstore.Task `json:"tasks"`
		ClientID string           `json:"clientId"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	clientID := body.ClientID
	if clientID == "" {
		clientID = getClientID(r)
	}
	result, err := s.service.SubmitTasks(r.Context(), store, body.Tasks, clientID)
	if err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleConflicts(w http.ResponseWriter, r *http.Request, store, correlationID string) {
	reports := s.service.Conflicts(store)
	writeJSON(w, http.StatusOK, map[string]any{
		"conflicts": reports,
		"count":     len(reports),
	})
}

func (s *Server) handleAdminBackends(w http.ResponseWriter, r *http.Request, correlationID string) {
	stats, err := s.service.Stats(r.Context())
	if err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	connections := []syncstore.ConnectionInfo{}
	if s.hub != nil {
		connections = s.hub.Connections()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"stores":      stats,
		"connections": connections,
	})
}

func (s *Server) handleAdminBackup(w http.ResponseWriter, r *http.Request, correlationID string) {
	var body struct {
		Path string `json:"path"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	if strings.TrimSpace(body.Path) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "path is required", correlationID)
		return
	}
	snapshot, err := s.service.ExportToFile(r.Context(), body.Path)
	if err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"path":      body.Path,
		"stores":    len(snapshot.Stores),
		"createdAt": snapshot.CreatedAt,
	})
}

func (s *Server) handleAdminRestore(w http.ResponseWriter, r *http.Request, correlationID string) {
	var body struct {
		Path   string `json:"path"`
		Policy string `json:"policy"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	if strings.TrimSpace(body.Path) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "path is required", correlationID)
		return
	}
	result, err := s.service.RestoreFromFile(r.Context(), body.Path, syncstore.RestorePolicy(body.Policy), getClientID(r))
	if err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) writeServiceError(w http.ResponseWriter, err error, correlationID string) {
	var versionConflict *syncstore.VersionConflictError
	if errors.As(err, &versionConflict) {
		writeJSON(w, http.StatusConflict, map[string]any{
			"success":       false,
			"needsFullSync": true,
			"serverVersion": versionConflict.ServerVersion,
		})
		return
	}
	var resync *syncstore.ResyncRequiredError
	if errors.As(err, &resync) {
		writeJSON(w, http.StatusGone, map[string]any{
			"success":       false,
			"needsFullSync": true,
			"oldestVersion": resync.OldestVersion,
		})
		return
	}
	switch {
	case errors.Is(err, syncstore.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, syncstore.ErrValidation), errors.Is(err, syncstore.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func bearerHeader(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		return header
	}
	// Browser clients (websocket, dashboard) cannot set headers.
	if token := r.URL.Query().Get("access_token"); token != "" {
		return "Bearer " + token
	}
	return ""
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func getClientID(r *http.Request) string {
	return r.Header.Get("X-Client-Id")
}

func parseInt64(raw string) (int64, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}
