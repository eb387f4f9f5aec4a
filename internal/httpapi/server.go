package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/claritihq/tasksync/internal/classify"
	"github.com/claritihq/tasksync/internal/ingest"
	"github.com/claritihq/tasksync/internal/taskstore"
)

type ServerConfig struct {
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	// PrioritizeWindow bounds how far ahead the prioritize pass looks
	// for due tasks.
	PrioritizeWindow time.Duration
}

type Server struct {
	store        taskstore.Store
	orchestrator *ingest.Orchestrator
	classifier   *classify.Classifier
	hub          *StreamHub
	cfg          ServerConfig
	rateLimiter  *rateLimiter
	now          func() time.Time
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

func (l *rateLimiter) allow(key string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.entries[key]
	if !ok || now.After(entry.resetAt) {
		l.entries[key] = rateEntry{count: 1, resetAt: now.Add(l.window)}
		return true
	}
	if entry.count >= l.max {
		return false
	}
	entry.count++
	l.entries[key] = entry
	return true
}

func NewServer(store taskstore.Store, orchestrator *ingest.Orchestrator, classifier *classify.Classifier, hub *StreamHub, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.PrioritizeWindow <= 0 {
		cfg.PrioritizeWindow = 30 * 24 * time.Hour
	}
	if hub == nil {
		hub = NewStreamHub()
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
		store:        store,
		orchestrator: orchestrator,
		classifier:   classifier,
		hub:          hub,
		cfg:          cfg,
		rateLimiter:  limiter,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Hub exposes the event sink to wire into the orchestrator.
func (s *Server) Hub() *StreamHub { return s.hub }

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) < 4 || parts[0] != "v1" || parts[1] != "users" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}
	userID := parts[2]
	tail := parts[3:]

	var route, requiredScope string
	switch {
	case len(tail) == 3 && tail[0] == "integrations" && tail[2] == "sync" && r.Method == http.MethodPost:
		route, requiredScope = "sync", scopeSyncTrigger
	case len(tail) == 2 && tail[0] == "integrations" && tail[1] == "sync-all" && r.Method == http.MethodPost:
		route, requiredScope = "sync_all", scopeSyncTrigger
	case len(tail) == 2 && tail[0] == "tasks" && tail[1] == "cleanup" && r.Method == http.MethodPost:
		route, requiredScope = "cleanup", scopeTasksWrite
	case len(tail) == 2 && tail[0] == "tasks" && tail[1] == "cleanup-duplicates" && r.Method == http.MethodPost:
		route, requiredScope = "cleanup_duplicates", scopeTasksWrite
	case len(tail) == 2 && tail[0] == "tasks" && tail[1] == "prioritize" && r.Method == http.MethodPost:
		route, requiredScope = "prioritize", scopeTasksWrite
	case len(tail) == 1 && tail[0] == "tasks" && r.Method == http.MethodGet:
		route, requiredScope = "tasks", scopeTasksRead
	case len(tail) == 2 && tail[0] == "sync" && tail[1] == "stream" && r.Method == http.MethodGet:
		route, requiredScope = "stream", scopeTasksRead
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, userID, requiredScope, s.now())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	correlationID := getCorrelationID(r)
	if s.rateLimiter != nil {
		if !s.rateLimiter.allow(claims.Subject, s.now()) {
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
	case "sync":
		s.handleSync(w, r, userID, tail[1], correlationID)
	case "sync_all":
		s.handleSyncAll(w, r, userID, correlationID)
	case "cleanup":
		s.handleCleanup(w, r, userID, correlationID)
	case "cleanup_duplicates":
		s.handleCleanupDuplicates(w, r, userID, correlationID)
	case "prioritize":
		s.handlePrioritize(w, r, userID, correlationID)
	case "tasks":
		s.handleListTasks(w, r, userID, correlationID)
	case "stream":
		s.handleStream(w, r, userID)
	}
}

// handleSync triggers one provider sync. Per-item failures are part of
// the summary and stay 200; only provider-level conditions map to error
// statuses.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request, userID, rawProvider, correlationID string) {
	provider, ok := taskstore.ParseSource(rawProvider)
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown_provider", "unknown provider: "+rawProvider, correlationID)
		return
	}
	summary, err := s.orchestrator.SyncProvider(r.Context(), userID, provider)
	if err != nil {
		s.writeSyncError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleSyncAll(w http.ResponseWriter, r *http.Request, userID, correlationID string) {
	all, err := s.orchestrator.SyncAll(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "sync_failed", err.Error(), correlationID)
		return
	}
	// Partial provider failures are reported in the body, not the status.
	writeJSON(w, http.StatusOK, all)
}

func (s *Server) writeSyncError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, ingest.ErrNotConnected):
		writeError(w, http.StatusConflict, "not_connected", err.Error(), correlationID)
	case errors.Is(err, ingest.ErrAuthExpired):
		writeError(w, http.StatusConflict, "auth_expired", err.Error(), correlationID)
	case errors.Is(err, ingest.ErrProviderUnavailable):
		writeError(w, http.StatusBadGateway, "provider_unavailable", err.Error(), correlationID)
	case errors.Is(err, taskstore.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error(), correlationID)
	default:
		writeError(w, http.StatusInternalServerError, "sync_failed", err.Error(), correlationID)
	}
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request, userID, correlationID string) {
	removed, err := taskstore.CleanupJunk(r.Context(), s.store, userID)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "removed": removed})
}

func (s *Server) handleCleanupDuplicates(w http.ResponseWriter, r *http.Request, userID, correlationID string) {
	removed, err := taskstore.CleanupDuplicates(r.Context(), s.store, userID)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "removed": removed})
}

// handlePrioritize scores the user's open tasks due inside the window
// and persists the ranking fields. A single failing task is skipped and
// counted, mirroring the sync loop's isolation.
func (s *Server) handlePrioritize(w http.ResponseWriter, r *http.Request, userID, correlationID string) {
	now := s.now()
	tasks, err := s.store.ListDueBetween(r.Context(), userID, now.Add(-24*time.Hour), now.Add(s.cfg.PrioritizeWindow))
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}

	prioritized, failed := 0, 0
	for _, task := range tasks {
		if task.Completed {
			continue
		}
		score := s.classifier.Prioritize(r.Context(), task, now)
		task.Priority = score.Priority
		task.UrgencyScore = score.Urgency
		task.AISummary = score.Reasoning
		task.AIProcessed = true
		if err := s.store.Update(r.Context(), &task); err != nil {
			failed++
			continue
		}
		prioritized++
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"prioritized": prioritized,
		"failed":      failed,
	})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request, userID, correlationID string) {
	var tasks []taskstore.Task
	var err error
	if rawSource := r.URL.Query().Get("source"); rawSource != "" {
		source, ok := taskstore.ParseSource(rawSource)
		if !ok {
			writeError(w, http.StatusBadRequest, "unknown_provider", "unknown source: "+rawSource, correlationID)
			return
		}
		tasks, err = s.store.ListBySource(r.Context(), userID, source)
	} else {
		tasks, err = s.store.ListByUser(r.Context(), userID)
	}
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks, "count": len(tasks)})
}

// handleStream upgrades to a websocket and forwards the user's sync
// progress events until the client goes away.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request, userID string) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	ctx := conn.CloseRead(r.Context())
	events := s.hub.Subscribe(userID)
	defer s.hub.Unsubscribe(userID, events)

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case event := <-events:
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, event)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, taskstore.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, taskstore.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error(), correlationID)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
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
