package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"provisioning-queue/internal/events"
	"provisioning-queue/internal/models"
	"provisioning-queue/internal/ratelimit"
	"provisioning-queue/internal/websocket"

	"github.com/go-chi/chi/v5"
	"github.com/go-logr/logr"
	ws "github.com/gorilla/websocket"
)

const (
	maxRequestBytes = 1 << 20
	maxListLimit    = 500
	clientIDHeader  = "X-Client-Id"
)

// Store is the queue surface the API exposes.
type Store interface {
	Enqueue(ctx context.Context, name, typ string, attributes map[string]any) (*models.QueueItem, error)
	Get(ctx context.Context, id string) (*models.QueueItem, error)
	Delete(ctx context.Context, id string) error
	ListByStatus(ctx context.Context, status models.Status, limit int) ([]models.QueueItem, error)
	ListExhausted(ctx context.Context, limit int) ([]models.QueueItem, error)
	Stats(ctx context.Context) (*models.QueueStats, error)
	Ping(ctx context.Context) error
}

// Server holds all HTTP handlers and dependencies
type Server struct {
	store       Store
	rateLimiter *ratelimit.RateLimiter
	wsManager   *websocket.Manager
	notifier    events.Notifier
	upgrader    ws.Upgrader
	log         logr.Logger
}

// NewServer creates a new API server. notifier receives enqueue and delete
// events; it is usually the websocket manager plus the Redis publisher.
func NewServer(store Store, wsManager *websocket.Manager, rateLimiter *ratelimit.RateLimiter, notifier events.Notifier, log logr.Logger) *Server {
	if notifier == nil {
		notifier = events.Discard
	}
	return &Server{
		store:       store,
		rateLimiter: rateLimiter,
		wsManager:   wsManager,
		notifier:    notifier,
		upgrader: ws.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log: log,
	}
}

// Enqueue handles provisioning requests from the purchase and admin flows.
func (s *Server) Enqueue(w http.ResponseWriter, r *http.Request) {
	caller := callerID(r)
	if s.rateLimiter != nil && !s.rateLimiter.Allow(caller) {
		s.log.Info("RATE_LIMIT", "caller", caller)
		writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "rate limit exceeded")
		return
	}

	var req models.EnqueueRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "invalid request body")
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	req.Type = strings.TrimSpace(req.Type)
	if req.Name == "" || req.Type == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "name and type are required")
		return
	}

	item, err := s.store.Enqueue(r.Context(), req.Name, req.Type, req.Attributes)
	if err != nil {
		s.log.Error(err, "enqueue failed", "name", req.Name)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to enqueue item")
		return
	}

	s.log.Info("SUBMIT", "item_id", item.ID, "name", item.Name, "type", item.Type, "caller", caller)
	s.notifier.Notify(r.Context(), models.QueueEvent{Kind: models.EventEnqueued, ItemID: item.ID, At: time.Now().UTC()})

	writeJSON(w, http.StatusCreated, item)
}

// GetItem returns one queue item. Completed items are gone, so 404 also
// covers "already provisioned".
func (s *Server) GetItem(w http.ResponseWriter, r *http.Request) {
	item, err := s.store.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, models.ErrNotFound) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "queue item not found")
		return
	}
	if err != nil {
		s.log.Error(err, "get item failed")
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to fetch item")
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// DeleteItem removes an item on operator request.
func (s *Server) DeleteItem(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.store.Delete(r.Context(), id)
	if errors.Is(err, models.ErrNotFound) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "queue item not found")
		return
	}
	if err != nil {
		s.log.Error(err, "delete item failed", "item_id", id)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to delete item")
		return
	}

	s.log.Info("DELETE", "item_id", id, "caller", callerID(r))
	s.notifier.Notify(r.Context(), models.QueueEvent{Kind: models.EventDeleted, ItemID: id, At: time.Now().UTC()})
	w.WriteHeader(http.StatusNoContent)
}

// ListItems returns items, newest first, optionally filtered by status.
func (s *Server) ListItems(w http.ResponseWriter, r *http.Request) {
	status := models.Status(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "unknown status")
		return
	}
	limit, ok := parseLimit(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "limit must be a positive integer")
		return
	}

	items, err := s.store.ListByStatus(r.Context(), status, limit)
	if err != nil {
		s.log.Error(err, "list items failed")
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to fetch items")
		return
	}
	writeJSON(w, http.StatusOK, items)
}

// ListExhausted returns failed items with no retries left.
func (s *Server) ListExhausted(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "limit must be a positive integer")
		return
	}
	items, err := s.store.ListExhausted(r.Context(), limit)
	if err != nil {
		s.log.Error(err, "list exhausted failed")
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to fetch items")
		return
	}
	writeJSON(w, http.StatusOK, items)
}

// GetStats returns queue counters
func (s *Server) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		s.log.Error(err, "stats failed")
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to fetch stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// HandleWebSocket handles WebSocket connections
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.V(1).Info("websocket upgrade failed", "error", err.Error())
		return
	}
	s.wsManager.AddClient(r.Context(), conn)
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "NOT_READY", "queue store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func parseLimit(r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, false
	}
	return min(n, maxListLimit), true
}

// callerID keys rate limiting: an explicit client id when the caller sends
// one, else the remote host.
func callerID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(clientIDHeader)); id != "" {
		return id
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
