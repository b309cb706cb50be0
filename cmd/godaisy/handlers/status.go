// Package handlers provides the local REST API served next to the status hub.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/Dovieandi-se-tovya-sagain/godaisy-core-sub002/internal/logging"
	"github.com/Dovieandi-se-tovya-sagain/godaisy-core-sub002/internal/network"
	syncpkg "github.com/Dovieandi-se-tovya-sagain/godaisy-core-sub002/internal/sync"
)

// Outbox is the cache view the status endpoint reads.
type Outbox interface {
	PendingCount(ctx context.Context) (int, error)
	DeadLetterCount(ctx context.Context) (int, error)
	GetCacheSize(ctx context.Context) (int64, error)
}

// Syncer is the coordinator view the handlers use.
type Syncer interface {
	Trigger(ctx context.Context) bool
	Status() syncpkg.Status
}

// StatusReader reports connectivity.
type StatusReader interface {
	Status(ctx context.Context) network.Status
}

// Publisher receives connectivity readings pushed by the host shell.
type Publisher interface {
	Publish(s network.Status)
}

// StatusHandler serves health, status, sync trigger and connectivity bridge
// endpoints.
type StatusHandler struct {
	outbox   Outbox
	syncer   Syncer
	network  StatusReader
	platform Publisher // nil when connectivity comes from a probe

	// triggerCtx outlives the request that triggered a cycle.
	triggerCtx context.Context
}

// NewStatusHandler creates a StatusHandler. platform may be nil.
func NewStatusHandler(ctx context.Context, outbox Outbox, syncer Syncer, net StatusReader, platform Publisher) *StatusHandler {
	return &StatusHandler{
		outbox:     outbox,
		syncer:     syncer,
		network:    net,
		platform:   platform,
		triggerCtx: ctx,
	}
}

// Register adds the routes to mux.
func (h *StatusHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/health", h.Health)
	mux.HandleFunc("GET /api/status", h.GetStatus)
	mux.HandleFunc("POST /api/sync", h.TriggerSync)
	mux.HandleFunc("POST /api/network", h.PublishNetwork)
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logging.Error("Failed to encode response", err, nil)
	}
}

// Health handles GET /api/health.
func (h *StatusHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "godaisy"})
}

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	Pending     int            `json:"pending"`
	DeadLetters int            `json:"dead_letters"`
	CacheBytes  int64          `json:"cache_bytes"`
	Network     network.Status `json:"network"`
	Sync        syncpkg.Status `json:"sync"`
}

// GetStatus handles GET /api/status.
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	pending, err := h.outbox.PendingCount(ctx)
	if err != nil {
		http.Error(w, "Failed to read outbox", http.StatusInternalServerError)
		return
	}
	dead, err := h.outbox.DeadLetterCount(ctx)
	if err != nil {
		http.Error(w, "Failed to read dead letters", http.StatusInternalServerError)
		return
	}
	size, err := h.outbox.GetCacheSize(ctx)
	if err != nil {
		http.Error(w, "Failed to read cache size", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, StatusResponse{
		Pending:     pending,
		DeadLetters: dead,
		CacheBytes:  size,
		Network:     h.network.Status(ctx),
		Sync:        h.syncer.Status(),
	})
}

// TriggerSync handles POST /api/sync. It returns 202 when a cycle was
// started and 409 when one is already running.
func (h *StatusHandler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	if !h.syncer.Trigger(h.triggerCtx) {
		writeJSON(w, http.StatusConflict, map[string]string{"status": "in_progress"})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

// PublishNetwork handles POST /api/network, the bridge through which a host
// shell reports native connectivity changes.
func (h *StatusHandler) PublishNetwork(w http.ResponseWriter, r *http.Request) {
	if h.platform == nil {
		http.Error(w, "Connectivity is probed, not published", http.StatusConflict)
		return
	}

	var s network.Status
	if err := json.NewDecoder(r.Body).Decode(&s); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	switch s.ConnectionType {
	case network.ConnectionWifi, network.ConnectionCellular, network.ConnectionNone, network.ConnectionUnknown:
	case "":
		s.ConnectionType = network.ConnectionUnknown
	default:
		http.Error(w, "Unknown connection_type", http.StatusBadRequest)
		return
	}

	h.platform.Publish(s)
	w.WriteHeader(http.StatusNoContent)
}
