package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/comigor/chatrelay/internal/analysis"
	"github.com/comigor/chatrelay/internal/blob"
	"github.com/comigor/chatrelay/internal/chat"
)

// Handler contains shared dependencies for all HTTP handlers. The chat server
// sets Chat and Blob, the analysis server sets Pipeline.
type Handler struct {
	chat            *chat.Service
	pipeline        *analysis.Pipeline
	blob            *blob.Store
	analysisTimeout time.Duration
	healthCheck     func(context.Context) error
	now             func() time.Time
}

// Deps wires a Handler.
type Deps struct {
	Chat     *chat.Service
	Pipeline *analysis.Pipeline
	Blob     *blob.Store
	// AnalysisTimeout bounds one /analyze run independently of the caller.
	AnalysisTimeout time.Duration
	// HealthCheck, when set, gates the health endpoint on a dependency.
	HealthCheck func(context.Context) error
}

// NewHandler creates a new Handler.
func NewHandler(d Deps) *Handler {
	timeout := d.AnalysisTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Handler{
		chat:            d.Chat,
		pipeline:        d.Pipeline,
		blob:            d.Blob,
		analysisTimeout: timeout,
		healthCheck:     d.HealthCheck,
		now:             time.Now,
	}
}

// JSON sends a JSON response with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Error sends a JSON error response with the given status code.
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, map[string]string{"error": message})
}
