package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/comigor/chatrelay/internal/analysis"
	"github.com/comigor/chatrelay/internal/history"
	"github.com/comigor/chatrelay/internal/logger"
	"github.com/comigor/chatrelay/internal/metrics"
)

// AnalyzeRequest is the body of POST /analyze, as sent by the dispatcher.
type AnalyzeRequest struct {
	SessionID   string               `json:"session_id"`
	ChatHistory history.Conversation `json:"chat_history"`
}

// Analyze handles POST /analyze. The run is detached from the request so a
// caller that stops waiting does not abort it; the result lands in the cache
// either way.
func (h *Handler) Analyze(w http.ResponseWriter, r *http.Request) {
	var req AnalyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if strings.TrimSpace(req.SessionID) == "" {
		metrics.AnalysisRuns.WithLabelValues("invalid").Inc()
		h.Error(w, http.StatusBadRequest, "No session_id provided")
		return
	}
	if len(req.ChatHistory) == 0 {
		metrics.AnalysisRuns.WithLabelValues("invalid").Inc()
		h.Error(w, http.StatusBadRequest, "No chat history provided")
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), h.analysisTimeout)
	defer cancel()

	logger.L.Info("analysis job received", "session", req.SessionID, "messages", len(req.ChatHistory))
	start := time.Now()
	_, err := h.pipeline.Run(ctx, req.SessionID, req.ChatHistory)
	metrics.AnalysisDuration.Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		metrics.AnalysisRuns.WithLabelValues("ok").Inc()
		h.JSON(w, http.StatusOK, map[string]string{"status": "success"})
	case errors.Is(err, analysis.ErrEmptyTranscript):
		metrics.AnalysisRuns.WithLabelValues("invalid").Inc()
		h.Error(w, http.StatusBadRequest, "No chat history provided")
	case errors.Is(err, history.ErrInvalidSessionID):
		metrics.AnalysisRuns.WithLabelValues("invalid").Inc()
		h.Error(w, http.StatusBadRequest, "Invalid session_id")
	default:
		metrics.AnalysisRuns.WithLabelValues("failed").Inc()
		logger.L.Error("analysis failed", "session", req.SessionID, "error", err)
		h.Error(w, http.StatusInternalServerError, err.Error())
	}
}
