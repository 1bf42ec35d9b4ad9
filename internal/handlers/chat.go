package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/comigor/chatrelay/internal/analysis"
	"github.com/comigor/chatrelay/internal/chat"
	"github.com/comigor/chatrelay/internal/history"
	"github.com/comigor/chatrelay/internal/llm"
	"github.com/comigor/chatrelay/internal/logger"
	"github.com/comigor/chatrelay/internal/templates"
)

// ChatRequest is the body of POST /api/chat.
type ChatRequest struct {
	SessionID string `json:"session_id"`
	Content   string `json:"content"`
}

// ChatResponse carries the reply and whatever analysis was waiting.
type ChatResponse struct {
	Response string           `json:"response"`
	Analysis *analysis.Result `json:"analysis"`
}

// Chat handles POST /api/chat.
func (h *Handler) Chat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	res, err := h.chat.Turn(r.Context(), chat.TurnRequest{SessionID: req.SessionID, Content: req.Content})
	if err != nil {
		h.chatError(w, err)
		return
	}
	h.JSON(w, http.StatusOK, ChatResponse{Response: res.Response, Analysis: res.Analysis})
}

// GetChat handles GET /api/get-chat?session_id=&template=.
func (h *Handler) GetChat(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	view, err := h.chat.Session(r.Context(), q.Get("session_id"), q.Get("template"))
	if err != nil {
		h.chatError(w, err)
		return
	}
	h.JSON(w, http.StatusOK, view)
}

func (h *Handler) chatError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, chat.ErrMissingSessionID):
		h.Error(w, http.StatusBadRequest, "No session_id provided")
	case errors.Is(err, chat.ErrMissingContent):
		h.Error(w, http.StatusBadRequest, "No message provided")
	case errors.Is(err, history.ErrInvalidSessionID):
		h.Error(w, http.StatusBadRequest, "Invalid session_id")
	case errors.Is(err, templates.ErrNoTemplates):
		h.Error(w, http.StatusNotFound, "No templates found")
	case errors.Is(err, templates.ErrNotFound):
		h.Error(w, http.StatusNotFound, "Template not found")
	case errors.Is(err, llm.ErrNotConfigured):
		h.Error(w, http.StatusInternalServerError, llm.ErrNotConfigured.Error())
	case errors.Is(err, chat.ErrUpstream):
		h.Error(w, http.StatusInternalServerError, "Error processing LLM response")
	case errors.Is(err, chat.ErrStorage):
		h.Error(w, http.StatusInternalServerError, "Error saving chat history")
	default:
		logger.L.Error("chat request failed", "error", err)
		h.Error(w, http.StatusInternalServerError, err.Error())
	}
}
