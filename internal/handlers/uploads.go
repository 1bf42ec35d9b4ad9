package handlers

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/oklog/ulid/v2"

	"github.com/comigor/chatrelay/internal/logger"
	"github.com/comigor/chatrelay/internal/templates"
)

// SaveTemplate handles POST /api/save_template. The body is stored as given,
// except that an inline data-URL avatar is uploaded separately and replaced
// by its URL.
func (h *Handler) SaveTemplate(w http.ResponseWriter, r *http.Request) {
	var data map[string]any
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil || len(data) == 0 {
		h.Error(w, http.StatusBadRequest, "No data provided")
		return
	}

	name, _ := data["name"].(string)
	if name == "" {
		name = "template"
	}
	id := templates.FileID(name, h.now())

	if avatar, ok := data["avatar"].(string); ok && strings.HasPrefix(avatar, "data:image") {
		url, err := h.uploadAvatar(r, id, avatar)
		if err != nil {
			logger.L.Warn("avatar upload failed", "template", id, "error", err)
		} else {
			data["avatar"] = url
			logger.L.Info("avatar uploaded", "template", id, "url", url)
		}
	}

	body, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		h.Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	templateURL, err := h.blob.Put(r.Context(), "templates/"+id+".json", body)
	if err != nil {
		logger.L.Error("saving template failed", "template", id, "error", err)
		h.Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	logger.L.Info("template saved", "template", id, "url", templateURL)

	h.JSON(w, http.StatusOK, map[string]any{
		"status":      "success",
		"message":     "Template saved successfully!",
		"templateUrl": templateURL,
		"avatarUrl":   data["avatar"],
	})
}

func (h *Handler) uploadAvatar(r *http.Request, id, dataURL string) (string, error) {
	_, encoded, ok := strings.Cut(dataURL, ",")
	if !ok {
		return "", fmt.Errorf("avatar is not a data URL")
	}
	img, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decode avatar: %w", err)
	}
	return h.blob.Put(r.Context(), "avatars/"+id+".png", img)
}

// SaveFeedback handles POST /api/save_feedback.
func (h *Handler) SaveFeedback(w http.ResponseWriter, r *http.Request) {
	var data map[string]any
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
		h.Error(w, http.StatusBadRequest, "No feedback message provided")
		return
	}
	if msg, _ := data["message"].(string); strings.TrimSpace(msg) == "" {
		h.Error(w, http.StatusBadRequest, "No feedback message provided")
		return
	}

	data["submittedAt"] = h.now().Unix()
	body, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		h.Error(w, http.StatusInternalServerError, err.Error())
		return
	}

	url, err := h.blob.Put(r.Context(), "feedback/feedback-"+ulid.Make().String()+".json", body)
	if err != nil {
		logger.L.Error("saving feedback failed", "error", err)
		h.Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	logger.L.Info("feedback saved", "url", url)

	h.JSON(w, http.StatusOK, map[string]string{
		"status":  "success",
		"message": "Feedback saved successfully!",
		"url":     url,
	})
}
