package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/campuslink/internal/chat"
	"github.com/campuslink/internal/middleware"
)

// PrefsHandler обслуживает личные настройки чата: mute и закладки.
// Настройки действуют только на самого пользователя, прав не требуют.
type PrefsHandler struct {
	chatSvc *chat.Service
}

func NewPrefsHandler(chatSvc *chat.Service) *PrefsHandler {
	return &PrefsHandler{chatSvc: chatSvc}
}

// Get возвращает настройки пользователя для чата.
func (h *PrefsHandler) Get(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	userID := middleware.GetUserID(r.Context())
	prefs, err := h.chatSvc.GetPrefs(r.Context(), chatID, userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load prefs")
		return
	}
	writeJSON(w, http.StatusOK, prefs)
}

type muteRequest struct {
	Muted bool `json:"muted"`
}

// SetMuted включает или выключает mute чата.
func (h *PrefsHandler) SetMuted(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	userID := middleware.GetUserID(r.Context())
	var req muteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if err := h.chatSvc.SetMuted(r.Context(), chatID, userID, req.Muted); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to update mute")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type bookmarkRequest struct {
	Bookmarked bool `json:"bookmarked"`
}

// SetBookmarked добавляет или убирает чат из закладок.
func (h *PrefsHandler) SetBookmarked(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	userID := middleware.GetUserID(r.Context())
	var req bookmarkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if err := h.chatSvc.SetBookmarked(r.Context(), chatID, userID, req.Bookmarked); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to update bookmark")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
