package handler

import (
	"encoding/json"
	"net/http"

	"github.com/campuslink/internal/middleware"
	"github.com/campuslink/internal/push"
)

// PushHandler проксирует подписки браузера на пуш-сервис и отдаёт
// публичный VAPID-ключ фронту.
type PushHandler struct {
	client   *push.Client
	vapidPub string
}

func NewPushHandler(client *push.Client, vapidPublicKey string) *PushHandler {
	return &PushHandler{client: client, vapidPub: vapidPublicKey}
}

// VAPIDPublicKey отдаёт ключ для PushManager.subscribe.
func (h *PushHandler) VAPIDPublicKey(w http.ResponseWriter, r *http.Request) {
	if !h.client.Enabled() || h.vapidPub == "" {
		writeError(w, http.StatusNotFound, "push disabled")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"public_key": h.vapidPub})
}

// Subscribe сохраняет подписку текущего пользователя.
func (h *PushHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	if !h.client.Enabled() {
		writeError(w, http.StatusNotFound, "push disabled")
		return
	}
	userID := middleware.GetUserID(r.Context())
	var sub push.Subscription
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil || sub.Endpoint == "" {
		writeError(w, http.StatusBadRequest, "invalid subscription")
		return
	}
	if err := h.client.Subscribe(r.Context(), userID, sub); err != nil {
		writeError(w, http.StatusBadGateway, "push service unavailable")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type unsubscribeRequest struct {
	Endpoint string `json:"endpoint"`
}

// Unsubscribe удаляет подписку по endpoint.
func (h *PushHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	if !h.client.Enabled() {
		writeError(w, http.StatusNotFound, "push disabled")
		return
	}
	userID := middleware.GetUserID(r.Context())
	var req unsubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Endpoint == "" {
		writeError(w, http.StatusBadRequest, "endpoint required")
		return
	}
	if err := h.client.Unsubscribe(r.Context(), userID, req.Endpoint); err != nil {
		writeError(w, http.StatusBadGateway, "push service unavailable")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
