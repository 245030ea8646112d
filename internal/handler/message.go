package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/campuslink/internal/chat"
	"github.com/campuslink/internal/middleware"
	"github.com/campuslink/internal/repository"
)

type MessageHandler struct {
	chatSvc  *chat.Service
	chatRepo *repository.ChatRepository
	userRepo *repository.UserRepository
}

func NewMessageHandler(chatSvc *chat.Service, chatRepo *repository.ChatRepository, userRepo *repository.UserRepository) *MessageHandler {
	return &MessageHandler{chatSvc: chatSvc, chatRepo: chatRepo, userRepo: userRepo}
}

// requireParticipant загружает чат и проверяет членство. Возвращает false,
// если ответ уже записан.
func (h *MessageHandler) requireParticipant(w http.ResponseWriter, r *http.Request, chatID, userID string) bool {
	c, err := h.chatRepo.GetByID(r.Context(), chatID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "chat not found")
			return false
		}
		writeError(w, http.StatusInternalServerError, "failed to load chat")
		return false
	}
	if !c.HasParticipant(userID) {
		writeError(w, http.StatusForbidden, "not a participant")
		return false
	}
	return true
}

type sendMessageRequest struct {
	Content   string   `json:"content"`
	Images    []string `json:"images,omitempty"`
	ReplyToID string   `json:"reply_to_id,omitempty"`
}

// Send прогоняет сообщение через полный конвейер отправки.
func (h *MessageHandler) Send(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	userID := middleware.GetUserID(r.Context())

	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	senderName := ""
	if u, err := h.userRepo.GetByID(r.Context(), userID); err == nil {
		senderName = u.Username
	}

	m, err := h.chatSvc.SendMessage(r.Context(), chatID, chat.SendInput{
		SenderID:   userID,
		SenderName: senderName,
		Content:    req.Content,
		Images:     req.Images,
		ReplyToID:  req.ReplyToID,
	})
	if err != nil {
		switch {
		case errors.Is(err, chat.ErrEmptyMessage), errors.Is(err, chat.ErrInvalidInput):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, chat.ErrNotPermitted):
			writeError(w, http.StatusForbidden, "not permitted")
		case errors.Is(err, chat.ErrPermissionUnavailable):
			// Временный сбой проверки прав — клиенту имеет смысл повторить.
			writeError(w, http.StatusServiceUnavailable, "permission check unavailable, try again")
		default:
			writeError(w, http.StatusInternalServerError, "failed to send message")
		}
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

// List возвращает страницу сообщений (новые сверху). ?cache=0 выключает кеш.
func (h *MessageHandler) List(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	userID := middleware.GetUserID(r.Context())
	if !h.requireParticipant(w, r, chatID, userID) {
		return
	}
	limit := queryInt(r, "limit", 100)
	offset := queryInt(r, "offset", 0)
	useCache := r.URL.Query().Get("cache") != "0"

	messages, err := h.chatSvc.GetMessages(r.Context(), chatID, limit, offset, useCache)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load messages")
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

// Image перенаправляет на URL картинки сообщения. URL берётся из кеша с
// длинным TTL, поэтому повторные обращения обычно не трогают базу.
func (h *MessageHandler) Image(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	messageID := chi.URLParam(r, "messageID")
	userID := middleware.GetUserID(r.Context())
	if !h.requireParticipant(w, r, chatID, userID) {
		return
	}
	url, err := h.chatSvc.GetImageURL(r.Context(), chatID, messageID)
	if err != nil {
		writeError(w, http.StatusNotFound, "message not found")
		return
	}
	if url == "" {
		writeError(w, http.StatusNotFound, "message has no image")
		return
	}
	http.Redirect(w, r, url, http.StatusFound)
}

// MarkRead ставит отметку о прочтении одного сообщения.
func (h *MessageHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	messageID := chi.URLParam(r, "messageID")
	userID := middleware.GetUserID(r.Context())
	if !h.requireParticipant(w, r, chatID, userID) {
		return
	}
	if err := h.chatSvc.MarkMessageAsRead(r.Context(), chatID, messageID, userID); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to mark read")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// MarkChatRead ставит отметки на все непрочитанные сообщения чата.
func (h *MessageHandler) MarkChatRead(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	userID := middleware.GetUserID(r.Context())
	if !h.requireParticipant(w, r, chatID, userID) {
		return
	}
	h.chatSvc.MarkChatAsRead(r.Context(), chatID, userID)
	w.WriteHeader(http.StatusNoContent)
}

// UnreadCount возвращает число непрочитанных в окне последних сообщений.
func (h *MessageHandler) UnreadCount(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	userID := middleware.GetUserID(r.Context())
	if !h.requireParticipant(w, r, chatID, userID) {
		return
	}
	n, err := h.chatSvc.GetUnreadCount(r.Context(), chatID, userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to count unread")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"unread": n})
}

// Pin закрепляет сообщение.
func (h *MessageHandler) Pin(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	messageID := chi.URLParam(r, "messageID")
	userID := middleware.GetUserID(r.Context())
	if err := h.chatSvc.PinMessage(r.Context(), chatID, messageID, userID); err != nil {
		h.writePinError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Unpin снимает закрепление.
func (h *MessageHandler) Unpin(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	messageID := chi.URLParam(r, "messageID")
	userID := middleware.GetUserID(r.Context())
	if err := h.chatSvc.UnpinMessage(r.Context(), chatID, messageID, userID); err != nil {
		h.writePinError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *MessageHandler) writePinError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, chat.ErrNotPermitted):
		writeError(w, http.StatusForbidden, "not permitted")
	case errors.Is(err, chat.ErrPermissionUnavailable):
		writeError(w, http.StatusServiceUnavailable, "permission check unavailable, try again")
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, "message not found")
	default:
		writeError(w, http.StatusInternalServerError, "pin operation failed")
	}
}

// ListPinned возвращает закреплённые сообщения чата.
func (h *MessageHandler) ListPinned(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	userID := middleware.GetUserID(r.Context())
	if !h.requireParticipant(w, r, chatID, userID) {
		return
	}
	pinned, err := h.chatSvc.GetPinnedMessages(r.Context(), chatID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load pinned messages")
		return
	}
	writeJSON(w, http.StatusOK, pinned)
}
