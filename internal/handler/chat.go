package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/campuslink/internal/middleware"
	"github.com/campuslink/internal/model"
	"github.com/campuslink/internal/repository"
)

type ChatHandler struct {
	chatRepo  *repository.ChatRepository
	userRepo  *repository.UserRepository
	prefsRepo *repository.PrefsRepository
}

func NewChatHandler(chatRepo *repository.ChatRepository, userRepo *repository.UserRepository, prefsRepo *repository.PrefsRepository) *ChatHandler {
	return &ChatHandler{chatRepo: chatRepo, userRepo: userRepo, prefsRepo: prefsRepo}
}

type createPrivateChatRequest struct {
	UserID string `json:"user_id"`
}

// CreatePrivateChat находит существующий личный чат или создаёт новый.
func (h *ChatHandler) CreatePrivateChat(w http.ResponseWriter, r *http.Request) {
	var req createPrivateChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	currentUserID := middleware.GetUserID(r.Context())
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	if req.UserID == currentUserID {
		writeError(w, http.StatusBadRequest, "cannot create chat with yourself")
		return
	}

	if existing, err := h.chatRepo.FindPrivateChat(r.Context(), currentUserID, req.UserID); err == nil {
		writeJSON(w, http.StatusOK, existing)
		return
	} else if !errors.Is(err, repository.ErrNotFound) {
		writeError(w, http.StatusInternalServerError, "failed to look up chat")
		return
	}

	if _, err := h.userRepo.GetByID(r.Context(), req.UserID); err != nil {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}

	now := time.Now().UTC()
	c := &model.Chat{
		ID:           uuid.New().String(),
		ChatType:     model.ChatTypePrivate,
		Participants: []string{currentUserID, req.UserID},
		Settings:     model.DefaultChatSettings().Encode(),
		CreatedBy:    currentUserID,
		CreatedAt:    now,
	}
	if err := h.chatRepo.Create(r.Context(), c); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create chat")
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

type createGroupChatRequest struct {
	Name                   string              `json:"name"`
	ChatType               model.ChatType      `json:"chat_type"`
	Participants           []string            `json:"participants"`
	Representatives        []string            `json:"representatives,omitempty"`
	RequiresRepresentative bool                `json:"requires_representative"`
	Settings               *model.ChatSettings `json:"settings,omitempty"`
}

// CreateGroupChat создаёт групповой чат; создатель всегда участник и админ.
func (h *ChatHandler) CreateGroupChat(w http.ResponseWriter, r *http.Request) {
	var req createGroupChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	switch req.ChatType {
	case model.ChatTypeStageGroup, model.ChatTypeDepartmentGroup, model.ChatTypeCustomGroup:
	case "":
		req.ChatType = model.ChatTypeCustomGroup
	default:
		writeError(w, http.StatusBadRequest, "invalid chat_type")
		return
	}

	currentUserID := middleware.GetUserID(r.Context())
	participants := req.Participants
	if !containsStr(participants, currentUserID) {
		participants = append(participants, currentUserID)
	}
	settings := model.DefaultChatSettings()
	if req.Settings != nil {
		settings = *req.Settings
	}

	now := time.Now().UTC()
	c := &model.Chat{
		ID:                     uuid.New().String(),
		ChatType:               req.ChatType,
		Name:                   strings.TrimSpace(req.Name),
		Participants:           participants,
		Admins:                 []string{currentUserID},
		Representatives:        req.Representatives,
		RequiresRepresentative: req.RequiresRepresentative,
		Settings:               settings.Encode(),
		CreatedBy:              currentUserID,
		CreatedAt:              now,
	}
	if err := h.chatRepo.Create(r.Context(), c); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create chat")
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

// ListChats возвращает чаты пользователя, свежие сверху.
func (h *ChatHandler) ListChats(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	chats, err := h.chatRepo.GetUserChats(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load chats")
		return
	}
	writeJSON(w, http.StatusOK, chats)
}

// ListBookmarkedChats возвращает закреплённые пользователем чаты.
func (h *ChatHandler) ListBookmarkedChats(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	ids, err := h.prefsRepo.BookmarkedChatIDs(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load bookmarks")
		return
	}
	chats := make([]model.Chat, 0, len(ids))
	for _, id := range ids {
		c, err := h.chatRepo.GetByID(r.Context(), id)
		if err != nil {
			continue
		}
		if c.HasParticipant(userID) {
			chats = append(chats, *c)
		}
	}
	writeJSON(w, http.StatusOK, chats)
}

// GetChat возвращает чат участнику.
func (h *ChatHandler) GetChat(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	userID := middleware.GetUserID(r.Context())
	c, err := h.chatRepo.GetByID(r.Context(), chatID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "chat not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load chat")
		return
	}
	if !c.HasParticipant(userID) {
		writeError(w, http.StatusForbidden, "not a participant")
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// UpdateSettings перезаписывает типизированные настройки чата. Только админ.
func (h *ChatHandler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	userID := middleware.GetUserID(r.Context())
	c, err := h.chatRepo.GetByID(r.Context(), chatID)
	if err != nil {
		writeError(w, http.StatusNotFound, "chat not found")
		return
	}
	if !c.IsAdmin(userID) {
		writeError(w, http.StatusForbidden, "admin only")
		return
	}
	var settings model.ChatSettings
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if err := h.chatRepo.UpdateSettings(r.Context(), chatID, settings.Encode()); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to update settings")
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

type participantsRequest struct {
	UserIDs []string `json:"user_ids"`
}

// AddParticipants добавляет участников. Только админ.
func (h *ChatHandler) AddParticipants(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	userID := middleware.GetUserID(r.Context())
	c, err := h.chatRepo.GetByID(r.Context(), chatID)
	if err != nil {
		writeError(w, http.StatusNotFound, "chat not found")
		return
	}
	if !c.IsGroup() {
		writeError(w, http.StatusBadRequest, "cannot add participants to a private chat")
		return
	}
	if !c.IsAdmin(userID) {
		writeError(w, http.StatusForbidden, "admin only")
		return
	}
	var req participantsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.UserIDs) == 0 {
		writeError(w, http.StatusBadRequest, "user_ids required")
		return
	}
	if err := h.chatRepo.AddParticipants(r.Context(), chatID, req.UserIDs); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to add participants")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RemoveParticipant удаляет участника (админ — любого, участник — себя).
func (h *ChatHandler) RemoveParticipant(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	targetID := chi.URLParam(r, "userID")
	userID := middleware.GetUserID(r.Context())
	c, err := h.chatRepo.GetByID(r.Context(), chatID)
	if err != nil {
		writeError(w, http.StatusNotFound, "chat not found")
		return
	}
	if targetID != userID && !c.IsAdmin(userID) {
		writeError(w, http.StatusForbidden, "admin only")
		return
	}
	if err := h.chatRepo.RemoveParticipant(r.Context(), chatID, targetID); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to remove participant")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func containsStr(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
