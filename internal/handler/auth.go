package handler

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/campuslink/internal/middleware"
	"github.com/campuslink/internal/model"
	"github.com/campuslink/internal/repository"
	"github.com/campuslink/internal/storage"
)

const (
	// sessionTTL — срок жизни токена в KV-хранилище.
	sessionTTL = 30 * 24 * time.Hour
	// minPasswordLen — нижняя граница длины пароля при регистрации.
	minPasswordLen = 8
)

// UserAccounts — ровно те операции с пользователями, что нужны аутентификации.
type UserAccounts interface {
	Create(ctx context.Context, u *model.User) error
	GetByUsername(ctx context.Context, username string) (*model.User, error)
}

type AuthHandler struct {
	users    UserAccounts
	sessions storage.Store
}

func NewAuthHandler(users UserAccounts, sessions storage.Store) *AuthHandler {
	return &AuthHandler{users: users, sessions: sessions}
}

type registerRequest struct {
	Username   string `json:"username"`
	Password   string `json:"password"`
	Department string `json:"department,omitempty"`
	Stage      string `json:"stage,omitempty"`
	AvatarURL  string `json:"avatar_url,omitempty"`
}

type authResponse struct {
	Token string      `json:"token"`
	User  *model.User `json:"user"`
}

// Register создаёт пользователя и сразу выдаёт токен сессии.
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" {
		writeError(w, http.StatusBadRequest, "username is required")
		return
	}
	if len(req.Password) < minPasswordLen {
		writeError(w, http.StatusBadRequest, "password must be at least 8 characters")
		return
	}
	if existing, err := h.users.GetByUsername(r.Context(), req.Username); err == nil && existing != nil {
		writeError(w, http.StatusConflict, "username already taken")
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create user")
		return
	}

	now := time.Now().UTC()
	u := &model.User{
		ID:           uuid.New().String(),
		Username:     req.Username,
		PasswordHash: string(hash),
		AvatarURL:    req.AvatarURL,
		Department:   req.Department,
		Stage:        req.Stage,
		LastSeenAt:   now,
		CreatedAt:    now,
	}
	if err := h.users.Create(r.Context(), u); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create user")
		return
	}
	token, err := h.issueToken(r, u.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create session")
		return
	}
	writeJSON(w, http.StatusCreated, authResponse{Token: token, User: u})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Login выдаёт новый токен по паре имя/пароль. Неизвестное имя и неверный
// пароль отвечают одинаково, чтобы не раскрывать занятые имена.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	u, err := h.users.GetByUsername(r.Context(), strings.TrimSpace(req.Username))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load user")
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(req.Password)) != nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	token, err := h.issueToken(r, u.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create session")
		return
	}
	writeJSON(w, http.StatusOK, authResponse{Token: token, User: u})
}

// Logout инвалидирует текущий токен.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
	if token != "" {
		_ = h.sessions.Delete(r.Context(), middleware.SessionKey(token))
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AuthHandler) issueToken(r *http.Request, userID string) (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	token := hex.EncodeToString(buf)
	if err := h.sessions.Set(r.Context(), middleware.SessionKey(token), userID, sessionTTL); err != nil {
		return "", err
	}
	return token, nil
}
