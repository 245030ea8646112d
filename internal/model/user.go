package model

import "time"

type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	// PasswordHash — bcrypt; наружу не сериализуется никогда.
	PasswordHash string    `json:"-"`
	AvatarURL    string    `json:"avatar_url,omitempty"`
	Department   string    `json:"department,omitempty"`
	Stage        string    `json:"stage,omitempty"`
	LastSeenAt   time.Time `json:"last_seen_at"`
	CreatedAt    time.Time `json:"created_at"`
}
