package model

import "time"

type ChatType string

const (
	ChatTypePrivate         ChatType = "private"
	ChatTypeStageGroup      ChatType = "stage_group"
	ChatTypeDepartmentGroup ChatType = "department_group"
	ChatTypeCustomGroup     ChatType = "custom_group"
)

// Chat is the denormalized chat document. LastMessage, LastMessageAt and
// MessageCount are maintained by the send pipeline; PinnedMessages is a
// derived cache of per-message pin flags and is repaired on read.
type Chat struct {
	ID                     string    `json:"id"`
	ChatType               ChatType  `json:"chat_type"`
	Name                   string    `json:"name"`
	Participants           []string  `json:"participants"`
	Admins                 []string  `json:"admins,omitempty"`
	Representatives        []string  `json:"representatives,omitempty"`
	RequiresRepresentative bool      `json:"requires_representative"`
	Settings               string    `json:"settings,omitempty"` // raw JSON blob, parsed via ParseChatSettings
	LastMessage            string    `json:"last_message,omitempty"`
	LastMessageAt          time.Time `json:"last_message_at"`
	MessageCount           int       `json:"message_count"`
	PinnedMessages         []string  `json:"pinned_messages,omitempty"`
	CreatedBy              string    `json:"created_by"`
	CreatedAt              time.Time `json:"created_at"`
}

// IsGroup reports whether the chat is any of the group types.
func (c *Chat) IsGroup() bool {
	return c.ChatType != ChatTypePrivate
}

// HasParticipant reports whether userID is in the participant list.
func (c *Chat) HasParticipant(userID string) bool {
	return contains(c.Participants, userID)
}

// IsAdmin reports whether userID is in the admin list.
func (c *Chat) IsAdmin(userID string) bool {
	return contains(c.Admins, userID)
}

// IsRepresentative reports whether userID is in the representative list.
func (c *Chat) IsRepresentative(userID string) bool {
	return contains(c.Representatives, userID)
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// ChatPrefs are per-user-per-chat settings kept outside the chat document.
type ChatPrefs struct {
	ChatID     string    `json:"chat_id"`
	UserID     string    `json:"user_id"`
	Muted      bool      `json:"muted"`
	Bookmarked bool      `json:"bookmarked"`
	UpdatedAt  time.Time `json:"updated_at"`
}
