package model

import "time"

type NotificationType string

const (
	NotificationLike       NotificationType = "like"
	NotificationReply      NotificationType = "reply"
	NotificationMention    NotificationType = "mention"
	NotificationFriendPost NotificationType = "friend_post"
	NotificationFollow     NotificationType = "follow"
)

// Notification is created by a social action towards a user. One is never
// created when the sender is the recipient.
type Notification struct {
	ID        string           `json:"id"`
	UserID    string           `json:"user_id"`
	SenderID  string           `json:"sender_id"`
	Type      NotificationType `json:"type"`
	PostID    string           `json:"post_id,omitempty"`
	ChatID    string           `json:"chat_id,omitempty"`
	IsRead    bool             `json:"is_read"`
	CreatedAt time.Time        `json:"created_at"`
}
