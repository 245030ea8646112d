package model

import "time"

// Message is a chat message document. A message must carry non-empty Content
// or an ImageURL; only a single image is persisted even when the client
// offers several. Messages are never edited: mutations are limited to pin
// state and read-receipt appends.
type Message struct {
	ID         string `json:"id"`
	ChatID     string `json:"chat_id"`
	SenderID   string `json:"sender_id"`
	SenderName string `json:"sender_name,omitempty"`

	Content  string `json:"content,omitempty"`
	ImageURL string `json:"image_url,omitempty"`

	ReplyToID      *string `json:"reply_to_id,omitempty"`
	ReplyToContent string  `json:"reply_to_content,omitempty"`
	ReplyToSender  string  `json:"reply_to_sender,omitempty"`

	MentionsAll bool `json:"mentions_all"`

	IsPinned bool       `json:"is_pinned"`
	PinnedBy string     `json:"pinned_by,omitempty"`
	PinnedAt *time.Time `json:"pinned_at,omitempty"`

	// ReadBy lists user ids that have seen the message. Appends are idempotent.
	ReadBy []string `json:"read_by,omitempty"`

	// Seq is a per-chat monotonic sequence; it makes "newer event wins"
	// deterministic in the feed reconciler regardless of arrival order.
	Seq       int64     `json:"seq"`
	CreatedAt time.Time `json:"created_at"`
}

// HasReader reports whether userID already appears in ReadBy.
func (m *Message) HasReader(userID string) bool {
	return contains(m.ReadBy, userID)
}

// Preview returns the chat-list preview text, truncated to max runes.
func (m *Message) Preview(max int) string {
	text := m.Content
	if text == "" && m.ImageURL != "" {
		text = "[image]"
	}
	runes := []rune(text)
	if len(runes) > max {
		return string(runes[:max])
	}
	return text
}
