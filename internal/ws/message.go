package ws

import "github.com/campuslink/internal/model"

type EventType string

const (
	// Клиент -> сервер.
	EventSubscribe     EventType = "subscribe"
	EventUnsubscribe   EventType = "unsubscribe"
	EventAppBackground EventType = "app_background"
	EventAppForeground EventType = "app_foreground"
	EventMarkChatRead  EventType = "mark_chat_read"

	// В обе стороны.
	EventNewMessage  EventType = "new_message"
	EventMessageRead EventType = "message_read"

	// Сервер -> клиент.
	EventMessagePinned   EventType = "message_pinned"
	EventMessageUnpinned EventType = "message_unpinned"
	EventSubscribed      EventType = "subscribed"
	EventError           EventType = "error"
)

// IncomingMessage is what the client sends to the server.
type IncomingMessage struct {
	Type    EventType `json:"type"`
	ChatID  string    `json:"chat_id,omitempty"`
	Content string    `json:"content,omitempty"`

	Images    []string `json:"images,omitempty"`
	ReplyToID string   `json:"reply_to_id,omitempty"`
	MessageID string   `json:"message_id,omitempty"`
}

// OutgoingMessage is what the server sends to the client.
// Payload uses typed structs to avoid map[string]any allocations.
type OutgoingMessage struct {
	Type    EventType `json:"type"`
	Payload any       `json:"payload"`
}

// NewMessagePayload carries a freshly delivered message.
type NewMessagePayload struct {
	ChatID  string         `json:"chat_id"`
	Message *model.Message `json:"message"`
}

// MessageReadPayload is broadcast when a read receipt lands.
type MessageReadPayload struct {
	ChatID    string `json:"chat_id"`
	MessageID string `json:"message_id,omitempty"`
	UserID    string `json:"user_id"`
}

// PinPayload is broadcast when a message is pinned or unpinned.
type PinPayload struct {
	ChatID    string `json:"chat_id"`
	MessageID string `json:"message_id"`
	PinnedBy  string `json:"pinned_by,omitempty"`
}

// SubscribedPayload confirms a chat subscription and carries the recent page
// so the client can render immediately.
type SubscribedPayload struct {
	ChatID   string          `json:"chat_id"`
	Messages []model.Message `json:"messages"`
}
