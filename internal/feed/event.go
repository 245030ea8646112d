// Package feed merges two sources of chat updates — realtime pub/sub events
// and periodic fallback polls — into a single ordered, deduplicated stream
// per chat.
package feed

import (
	"encoding/json"
	"fmt"

	"github.com/campuslink/internal/model"
)

type EventType string

const (
	EventMessage  EventType = "new_message"
	EventRead     EventType = "message_read"
	EventPinned   EventType = "message_pinned"
	EventUnpinned EventType = "message_unpinned"
)

// Event is the wire envelope published on a chat's bus channel.
type Event struct {
	Type      EventType      `json:"type"`
	ChatID    string         `json:"chat_id"`
	Seq       int64          `json:"seq,omitempty"`
	Message   *model.Message `json:"message,omitempty"`
	MessageID string         `json:"message_id,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
}

// Channel returns the pub/sub channel name for a chat's feed.
func Channel(chatID string) string {
	return "feed:" + chatID
}

func (e Event) Encode() (string, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("feed.Encode: %w", err)
	}
	return string(b), nil
}

func DecodeEvent(payload string) (Event, error) {
	var e Event
	if err := json.Unmarshal([]byte(payload), &e); err != nil {
		return Event{}, fmt.Errorf("feed.DecodeEvent: %w", err)
	}
	return e, nil
}
