// Package notify records in-app notifications. One hard rule applies to every
// entry point: a user never gets a notification about their own action.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/campuslink/internal/logger"
	"github.com/campuslink/internal/model"
)

type Store interface {
	Create(ctx context.Context, n *model.Notification) error
}

type Service struct {
	store Store
}

func NewService(store Store) *Service {
	return &Service{store: store}
}

// Record creates a notification unless the sender and recipient coincide.
func (s *Service) Record(ctx context.Context, userID, senderID string, typ model.NotificationType, postID, chatID string) error {
	if userID == senderID {
		return nil
	}
	n := &model.Notification{
		ID:        uuid.New().String(),
		UserID:    userID,
		SenderID:  senderID,
		Type:      typ,
		PostID:    postID,
		ChatID:    chatID,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.Create(ctx, n); err != nil {
		return fmt.Errorf("notify.Record: %w", err)
	}
	return nil
}

// RecordMention writes a mention notification for every chat participant
// except the sender. Best-effort: a failed row is logged, the rest proceed.
func (s *Service) RecordMention(ctx context.Context, chat *model.Chat, senderID string) {
	for _, uid := range chat.Participants {
		if err := s.Record(ctx, uid, senderID, model.NotificationMention, "", chat.ID); err != nil {
			logger.Errorf("notify.RecordMention chat=%s user=%s: %v", chat.ID, uid, err)
		}
	}
}
