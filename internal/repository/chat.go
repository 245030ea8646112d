package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/campuslink/internal/logger"
	"github.com/campuslink/internal/model"
)

const chatCols = `id, chat_type, name, participants, admins, representatives, requires_representative,
	COALESCE(settings,''), COALESCE(last_message,''), last_message_at, message_count, pinned_messages, created_by, created_at`

type ChatRepository struct {
	pool *pgxpool.Pool
}

func NewChatRepository(pool *pgxpool.Pool) *ChatRepository {
	return &ChatRepository{pool: pool}
}

func scanChat(s interface{ Scan(dest ...any) error }, c *model.Chat) error {
	return s.Scan(&c.ID, &c.ChatType, &c.Name, &c.Participants, &c.Admins, &c.Representatives,
		&c.RequiresRepresentative, &c.Settings, &c.LastMessage, &c.LastMessageAt,
		&c.MessageCount, &c.PinnedMessages, &c.CreatedBy, &c.CreatedAt)
}

func (r *ChatRepository) Create(ctx context.Context, c *model.Chat) error {
	defer logger.DeferLogDuration("chat.Create", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO chats (id, chat_type, name, participants, admins, representatives, requires_representative,
		                    settings, last_message, last_message_at, message_count, pinned_messages, created_by, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		c.ID, c.ChatType, c.Name, c.Participants, c.Admins, c.Representatives, c.RequiresRepresentative,
		c.Settings, c.LastMessage, c.LastMessageAt, c.MessageCount, c.PinnedMessages, c.CreatedBy, c.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("chatRepo.Create: %w", err)
	}
	return nil
}

func (r *ChatRepository) GetByID(ctx context.Context, id string) (*model.Chat, error) {
	defer logger.DeferLogDuration("chat.GetByID", time.Now())()
	c := &model.Chat{}
	row := r.pool.QueryRow(ctx, `SELECT `+chatCols+` FROM chats WHERE id = $1`, id)
	if err := scanChat(row, c); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("chatRepo.GetByID: %w", err)
	}
	return c, nil
}

// GetChat makes ChatRepository satisfy access.ChatGetter and the chat
// service's store interface.
func (r *ChatRepository) GetChat(ctx context.Context, chatID string) (*model.Chat, error) {
	return r.GetByID(ctx, chatID)
}

func (r *ChatRepository) GetUserChats(ctx context.Context, userID string) ([]model.Chat, error) {
	defer logger.DeferLogDuration("chat.GetUserChats", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT `+chatCols+` FROM chats
		 WHERE participants @> ARRAY[$1]
		 ORDER BY last_message_at DESC`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("chatRepo.GetUserChats query: %w", err)
	}
	defer rows.Close()

	chats := make([]model.Chat, 0, 16)
	for rows.Next() {
		var c model.Chat
		if err := scanChat(rows, &c); err != nil {
			return nil, fmt.Errorf("chatRepo.GetUserChats scan: %w", err)
		}
		chats = append(chats, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("chatRepo.GetUserChats rows: %w", err)
	}
	return chats, nil
}

// FindPrivateChat returns the private chat shared by exactly the two users.
func (r *ChatRepository) FindPrivateChat(ctx context.Context, userID1, userID2 string) (*model.Chat, error) {
	defer logger.DeferLogDuration("chat.FindPrivateChat", time.Now())()
	c := &model.Chat{}
	row := r.pool.QueryRow(ctx,
		`SELECT `+chatCols+` FROM chats
		 WHERE chat_type = 'private'
		   AND participants @> ARRAY[$1, $2]::text[]
		   AND cardinality(participants) = 2`,
		userID1, userID2,
	)
	if err := scanChat(row, c); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("chatRepo.FindPrivateChat: %w", err)
	}
	return c, nil
}

// UpdateLastMessage bumps the denormalized send counters: message_count,
// preview and last_message_at. Deliberately a separate statement from message
// insertion — a failure here leaves the preview stale, never the message lost.
func (r *ChatRepository) UpdateLastMessage(ctx context.Context, chatID, preview string, at time.Time) error {
	defer logger.DeferLogDuration("chat.UpdateLastMessage", time.Now())()
	_, err := r.pool.Exec(ctx,
		`UPDATE chats SET message_count = message_count + 1, last_message = $1, last_message_at = $2 WHERE id = $3`,
		preview, at, chatID,
	)
	if err != nil {
		return fmt.Errorf("chatRepo.UpdateLastMessage: %w", err)
	}
	return nil
}

func (r *ChatRepository) UpdateSettings(ctx context.Context, chatID, settings string) error {
	defer logger.DeferLogDuration("chat.UpdateSettings", time.Now())()
	_, err := r.pool.Exec(ctx,
		`UPDATE chats SET settings = $1 WHERE id = $2`, settings, chatID,
	)
	if err != nil {
		return fmt.Errorf("chatRepo.UpdateSettings: %w", err)
	}
	return nil
}

// SetPinnedList overwrites the chat-level pinned cache. The per-message flag
// is authoritative; this list is recomputed from it on read.
func (r *ChatRepository) SetPinnedList(ctx context.Context, chatID string, messageIDs []string) error {
	defer logger.DeferLogDuration("chat.SetPinnedList", time.Now())()
	if messageIDs == nil {
		messageIDs = []string{}
	}
	_, err := r.pool.Exec(ctx,
		`UPDATE chats SET pinned_messages = $1 WHERE id = $2`, messageIDs, chatID,
	)
	if err != nil {
		return fmt.Errorf("chatRepo.SetPinnedList: %w", err)
	}
	return nil
}

func (r *ChatRepository) AddParticipants(ctx context.Context, chatID string, userIDs []string) error {
	defer logger.DeferLogDuration("chat.AddParticipants", time.Now())()
	_, err := r.pool.Exec(ctx,
		`UPDATE chats
		 SET participants = (SELECT ARRAY(SELECT DISTINCT unnest(participants || $1::text[])))
		 WHERE id = $2`,
		userIDs, chatID,
	)
	if err != nil {
		return fmt.Errorf("chatRepo.AddParticipants: %w", err)
	}
	return nil
}

func (r *ChatRepository) RemoveParticipant(ctx context.Context, chatID, userID string) error {
	defer logger.DeferLogDuration("chat.RemoveParticipant", time.Now())()
	_, err := r.pool.Exec(ctx,
		`UPDATE chats
		 SET participants = array_remove(participants, $1),
		     admins = array_remove(admins, $1),
		     representatives = array_remove(representatives, $1)
		 WHERE id = $2`,
		userID, chatID,
	)
	if err != nil {
		return fmt.Errorf("chatRepo.RemoveParticipant: %w", err)
	}
	return nil
}
