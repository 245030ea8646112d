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

const messageCols = `id, chat_id, sender_id, sender_name, content, image_url,
	reply_to_id, COALESCE(reply_to_content,''), COALESCE(reply_to_sender,''),
	mentions_all, is_pinned, COALESCE(pinned_by,''), pinned_at, read_by, seq, created_at`

type MessageRepository struct {
	pool *pgxpool.Pool
}

func NewMessageRepository(pool *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{pool: pool}
}

func scanMessage(s interface{ Scan(dest ...any) error }, m *model.Message) error {
	return s.Scan(&m.ID, &m.ChatID, &m.SenderID, &m.SenderName, &m.Content, &m.ImageURL,
		&m.ReplyToID, &m.ReplyToContent, &m.ReplyToSender,
		&m.MentionsAll, &m.IsPinned, &m.PinnedBy, &m.PinnedAt, &m.ReadBy, &m.Seq, &m.CreatedAt)
}

// Create inserts the message, allocating the next per-chat sequence number in
// the same transaction. The chat's denormalized counters are NOT touched here
// (see ChatRepository.UpdateLastMessage).
func (r *MessageRepository) Create(ctx context.Context, m *model.Message) error {
	defer logger.DeferLogDuration("msg.Create", time.Now())()
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("msgRepo.Create begin: %w", err)
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx,
		`UPDATE chats SET seq = seq + 1 WHERE id = $1 RETURNING seq`, m.ChatID,
	).Scan(&m.Seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("msgRepo.Create seq: %w", err)
	}

	if m.ReadBy == nil {
		m.ReadBy = []string{}
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO messages (id, chat_id, sender_id, sender_name, content, image_url,
		                       reply_to_id, reply_to_content, reply_to_sender,
		                       mentions_all, is_pinned, pinned_by, pinned_at, read_by, seq, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		m.ID, m.ChatID, m.SenderID, m.SenderName, m.Content, m.ImageURL,
		m.ReplyToID, m.ReplyToContent, m.ReplyToSender,
		m.MentionsAll, m.IsPinned, m.PinnedBy, m.PinnedAt, m.ReadBy, m.Seq, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("msgRepo.Create insert: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("msgRepo.Create commit: %w", err)
	}
	return nil
}

func (r *MessageRepository) GetByID(ctx context.Context, id string) (*model.Message, error) {
	defer logger.DeferLogDuration("msg.GetByID", time.Now())()
	m := &model.Message{}
	row := r.pool.QueryRow(ctx, `SELECT `+messageCols+` FROM messages WHERE id = $1`, id)
	if err := scanMessage(row, m); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("msgRepo.GetByID: %w", err)
	}
	return m, nil
}

// GetChatMessages returns messages ordered by creation time descending.
func (r *MessageRepository) GetChatMessages(ctx context.Context, chatID string, limit, offset int) ([]model.Message, error) {
	defer logger.DeferLogDuration("msg.GetChatMessages", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT `+messageCols+` FROM messages
		 WHERE chat_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2 OFFSET $3`, chatID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.GetChatMessages query: %w", err)
	}
	defer rows.Close()

	messages := make([]model.Message, 0, limit)
	for rows.Next() {
		var m model.Message
		if err := scanMessage(rows, &m); err != nil {
			return nil, fmt.Errorf("msgRepo.GetChatMessages scan: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("msgRepo.GetChatMessages rows: %w", err)
	}
	return messages, nil
}

// GetAfterSeq returns messages with seq strictly greater than afterSeq, in
// ascending seq order. Used by the feed poller.
func (r *MessageRepository) GetAfterSeq(ctx context.Context, chatID string, afterSeq int64, limit int) ([]model.Message, error) {
	defer logger.DeferLogDuration("msg.GetAfterSeq", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT `+messageCols+` FROM messages
		 WHERE chat_id = $1 AND seq > $2
		 ORDER BY seq ASC
		 LIMIT $3`, chatID, afterSeq, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.GetAfterSeq query: %w", err)
	}
	defer rows.Close()

	messages := make([]model.Message, 0, 16)
	for rows.Next() {
		var m model.Message
		if err := scanMessage(rows, &m); err != nil {
			return nil, fmt.Errorf("msgRepo.GetAfterSeq scan: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("msgRepo.GetAfterSeq rows: %w", err)
	}
	return messages, nil
}

// AppendReadReceipt adds userID to read_by unless already present. Idempotent:
// the guard is in the statement itself, so concurrent appends cannot duplicate.
func (r *MessageRepository) AppendReadReceipt(ctx context.Context, messageID, userID string) error {
	defer logger.DeferLogDuration("msg.AppendReadReceipt", time.Now())()
	_, err := r.pool.Exec(ctx,
		`UPDATE messages SET read_by = array_append(read_by, $2)
		 WHERE id = $1 AND NOT (read_by @> ARRAY[$2])`,
		messageID, userID,
	)
	if err != nil {
		return fmt.Errorf("msgRepo.AppendReadReceipt: %w", err)
	}
	return nil
}

// ListUnreadIDs returns ids of the most recent messages (up to limit) in the
// chat that were not sent by userID and do not carry their read receipt.
func (r *MessageRepository) ListUnreadIDs(ctx context.Context, chatID, userID string, limit int) ([]string, error) {
	defer logger.DeferLogDuration("msg.ListUnreadIDs", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT id FROM (
		     SELECT id, read_by, sender_id FROM messages
		     WHERE chat_id = $1
		     ORDER BY created_at DESC
		     LIMIT $3
		 ) recent
		 WHERE sender_id != $2 AND NOT (read_by @> ARRAY[$2])`,
		chatID, userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.ListUnreadIDs query: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0, 16)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("msgRepo.ListUnreadIDs scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("msgRepo.ListUnreadIDs rows: %w", err)
	}
	return ids, nil
}

// CountUnread counts messages within the last `window` messages of the chat
// that userID has not read and did not send.
func (r *MessageRepository) CountUnread(ctx context.Context, chatID, userID string, window int) (int, error) {
	defer logger.DeferLogDuration("msg.CountUnread", time.Now())()
	var count int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM (
		     SELECT read_by, sender_id FROM messages
		     WHERE chat_id = $1
		     ORDER BY created_at DESC
		     LIMIT $3
		 ) recent
		 WHERE sender_id != $2 AND NOT (read_by @> ARRAY[$2])`,
		chatID, userID, window,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("msgRepo.CountUnread: %w", err)
	}
	return count, nil
}

// SetPinned flips the authoritative pin flag on a message.
func (r *MessageRepository) SetPinned(ctx context.Context, messageID string, pinnedBy string, pinnedAt *time.Time) error {
	defer logger.DeferLogDuration("msg.SetPinned", time.Now())()
	pinned := pinnedAt != nil
	_, err := r.pool.Exec(ctx,
		`UPDATE messages SET is_pinned = $2, pinned_by = $3, pinned_at = $4 WHERE id = $1`,
		messageID, pinned, pinnedBy, pinnedAt,
	)
	if err != nil {
		return fmt.Errorf("msgRepo.SetPinned: %w", err)
	}
	return nil
}

// GetPinnedMessages returns pinned messages for a chat, newest pin first.
// The per-message flag is the source of truth.
func (r *MessageRepository) GetPinnedMessages(ctx context.Context, chatID string) ([]model.Message, error) {
	defer logger.DeferLogDuration("msg.GetPinnedMessages", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT `+messageCols+` FROM messages
		 WHERE chat_id = $1 AND is_pinned = true
		 ORDER BY pinned_at DESC`, chatID,
	)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.GetPinnedMessages query: %w", err)
	}
	defer rows.Close()

	messages := make([]model.Message, 0, 4)
	for rows.Next() {
		var m model.Message
		if err := scanMessage(rows, &m); err != nil {
			return nil, fmt.Errorf("msgRepo.GetPinnedMessages scan: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("msgRepo.GetPinnedMessages rows: %w", err)
	}
	return messages, nil
}
