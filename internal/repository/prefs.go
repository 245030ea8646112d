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

// PrefsRepository stores per-user-per-chat settings (mute, bookmark) outside
// the chat document.
type PrefsRepository struct {
	pool *pgxpool.Pool
}

func NewPrefsRepository(pool *pgxpool.Pool) *PrefsRepository {
	return &PrefsRepository{pool: pool}
}

// Get returns the prefs row, or defaults (all false) when none exists.
func (r *PrefsRepository) Get(ctx context.Context, chatID, userID string) (*model.ChatPrefs, error) {
	defer logger.DeferLogDuration("prefs.Get", time.Now())()
	p := &model.ChatPrefs{ChatID: chatID, UserID: userID}
	err := r.pool.QueryRow(ctx,
		`SELECT chat_id, user_id, muted, bookmarked, updated_at
		 FROM chat_prefs WHERE chat_id = $1 AND user_id = $2`,
		chatID, userID,
	).Scan(&p.ChatID, &p.UserID, &p.Muted, &p.Bookmarked, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return p, nil
	}
	if err != nil {
		return nil, fmt.Errorf("prefsRepo.Get: %w", err)
	}
	return p, nil
}

func (r *PrefsRepository) SetMuted(ctx context.Context, chatID, userID string, muted bool) error {
	defer logger.DeferLogDuration("prefs.SetMuted", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO chat_prefs (chat_id, user_id, muted, updated_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (chat_id, user_id) DO UPDATE SET muted = EXCLUDED.muted, updated_at = EXCLUDED.updated_at`,
		chatID, userID, muted, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("prefsRepo.SetMuted: %w", err)
	}
	return nil
}

func (r *PrefsRepository) SetBookmarked(ctx context.Context, chatID, userID string, bookmarked bool) error {
	defer logger.DeferLogDuration("prefs.SetBookmarked", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO chat_prefs (chat_id, user_id, bookmarked, updated_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (chat_id, user_id) DO UPDATE SET bookmarked = EXCLUDED.bookmarked, updated_at = EXCLUDED.updated_at`,
		chatID, userID, bookmarked, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("prefsRepo.SetBookmarked: %w", err)
	}
	return nil
}

// MutedUserIDs returns participants of the chat who muted it. Used to
// suppress ordinary push notifications.
func (r *PrefsRepository) MutedUserIDs(ctx context.Context, chatID string) ([]string, error) {
	defer logger.DeferLogDuration("prefs.MutedUserIDs", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT user_id FROM chat_prefs WHERE chat_id = $1 AND muted = true`, chatID,
	)
	if err != nil {
		return nil, fmt.Errorf("prefsRepo.MutedUserIDs query: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0, 8)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("prefsRepo.MutedUserIDs scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("prefsRepo.MutedUserIDs rows: %w", err)
	}
	return ids, nil
}

// BookmarkedChatIDs returns ids of chats the user bookmarked.
func (r *PrefsRepository) BookmarkedChatIDs(ctx context.Context, userID string) ([]string, error) {
	defer logger.DeferLogDuration("prefs.BookmarkedChatIDs", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT chat_id FROM chat_prefs WHERE user_id = $1 AND bookmarked = true ORDER BY updated_at DESC`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("prefsRepo.BookmarkedChatIDs query: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0, 8)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("prefsRepo.BookmarkedChatIDs scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("prefsRepo.BookmarkedChatIDs rows: %w", err)
	}
	return ids, nil
}
