// Package chat orchestrates the message pipeline: permission-gated sends,
// cache-first retrieval, read receipts, pin state and per-user chat prefs.
// All persistence goes through the narrow store interfaces below so the
// pipeline is testable without a database.
package chat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/campuslink/internal/access"
	"github.com/campuslink/internal/cache"
	"github.com/campuslink/internal/feed"
	"github.com/campuslink/internal/logger"
	"github.com/campuslink/internal/model"
)

const (
	// maxPageSize caps a single message fetch.
	maxPageSize = 100
	// previewRunes — chat-list preview length.
	previewRunes = 100
	// receiptWindow bounds bulk read-receipt operations.
	receiptWindow = 100
)

var (
	// ErrEmptyMessage — the payload has neither content nor an image.
	ErrEmptyMessage = errors.New("message must have content or an image")
	// ErrInvalidInput — a required id is missing.
	ErrInvalidInput = errors.New("chat id and sender id are required")
	// ErrNotPermitted — the permission gate definitively denied the operation.
	ErrNotPermitted = errors.New("not permitted")
	// ErrPermissionUnavailable — the gate could not decide (transient failure).
	// Distinct from ErrNotPermitted so clients may retry instead of giving up.
	ErrPermissionUnavailable = errors.New("permission check unavailable")
)

type ChatStore interface {
	GetChat(ctx context.Context, chatID string) (*model.Chat, error)
	UpdateLastMessage(ctx context.Context, chatID, preview string, at time.Time) error
	SetPinnedList(ctx context.Context, chatID string, messageIDs []string) error
}

type MessageStore interface {
	Create(ctx context.Context, m *model.Message) error
	GetByID(ctx context.Context, id string) (*model.Message, error)
	GetChatMessages(ctx context.Context, chatID string, limit, offset int) ([]model.Message, error)
	AppendReadReceipt(ctx context.Context, messageID, userID string) error
	ListUnreadIDs(ctx context.Context, chatID, userID string, limit int) ([]string, error)
	CountUnread(ctx context.Context, chatID, userID string, window int) (int, error)
	SetPinned(ctx context.Context, messageID, pinnedBy string, pinnedAt *time.Time) error
	GetPinnedMessages(ctx context.Context, chatID string) ([]model.Message, error)
}

type PrefsStore interface {
	Get(ctx context.Context, chatID, userID string) (*model.ChatPrefs, error)
	SetMuted(ctx context.Context, chatID, userID string, muted bool) error
	SetBookmarked(ctx context.Context, chatID, userID string, bookmarked bool) error
	MutedUserIDs(ctx context.Context, chatID string) ([]string, error)
}

// EventPublisher fans reconciler events out to other API instances.
type EventPublisher interface {
	Publish(ctx context.Context, channel, payload string) error
}

// Notifier delivers a push notification. Implementations are best-effort.
type Notifier interface {
	Notify(ctx context.Context, userID, title, body string, data map[string]string)
}

// MentionRecorder records in-app notifications for a broadcast mention.
type MentionRecorder interface {
	RecordMention(ctx context.Context, chat *model.Chat, senderID string)
}

type Service struct {
	chats ChatStore
	msgs  MessageStore
	prefs PrefsStore
	cache *cache.Manager
	bus   EventPublisher  // nil — события не публикуются
	push  Notifier        // nil — пуши отключены
	notes MentionRecorder // nil — уведомления об упоминаниях отключены
}

func NewService(chats ChatStore, msgs MessageStore, prefs PrefsStore, cacheMgr *cache.Manager, bus EventPublisher, push Notifier, notes MentionRecorder) *Service {
	return &Service{chats: chats, msgs: msgs, prefs: prefs, cache: cacheMgr, bus: bus, push: push, notes: notes}
}

// messagesCacheKey keys the offset-0 page of a chat's messages.
func messagesCacheKey(chatID string) string {
	return "messages:" + chatID
}

// imageCacheKey keys a message's image URL. The URL is immutable once sent,
// so image entries get the long image TTL instead of the page TTL.
func imageCacheKey(messageID string) string {
	return "image:" + messageID
}

// SendInput is the message payload accepted from clients. Images beyond the
// first are dropped: the stored schema has a single image slot.
type SendInput struct {
	SenderID   string
	SenderName string
	Content    string
	Images     []string
	ReplyToID  string
}

// SendMessage runs the full send pipeline: validation, a defense-in-depth
// permission re-check (UI state may be stale), mention detection, persistence,
// denormalized counter update, cache refresh and best-effort fan-out.
// A counter-update failure after the message is created leaves the chat
// preview stale; there is no compensating transaction.
func (s *Service) SendMessage(ctx context.Context, chatID string, in SendInput) (*model.Message, error) {
	defer logger.DeferLogDuration("chat.SendMessage", time.Now())()
	if chatID == "" || in.SenderID == "" {
		return nil, ErrInvalidInput
	}
	imageURL := ""
	if len(in.Images) > 0 {
		imageURL = in.Images[0]
	}
	if in.Content == "" && imageURL == "" {
		return nil, ErrEmptyMessage
	}

	chat, err := s.chats.GetChat(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPermissionUnavailable, err)
	}
	if d := access.CanSendMessage(chat, in.SenderID); !d.Allowed() {
		return nil, fmt.Errorf("%w: %s", ErrNotPermitted, d.Reason)
	}

	mentionsAll := false
	if access.ContainsEveryoneMention(in.Content) {
		// Упоминание без права не валит отправку — флаг просто не ставится.
		mentionsAll = access.CanMentionEveryone(chat, in.SenderID).Allowed()
	}

	now := time.Now().UTC()
	m := &model.Message{
		ID:          uuid.New().String(),
		ChatID:      chatID,
		SenderID:    in.SenderID,
		SenderName:  in.SenderName,
		Content:     in.Content,
		ImageURL:    imageURL,
		MentionsAll: mentionsAll,
		ReadBy:      []string{in.SenderID},
		CreatedAt:   now,
	}
	if in.ReplyToID != "" {
		replyID := in.ReplyToID
		m.ReplyToID = &replyID
		if original, err := s.msgs.GetByID(ctx, replyID); err == nil {
			m.ReplyToContent = original.Preview(previewRunes)
			m.ReplyToSender = original.SenderName
		}
	}

	if err := s.msgs.Create(ctx, m); err != nil {
		return nil, fmt.Errorf("chat.SendMessage: %w", err)
	}

	if err := s.chats.UpdateLastMessage(ctx, chatID, m.Preview(previewRunes), now); err != nil {
		logger.Errorf("chat.SendMessage: update chat preview chat=%s: %v", chatID, err)
	}

	s.pushIntoCache(ctx, chatID, m)
	if m.ImageURL != "" && s.cache != nil {
		if err := s.cache.Set(ctx, imageCacheKey(m.ID), m.ImageURL, s.cache.ImageTTL()); err != nil {
			logger.Errorf("chat.SendMessage image cache message=%s: %v", m.ID, err)
		}
	}
	s.publish(ctx, feed.Event{Type: feed.EventMessage, ChatID: chatID, Seq: m.Seq, Message: m})
	go s.fanOut(context.Background(), chat, m)

	return m, nil
}

// pushIntoCache prepends the new message to the cached offset-0 page.
func (s *Service) pushIntoCache(ctx context.Context, chatID string, m *model.Message) {
	if s.cache == nil {
		return
	}
	key := messagesCacheKey(chatID)
	var cached []model.Message
	if ok, err := s.cache.GetStale(ctx, key, &cached); err != nil || !ok {
		if err != nil {
			logger.Errorf("chat.pushIntoCache get chat=%s: %v", chatID, err)
		}
		cached = nil
	}
	cached = append([]model.Message{*m}, cached...)
	if len(cached) > maxPageSize {
		cached = cached[:maxPageSize]
	}
	if err := s.cache.Set(ctx, key, cached, 0); err != nil {
		logger.Errorf("chat.pushIntoCache set chat=%s: %v", chatID, err)
	}
}

// GetMessages returns a page of messages, newest first. For the first page
// with caching enabled a fresh cache entry short-circuits the fetch entirely;
// on a fetch failure a stale entry is served instead of the error.
func (s *Service) GetMessages(ctx context.Context, chatID string, limit, offset int, useCache bool) ([]model.Message, error) {
	defer logger.DeferLogDuration("chat.GetMessages", time.Now())()
	if limit <= 0 || limit > maxPageSize {
		limit = maxPageSize
	}
	key := messagesCacheKey(chatID)
	firstPage := offset == 0

	if firstPage && useCache && s.cache != nil {
		var cached []model.Message
		ok, err := s.cache.Get(ctx, key, &cached)
		if err != nil {
			logger.Errorf("chat.GetMessages cache chat=%s: %v", chatID, err)
		} else if ok {
			if len(cached) > limit {
				cached = cached[:limit]
			}
			return cached, nil
		}
	}

	messages, err := s.msgs.GetChatMessages(ctx, chatID, limit, offset)
	if err != nil {
		if firstPage && s.cache != nil {
			var stale []model.Message
			if ok, staleErr := s.cache.GetStale(ctx, key, &stale); staleErr == nil && ok {
				logger.Errorf("chat.GetMessages chat=%s: serving stale cache after fetch error: %v", chatID, err)
				if len(stale) > limit {
					stale = stale[:limit]
				}
				return stale, nil
			}
		}
		return nil, fmt.Errorf("chat.GetMessages: %w", err)
	}

	if firstPage && s.cache != nil {
		if err := s.cache.Set(ctx, key, messages, 0); err != nil {
			logger.Errorf("chat.GetMessages cache set chat=%s: %v", chatID, err)
		}
	}
	return messages, nil
}

// GetImageURL resolves the image attached to a message, cache-first. Image
// entries outlive message pages, so repeat lookups usually skip the store.
// Returns "" when the message carries no image.
func (s *Service) GetImageURL(ctx context.Context, chatID, messageID string) (string, error) {
	defer logger.DeferLogDuration("chat.GetImageURL", time.Now())()
	key := imageCacheKey(messageID)
	if s.cache != nil {
		var url string
		if ok, err := s.cache.Get(ctx, key, &url); err == nil && ok {
			return url, nil
		}
	}
	m, err := s.msgs.GetByID(ctx, messageID)
	if err != nil {
		return "", fmt.Errorf("chat.GetImageURL: %w", err)
	}
	if m.ChatID != chatID {
		return "", fmt.Errorf("chat.GetImageURL: message %s not in chat %s", messageID, chatID)
	}
	if m.ImageURL != "" && s.cache != nil {
		if err := s.cache.Set(ctx, key, m.ImageURL, s.cache.ImageTTL()); err != nil {
			logger.Errorf("chat.GetImageURL cache message=%s: %v", messageID, err)
		}
	}
	return m.ImageURL, nil
}

// MarkMessageAsRead appends the user's read receipt. Idempotent.
func (s *Service) MarkMessageAsRead(ctx context.Context, chatID, messageID, userID string) error {
	defer logger.DeferLogDuration("chat.MarkMessageAsRead", time.Now())()
	if err := s.msgs.AppendReadReceipt(ctx, messageID, userID); err != nil {
		return fmt.Errorf("chat.MarkMessageAsRead: %w", err)
	}
	s.publish(ctx, feed.Event{Type: feed.EventRead, ChatID: chatID, MessageID: messageID, UserID: userID})
	return nil
}

// MarkAllMessagesAsRead appends receipts to every unread message within the
// receipt window, one update per message. Best-effort: read state is not
// critical, individual failures are logged and swallowed.
func (s *Service) MarkAllMessagesAsRead(ctx context.Context, chatID, userID string) {
	defer logger.DeferLogDuration("chat.MarkAllMessagesAsRead", time.Now())()
	ids, err := s.msgs.ListUnreadIDs(ctx, chatID, userID, receiptWindow)
	if err != nil {
		logger.Errorf("chat.MarkAllMessagesAsRead list chat=%s user=%s: %v", chatID, userID, err)
		return
	}
	for _, id := range ids {
		if err := s.msgs.AppendReadReceipt(ctx, id, userID); err != nil {
			logger.Errorf("chat.MarkAllMessagesAsRead message=%s user=%s: %v", id, userID, err)
		}
	}
	if len(ids) > 0 {
		s.publish(ctx, feed.Event{Type: feed.EventRead, ChatID: chatID, UserID: userID})
	}
}

// MarkChatAsRead is the screen-level entry point: it settles all receipts for
// the chat.
func (s *Service) MarkChatAsRead(ctx context.Context, chatID, userID string) {
	s.MarkAllMessagesAsRead(ctx, chatID, userID)
}

// GetUnreadCount counts unread messages within the receipt window.
func (s *Service) GetUnreadCount(ctx context.Context, chatID, userID string) (int, error) {
	defer logger.DeferLogDuration("chat.GetUnreadCount", time.Now())()
	n, err := s.msgs.CountUnread(ctx, chatID, userID, receiptWindow)
	if err != nil {
		return 0, fmt.Errorf("chat.GetUnreadCount: %w", err)
	}
	return n, nil
}

// PinMessage sets the authoritative pin flag on the message, then rebuilds
// the chat's derived pinned list from the flags. The two writes are not
// atomic; the rebuild on every pin (and on read) keeps them convergent.
func (s *Service) PinMessage(ctx context.Context, chatID, messageID, userID string) error {
	defer logger.DeferLogDuration("chat.PinMessage", time.Now())()
	chat, err := s.chats.GetChat(ctx, chatID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPermissionUnavailable, err)
	}
	if d := access.CanPinMessage(chat, userID); !d.Allowed() {
		return fmt.Errorf("%w: %s", ErrNotPermitted, d.Reason)
	}
	m, err := s.msgs.GetByID(ctx, messageID)
	if err != nil {
		return fmt.Errorf("chat.PinMessage: %w", err)
	}
	if m.ChatID != chatID {
		return fmt.Errorf("chat.PinMessage: message %s not in chat %s", messageID, chatID)
	}
	now := time.Now().UTC()
	if err := s.msgs.SetPinned(ctx, messageID, userID, &now); err != nil {
		return fmt.Errorf("chat.PinMessage: %w", err)
	}
	s.rebuildPinnedList(ctx, chatID)
	s.publish(ctx, feed.Event{Type: feed.EventPinned, ChatID: chatID, MessageID: messageID, UserID: userID})
	return nil
}

// UnpinMessage clears the pin flag and rebuilds the derived list.
func (s *Service) UnpinMessage(ctx context.Context, chatID, messageID, userID string) error {
	defer logger.DeferLogDuration("chat.UnpinMessage", time.Now())()
	chat, err := s.chats.GetChat(ctx, chatID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPermissionUnavailable, err)
	}
	if d := access.CanPinMessage(chat, userID); !d.Allowed() {
		return fmt.Errorf("%w: %s", ErrNotPermitted, d.Reason)
	}
	if err := s.msgs.SetPinned(ctx, messageID, "", nil); err != nil {
		return fmt.Errorf("chat.UnpinMessage: %w", err)
	}
	s.rebuildPinnedList(ctx, chatID)
	s.publish(ctx, feed.Event{Type: feed.EventUnpinned, ChatID: chatID, MessageID: messageID, UserID: userID})
	return nil
}

// GetPinnedMessages reads pins from the authoritative per-message flags and
// repairs the chat-level cache when it has diverged.
func (s *Service) GetPinnedMessages(ctx context.Context, chatID string) ([]model.Message, error) {
	defer logger.DeferLogDuration("chat.GetPinnedMessages", time.Now())()
	pinned, err := s.msgs.GetPinnedMessages(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("chat.GetPinnedMessages: %w", err)
	}
	ids := make([]string, 0, len(pinned))
	for _, m := range pinned {
		ids = append(ids, m.ID)
	}
	if chat, err := s.chats.GetChat(ctx, chatID); err == nil && !sameIDSet(chat.PinnedMessages, ids) {
		if err := s.chats.SetPinnedList(ctx, chatID, ids); err != nil {
			logger.Errorf("chat.GetPinnedMessages repair chat=%s: %v", chatID, err)
		}
	}
	return pinned, nil
}

func (s *Service) rebuildPinnedList(ctx context.Context, chatID string) {
	pinned, err := s.msgs.GetPinnedMessages(ctx, chatID)
	if err != nil {
		logger.Errorf("chat.rebuildPinnedList chat=%s: %v", chatID, err)
		return
	}
	ids := make([]string, 0, len(pinned))
	for _, m := range pinned {
		ids = append(ids, m.ID)
	}
	if err := s.chats.SetPinnedList(ctx, chatID, ids); err != nil {
		logger.Errorf("chat.rebuildPinnedList chat=%s: %v", chatID, err)
	}
}

func sameIDSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]struct{}, len(a))
	for _, id := range a {
		set[id] = struct{}{}
	}
	for _, id := range b {
		if _, ok := set[id]; !ok {
			return false
		}
	}
	return true
}

// SetMuted и SetBookmarked — настройки «для себя», доступ не ограничивается.
func (s *Service) SetMuted(ctx context.Context, chatID, userID string, muted bool) error {
	return s.prefs.SetMuted(ctx, chatID, userID, muted)
}

func (s *Service) SetBookmarked(ctx context.Context, chatID, userID string, bookmarked bool) error {
	return s.prefs.SetBookmarked(ctx, chatID, userID, bookmarked)
}

func (s *Service) GetPrefs(ctx context.Context, chatID, userID string) (*model.ChatPrefs, error) {
	return s.prefs.Get(ctx, chatID, userID)
}

func (s *Service) publish(ctx context.Context, ev feed.Event) {
	if s.bus == nil {
		return
	}
	payload, err := ev.Encode()
	if err != nil {
		logger.Errorf("chat.publish chat=%s: %v", ev.ChatID, err)
		return
	}
	if err := s.bus.Publish(ctx, feed.Channel(ev.ChatID), payload); err != nil {
		logger.Errorf("chat.publish chat=%s: %v", ev.ChatID, err)
	}
}

// fanOut delivers push notifications and mention records for a new message.
// Muted participants are skipped for ordinary messages; a broadcast mention
// still notifies everyone.
func (s *Service) fanOut(ctx context.Context, chat *model.Chat, m *model.Message) {
	defer logger.DeferLogDuration("chat.fanOut", time.Now())()
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if m.MentionsAll && s.notes != nil {
		s.notes.RecordMention(ctx, chat, m.SenderID)
	}
	if s.push == nil {
		return
	}
	muted := map[string]struct{}{}
	if !m.MentionsAll && s.prefs != nil {
		ids, err := s.prefs.MutedUserIDs(ctx, chat.ID)
		if err != nil {
			logger.Errorf("chat.fanOut muted chat=%s: %v", chat.ID, err)
		}
		for _, id := range ids {
			muted[id] = struct{}{}
		}
	}
	title := m.SenderName
	if title == "" {
		title = "New message"
	}
	body := m.Content
	if body == "" {
		body = "[image]"
	}
	if len([]rune(body)) > 120 {
		body = string([]rune(body)[:117]) + "..."
	}
	data := map[string]string{"chat_id": chat.ID, "message_id": m.ID}
	for _, uid := range chat.Participants {
		if uid == m.SenderID {
			continue
		}
		if _, ok := muted[uid]; ok {
			continue
		}
		s.push.Notify(ctx, uid, title, body, data)
	}
}
