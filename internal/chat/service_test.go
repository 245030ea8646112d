package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campuslink/internal/cache"
	"github.com/campuslink/internal/model"
	"github.com/campuslink/internal/storage/memory"
)

type fakeChats struct {
	mu          sync.Mutex
	chat        *model.Chat
	getErr      error
	lastPreview string
	lastUpdErr  error
	pinnedList  []string
	pinnedSet   bool
}

func (f *fakeChats) GetChat(ctx context.Context, chatID string) (*model.Chat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.chat, nil
}

func (f *fakeChats) UpdateLastMessage(ctx context.Context, chatID, preview string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lastUpdErr != nil {
		return f.lastUpdErr
	}
	f.lastPreview = preview
	return nil
}

func (f *fakeChats) SetPinnedList(ctx context.Context, chatID string, messageIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pinnedList = messageIDs
	f.pinnedSet = true
	return nil
}

type fakeMsgs struct {
	mu       sync.Mutex
	created  []*model.Message
	byID     map[string]*model.Message
	page     []model.Message
	pageErr  error
	fetches  int
	receipts map[string][]string
	unread   []string
	recErr   error
}

func newFakeMsgs() *fakeMsgs {
	return &fakeMsgs{byID: map[string]*model.Message{}, receipts: map[string][]string{}}
}

func (f *fakeMsgs) Create(ctx context.Context, m *model.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m.Seq = int64(len(f.created) + 1)
	f.created = append(f.created, m)
	f.byID[m.ID] = m
	return nil
}

func (f *fakeMsgs) GetByID(ctx context.Context, id string) (*model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.byID[id]; ok {
		return m, nil
	}
	return nil, errors.New("not found")
}

func (f *fakeMsgs) GetChatMessages(ctx context.Context, chatID string, limit, offset int) ([]model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if f.pageErr != nil {
		return nil, f.pageErr
	}
	return f.page, nil
}

func (f *fakeMsgs) AppendReadReceipt(ctx context.Context, messageID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.recErr != nil {
		return f.recErr
	}
	for _, u := range f.receipts[messageID] {
		if u == userID {
			return nil // идемпотентность: повтор — no-op
		}
	}
	f.receipts[messageID] = append(f.receipts[messageID], userID)
	return nil
}

func (f *fakeMsgs) ListUnreadIDs(ctx context.Context, chatID, userID string, limit int) ([]string, error) {
	return f.unread, nil
}

func (f *fakeMsgs) CountUnread(ctx context.Context, chatID, userID string, window int) (int, error) {
	return len(f.unread), nil
}

func (f *fakeMsgs) SetPinned(ctx context.Context, messageID, pinnedBy string, pinnedAt *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.byID[messageID]
	if !ok {
		return errors.New("not found")
	}
	m.IsPinned = pinnedAt != nil
	m.PinnedBy = pinnedBy
	m.PinnedAt = pinnedAt
	return nil
}

func (f *fakeMsgs) GetPinnedMessages(ctx context.Context, chatID string) ([]model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Message
	for _, m := range f.byID {
		if m.IsPinned {
			out = append(out, *m)
		}
	}
	return out, nil
}

type fakePrefs struct {
	mu    sync.Mutex
	rows  map[string]*model.ChatPrefs
	muted []string
}

func newFakePrefs() *fakePrefs { return &fakePrefs{rows: map[string]*model.ChatPrefs{}} }

func (f *fakePrefs) Get(ctx context.Context, chatID, userID string) (*model.ChatPrefs, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.rows[chatID+"/"+userID]; ok {
		return p, nil
	}
	return &model.ChatPrefs{ChatID: chatID, UserID: userID}, nil
}

func (f *fakePrefs) SetMuted(ctx context.Context, chatID, userID string, muted bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.rows[chatID+"/"+userID]
	if p == nil {
		p = &model.ChatPrefs{ChatID: chatID, UserID: userID}
		f.rows[chatID+"/"+userID] = p
	}
	p.Muted = muted
	return nil
}

func (f *fakePrefs) SetBookmarked(ctx context.Context, chatID, userID string, bookmarked bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.rows[chatID+"/"+userID]
	if p == nil {
		p = &model.ChatPrefs{ChatID: chatID, UserID: userID}
		f.rows[chatID+"/"+userID] = p
	}
	p.Bookmarked = bookmarked
	return nil
}

func (f *fakePrefs) MutedUserIDs(ctx context.Context, chatID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.muted, nil
}

func testChat() *model.Chat {
	return &model.Chat{
		ID:           "c1",
		ChatType:     model.ChatTypeCustomGroup,
		Participants: []string{"alice", "bob"},
		Admins:       []string{"alice"},
		Settings:     model.DefaultChatSettings().Encode(),
	}
}

func newTestService(chats *fakeChats, msgs *fakeMsgs, prefs *fakePrefs) *Service {
	return NewService(chats, msgs, prefs, cache.New(memory.New(), time.Hour), nil, nil, nil)
}

func TestSendMessage_ValidationFailsBeforeAnyWrite(t *testing.T) {
	chats := &fakeChats{chat: testChat()}
	msgs := newFakeMsgs()
	svc := newTestService(chats, msgs, newFakePrefs())
	ctx := context.Background()

	_, err := svc.SendMessage(ctx, "c1", SendInput{SenderID: "alice"})
	assert.ErrorIs(t, err, ErrEmptyMessage)

	_, err = svc.SendMessage(ctx, "", SendInput{SenderID: "alice", Content: "hi"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = svc.SendMessage(ctx, "c1", SendInput{Content: "hi"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	assert.Empty(t, msgs.created, "no write may happen on validation failure")
}

func TestSendMessage_PermissionDenied(t *testing.T) {
	chats := &fakeChats{chat: testChat()}
	msgs := newFakeMsgs()
	svc := newTestService(chats, msgs, newFakePrefs())

	_, err := svc.SendMessage(context.Background(), "c1", SendInput{SenderID: "mallory", Content: "hi"})
	assert.ErrorIs(t, err, ErrNotPermitted)
	assert.Empty(t, msgs.created)
}

func TestSendMessage_FetchFailureIsRetryable(t *testing.T) {
	chats := &fakeChats{getErr: errors.New("db down")}
	msgs := newFakeMsgs()
	svc := newTestService(chats, msgs, newFakePrefs())

	_, err := svc.SendMessage(context.Background(), "c1", SendInput{SenderID: "alice", Content: "hi"})
	assert.ErrorIs(t, err, ErrPermissionUnavailable)
	assert.NotErrorIs(t, err, ErrNotPermitted, "outage must not read as denial")
	assert.Empty(t, msgs.created)
}

func TestSendMessage_PersistsAndUpdatesPreview(t *testing.T) {
	chats := &fakeChats{chat: testChat()}
	msgs := newFakeMsgs()
	svc := newTestService(chats, msgs, newFakePrefs())

	m, err := svc.SendMessage(context.Background(), "c1", SendInput{
		SenderID:   "alice",
		SenderName: "Alice",
		Content:    "hello bob",
		Images:     []string{"https://cdn/a.png", "https://cdn/b.png"},
	})
	require.NoError(t, err)
	require.Len(t, msgs.created, 1)

	assert.Equal(t, "https://cdn/a.png", m.ImageURL, "only the first image is kept")
	assert.Equal(t, []string{"alice"}, m.ReadBy, "sender has implicitly read own message")
	assert.Equal(t, int64(1), m.Seq)

	chats.mu.Lock()
	defer chats.mu.Unlock()
	assert.Equal(t, "hello bob", chats.lastPreview)
}

func TestSendMessage_PreviewTruncatedTo100Runes(t *testing.T) {
	chats := &fakeChats{chat: testChat()}
	svc := newTestService(chats, newFakeMsgs(), newFakePrefs())

	long := make([]rune, 0, 150)
	for i := 0; i < 150; i++ {
		long = append(long, 'я')
	}
	_, err := svc.SendMessage(context.Background(), "c1", SendInput{SenderID: "alice", Content: string(long)})
	require.NoError(t, err)

	chats.mu.Lock()
	defer chats.mu.Unlock()
	assert.Len(t, []rune(chats.lastPreview), 100)
}

func TestSendMessage_CounterFailureDoesNotFailSend(t *testing.T) {
	chats := &fakeChats{chat: testChat(), lastUpdErr: errors.New("update lost")}
	msgs := newFakeMsgs()
	svc := newTestService(chats, msgs, newFakePrefs())

	m, err := svc.SendMessage(context.Background(), "c1", SendInput{SenderID: "alice", Content: "hi"})
	require.NoError(t, err, "message exists even when the denormalized counter update fails")
	assert.NotNil(t, m)
	assert.Len(t, msgs.created, 1)
}

func TestSendMessage_MentionFlag(t *testing.T) {
	t.Run("set when permitted", func(t *testing.T) {
		chats := &fakeChats{chat: testChat()}
		svc := newTestService(chats, newFakeMsgs(), newFakePrefs())
		m, err := svc.SendMessage(context.Background(), "c1", SendInput{SenderID: "bob", Content: "@everyone meeting"})
		require.NoError(t, err)
		assert.True(t, m.MentionsAll)
	})

	t.Run("not set in private chat, send still succeeds", func(t *testing.T) {
		c := testChat()
		c.ChatType = model.ChatTypePrivate
		chats := &fakeChats{chat: c}
		svc := newTestService(chats, newFakeMsgs(), newFakePrefs())
		m, err := svc.SendMessage(context.Background(), "c1", SendInput{SenderID: "bob", Content: "hi @all"})
		require.NoError(t, err)
		assert.False(t, m.MentionsAll)
	})
}

func TestSendMessage_ReplyPreviewAttached(t *testing.T) {
	chats := &fakeChats{chat: testChat()}
	msgs := newFakeMsgs()
	original := &model.Message{ID: "m0", ChatID: "c1", SenderName: "Bob", Content: "original text"}
	msgs.byID["m0"] = original
	svc := newTestService(chats, msgs, newFakePrefs())

	m, err := svc.SendMessage(context.Background(), "c1", SendInput{SenderID: "alice", Content: "reply", ReplyToID: "m0"})
	require.NoError(t, err)
	require.NotNil(t, m.ReplyToID)
	assert.Equal(t, "m0", *m.ReplyToID)
	assert.Equal(t, "original text", m.ReplyToContent)
	assert.Equal(t, "Bob", m.ReplyToSender)
}

func TestGetMessages_CacheFirstOnOffsetZero(t *testing.T) {
	chats := &fakeChats{chat: testChat()}
	msgs := newFakeMsgs()
	msgs.page = []model.Message{{ID: "m1", ChatID: "c1", Seq: 1}}
	svc := newTestService(chats, msgs, newFakePrefs())
	ctx := context.Background()

	got, err := svc.GetMessages(ctx, "c1", 100, 0, true)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 1, msgs.fetches, "first call hits the store")

	got, err = svc.GetMessages(ctx, "c1", 100, 0, true)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 1, msgs.fetches, "second call is served from cache")
}

func TestGetMessages_OffsetBypassesCache(t *testing.T) {
	msgs := newFakeMsgs()
	msgs.page = []model.Message{{ID: "m1"}}
	svc := newTestService(&fakeChats{chat: testChat()}, msgs, newFakePrefs())
	ctx := context.Background()

	_, err := svc.GetMessages(ctx, "c1", 100, 0, true)
	require.NoError(t, err)
	_, err = svc.GetMessages(ctx, "c1", 100, 100, true)
	require.NoError(t, err)
	assert.Equal(t, 2, msgs.fetches, "pagination beyond the first page always fetches")
}

func TestGetMessages_ServesStaleOnFetchError(t *testing.T) {
	msgs := newFakeMsgs()
	msgs.page = []model.Message{{ID: "m1", Content: "cached"}}
	svc := newTestService(&fakeChats{chat: testChat()}, msgs, newFakePrefs())
	ctx := context.Background()

	_, err := svc.GetMessages(ctx, "c1", 100, 0, true)
	require.NoError(t, err)

	msgs.mu.Lock()
	msgs.pageErr = errors.New("db down")
	msgs.mu.Unlock()

	// cache=false обходит свежий кеш и идёт в хранилище, которое падает.
	got, err := svc.GetMessages(ctx, "c1", 100, 0, false)
	require.NoError(t, err, "stale cache hides the failure")
	require.Len(t, got, 1)
	assert.Equal(t, "cached", got[0].Content)
}

func TestGetMessages_ErrorWithoutCachePropagates(t *testing.T) {
	msgs := newFakeMsgs()
	msgs.pageErr = errors.New("db down")
	svc := newTestService(&fakeChats{chat: testChat()}, msgs, newFakePrefs())

	_, err := svc.GetMessages(context.Background(), "c1", 100, 0, true)
	assert.Error(t, err)
}

func TestGetImageURL_PrimedAtSend(t *testing.T) {
	chats := &fakeChats{chat: testChat()}
	msgs := newFakeMsgs()
	svc := newTestService(chats, msgs, newFakePrefs())
	ctx := context.Background()

	m, err := svc.SendMessage(ctx, "c1", SendInput{SenderID: "alice", Images: []string{"https://cdn/a.png"}})
	require.NoError(t, err)

	// Убираем сообщение из хранилища: URL обязан прийти из кеша.
	msgs.mu.Lock()
	delete(msgs.byID, m.ID)
	msgs.mu.Unlock()

	url, err := svc.GetImageURL(ctx, "c1", m.ID)
	require.NoError(t, err)
	assert.Equal(t, "https://cdn/a.png", url)
}

func TestGetImageURL_FallsBackToStore(t *testing.T) {
	msgs := newFakeMsgs()
	msgs.byID["m1"] = &model.Message{ID: "m1", ChatID: "c1", ImageURL: "https://cdn/b.png"}
	svc := newTestService(&fakeChats{chat: testChat()}, msgs, newFakePrefs())
	ctx := context.Background()

	url, err := svc.GetImageURL(ctx, "c1", "m1")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn/b.png", url)

	// Второй вызов обслуживается кешем даже после пропажи записи.
	msgs.mu.Lock()
	delete(msgs.byID, "m1")
	msgs.mu.Unlock()
	url, err = svc.GetImageURL(ctx, "c1", "m1")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn/b.png", url)
}

func TestGetImageURL_NoImageAndWrongChat(t *testing.T) {
	msgs := newFakeMsgs()
	msgs.byID["m1"] = &model.Message{ID: "m1", ChatID: "c1", Content: "text only"}
	msgs.byID["m2"] = &model.Message{ID: "m2", ChatID: "other", ImageURL: "https://cdn/c.png"}
	svc := newTestService(&fakeChats{chat: testChat()}, msgs, newFakePrefs())
	ctx := context.Background()

	url, err := svc.GetImageURL(ctx, "c1", "m1")
	require.NoError(t, err)
	assert.Empty(t, url)

	_, err = svc.GetImageURL(ctx, "c1", "m2")
	assert.Error(t, err, "a message from another chat must not leak")
}

func TestMarkMessageAsRead_Idempotent(t *testing.T) {
	msgs := newFakeMsgs()
	msgs.byID["m1"] = &model.Message{ID: "m1", ChatID: "c1"}
	svc := newTestService(&fakeChats{chat: testChat()}, msgs, newFakePrefs())
	ctx := context.Background()

	require.NoError(t, svc.MarkMessageAsRead(ctx, "c1", "m1", "bob"))
	require.NoError(t, svc.MarkMessageAsRead(ctx, "c1", "m1", "bob"))
	assert.Equal(t, []string{"bob"}, msgs.receipts["m1"])
}

func TestMarkAllMessagesAsRead_BestEffort(t *testing.T) {
	msgs := newFakeMsgs()
	msgs.unread = []string{"m1", "m2", "m3"}
	svc := newTestService(&fakeChats{chat: testChat()}, msgs, newFakePrefs())
	ctx := context.Background()

	svc.MarkAllMessagesAsRead(ctx, "c1", "bob")
	assert.Len(t, msgs.receipts, 3)

	// Сбой отдельного сообщения не прерывает остальные и не паникует.
	msgs.mu.Lock()
	msgs.recErr = errors.New("write failed")
	msgs.mu.Unlock()
	svc.MarkAllMessagesAsRead(ctx, "c1", "carol")
}

func TestGetUnreadCount(t *testing.T) {
	msgs := newFakeMsgs()
	msgs.unread = []string{"m1", "m2"}
	svc := newTestService(&fakeChats{chat: testChat()}, msgs, newFakePrefs())

	n, err := svc.GetUnreadCount(context.Background(), "c1", "bob")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestPinMessage_FlagAuthoritativeListDerived(t *testing.T) {
	chats := &fakeChats{chat: testChat()}
	msgs := newFakeMsgs()
	msgs.byID["m1"] = &model.Message{ID: "m1", ChatID: "c1"}
	svc := newTestService(chats, msgs, newFakePrefs())
	ctx := context.Background()

	require.NoError(t, svc.PinMessage(ctx, "c1", "m1", "alice"))

	assert.True(t, msgs.byID["m1"].IsPinned)
	assert.Equal(t, "alice", msgs.byID["m1"].PinnedBy)
	chats.mu.Lock()
	assert.Equal(t, []string{"m1"}, chats.pinnedList, "derived list rebuilt from flags")
	chats.mu.Unlock()

	require.NoError(t, svc.UnpinMessage(ctx, "c1", "m1", "alice"))
	assert.False(t, msgs.byID["m1"].IsPinned)
	chats.mu.Lock()
	assert.Empty(t, chats.pinnedList)
	chats.mu.Unlock()
}

func TestPinMessage_DeniedForNonAdminWhenRestricted(t *testing.T) {
	c := testChat()
	c.Settings = model.ChatSettings{AllowEveryoneMention: true, OnlyAdminsCanPin: true}.Encode()
	chats := &fakeChats{chat: c}
	msgs := newFakeMsgs()
	msgs.byID["m1"] = &model.Message{ID: "m1", ChatID: "c1"}
	svc := newTestService(chats, msgs, newFakePrefs())

	err := svc.PinMessage(context.Background(), "c1", "m1", "bob")
	assert.ErrorIs(t, err, ErrNotPermitted)
	assert.False(t, msgs.byID["m1"].IsPinned)
}

func TestPinMessage_WrongChatRejected(t *testing.T) {
	chats := &fakeChats{chat: testChat()}
	msgs := newFakeMsgs()
	msgs.byID["m1"] = &model.Message{ID: "m1", ChatID: "other"}
	svc := newTestService(chats, msgs, newFakePrefs())

	err := svc.PinMessage(context.Background(), "c1", "m1", "alice")
	assert.Error(t, err)
	assert.False(t, msgs.byID["m1"].IsPinned)
}

func TestGetPinnedMessages_RepairsDivergedList(t *testing.T) {
	c := testChat()
	c.PinnedMessages = []string{"ghost"} // расхождение с флагами
	chats := &fakeChats{chat: c}
	msgs := newFakeMsgs()
	now := time.Now()
	msgs.byID["m1"] = &model.Message{ID: "m1", ChatID: "c1", IsPinned: true, PinnedAt: &now}
	svc := newTestService(chats, msgs, newFakePrefs())

	pinned, err := svc.GetPinnedMessages(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, pinned, 1)
	assert.Equal(t, "m1", pinned[0].ID)

	chats.mu.Lock()
	defer chats.mu.Unlock()
	assert.True(t, chats.pinnedSet, "diverged chat-level list is repaired on read")
	assert.Equal(t, []string{"m1"}, chats.pinnedList)
}

func TestMuteAndBookmark(t *testing.T) {
	prefs := newFakePrefs()
	svc := newTestService(&fakeChats{chat: testChat()}, newFakeMsgs(), prefs)
	ctx := context.Background()

	require.NoError(t, svc.SetMuted(ctx, "c1", "bob", true))
	require.NoError(t, svc.SetBookmarked(ctx, "c1", "bob", true))

	p, err := svc.GetPrefs(ctx, "c1", "bob")
	require.NoError(t, err)
	assert.True(t, p.Muted)
	assert.True(t, p.Bookmarked)

	require.NoError(t, svc.SetMuted(ctx, "c1", "bob", false))
	p, err = svc.GetPrefs(ctx, "c1", "bob")
	require.NoError(t, err)
	assert.False(t, p.Muted)
	assert.True(t, p.Bookmarked, "unmute leaves the bookmark alone")
}
