package ws

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campuslink/internal/model"
)

type fakeFetcher struct {
	mu       sync.Mutex
	messages []model.Message
}

func (f *fakeFetcher) GetAfterSeq(ctx context.Context, chatID string, afterSeq int64, limit int) ([]model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Message
	for _, m := range f.messages {
		if m.Seq > afterSeq {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeFetcher) add(m model.Message) {
	f.mu.Lock()
	f.messages = append(f.messages, m)
	f.mu.Unlock()
}

type fakeBus struct{}

func (fakeBus) Subscribe(ctx context.Context, channel string) (<-chan string, func(), error) {
	ch := make(chan string)
	return ch, func() {}, nil
}

func testClient(userID string) *Client {
	return &Client{
		userID: userID,
		send:   make(chan OutgoingMessage, sendBufSize),
		done:   make(chan struct{}),
	}
}

// Обычный мобильный сценарий: чат открыт, приложение ушло в фон, пришло
// сообщение, приложение вернулось. Возврат не должен блокировать хаб, а
// пропущенное сообщение должно доехать до клиента.
func TestHub_ForegroundAfterBackgroundDelivers(t *testing.T) {
	fetcher := &fakeFetcher{}
	h := NewHub(nil, nil, nil, fetcher, fakeBus{}, 10, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	c := testClient("u1")
	require.NoError(t, h.joinFeed(c, "c1", nil))

	h.setBackground(c, true)
	fetcher.add(model.Message{ID: "m1", ChatID: "c1", Seq: 1})

	unblocked := make(chan struct{})
	go func() {
		h.setBackground(c, false)
		close(unblocked)
	}()
	select {
	case <-unblocked:
	case <-time.After(3 * time.Second):
		t.Fatal("foreground handling blocked the hub")
	}

	select {
	case out := <-c.send:
		assert.Equal(t, EventNewMessage, out.Type)
		payload, ok := out.Payload.(NewMessagePayload)
		require.True(t, ok)
		assert.Equal(t, "m1", payload.Message.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("backfilled message never reached the client")
	}

	// Хаб жив: другие операции под feedMu проходят.
	h.handleUnsubscribe(c, IncomingMessage{ChatID: "c1"})
}

func TestHub_LastBackgroundedSubscriberPausesFeed(t *testing.T) {
	fetcher := &fakeFetcher{}
	h := NewHub(nil, nil, nil, fetcher, fakeBus{}, 10, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	c1 := testClient("u1")
	c2 := testClient("u2")
	require.NoError(t, h.joinFeed(c1, "c1", nil))
	require.NoError(t, h.joinFeed(c2, "c1", nil))

	h.setBackground(c1, true)
	h.feedMu.Lock()
	f := h.feeds["c1"]
	h.feedMu.Unlock()
	require.NotNil(t, f)
	assert.Equal(t, 1, f.active, "one subscriber still foregrounded")

	h.setBackground(c2, true)
	assert.Equal(t, 0, f.active, "all subscribers backgrounded")
}
