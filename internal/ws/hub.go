// Package ws delivers chat updates over WebSocket. Each subscribed chat is
// backed by a feed reconciler that merges bus events with fallback polls, so
// clients see every message exactly once even when pub/sub hiccups.
package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/campuslink/internal/chat"
	"github.com/campuslink/internal/feed"
	"github.com/campuslink/internal/logger"
	"github.com/campuslink/internal/model"
)

// ChatDirectory answers membership questions.
type ChatDirectory interface {
	GetChat(ctx context.Context, chatID string) (*model.Chat, error)
}

// UserDirectory resolves a user id to a profile (for sender names).
type UserDirectory interface {
	GetByID(ctx context.Context, id string) (*model.User, error)
}

// EventSource is the pub/sub side of the feed: events published by any API
// instance arrive here.
type EventSource interface {
	Subscribe(ctx context.Context, channel string) (<-chan string, func(), error)
}

// chatFeed — один реконсилер на чат плюс его подписчики.
type chatFeed struct {
	rec       *feed.Reconciler
	cancelSub func()
	subs      map[*Client]struct{}
	active    int // подписчики не в фоне
}

type Hub struct {
	mu       sync.RWMutex
	clients  map[string]map[*Client]struct{}
	total    int
	maxConns int

	chatSvc      *chat.Service
	chats        ChatDirectory
	users        UserDirectory
	fetcher      feed.Fetcher
	bus          EventSource
	pollInterval time.Duration

	feedMu      sync.Mutex
	feeds       map[string]*chatFeed
	clientChats map[*Client]map[string]struct{}
	clientBg    map[*Client]bool

	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	// runCtx живёт от создания хаба до конца Run; после NewHub не меняется.
	runCtx    context.Context
	runCancel context.CancelFunc
}

func NewHub(chatSvc *chat.Service, chats ChatDirectory, users UserDirectory, fetcher feed.Fetcher, bus EventSource, maxConns int, pollInterval time.Duration) *Hub {
	if maxConns <= 0 {
		maxConns = 10000
	}
	runCtx, runCancel := context.WithCancel(context.Background())
	return &Hub{
		clients:      make(map[string]map[*Client]struct{}),
		maxConns:     maxConns,
		chatSvc:      chatSvc,
		chats:        chats,
		users:        users,
		fetcher:      fetcher,
		bus:          bus,
		pollInterval: pollInterval,
		feeds:        make(map[string]*chatFeed),
		clientChats:  make(map[*Client]map[string]struct{}),
		clientBg:     make(map[*Client]bool),
		register:     make(chan *Client, 64),
		unregister:   make(chan *Client, 64),
		done:         make(chan struct{}),
		runCtx:       runCtx,
		runCancel:    runCancel,
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	defer h.runCancel()
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	allClients := make([]*Client, 0, h.total)
	for _, clients := range h.clients {
		for c := range clients {
			allClients = append(allClients, c)
		}
	}
	h.clients = make(map[string]map[*Client]struct{})
	h.total = 0
	h.mu.Unlock()

	h.feedMu.Lock()
	for id, f := range h.feeds {
		f.cancelSub()
		f.rec.Stop()
		delete(h.feeds, id)
	}
	h.feedMu.Unlock()

	// Сетевой ввод-вывод вне мьютекса.
	for _, c := range allClients {
		c.Close()
	}
	for _, c := range allClients {
		c.Wait()
	}
}

func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	if h.total >= h.maxConns {
		h.mu.Unlock()
		logger.Errorf("ws connection limit reached (%d), rejecting user=%s", h.maxConns, c.userID)
		c.Close()
		return
	}
	if _, ok := h.clients[c.userID]; !ok {
		h.clients[c.userID] = make(map[*Client]struct{})
	}
	h.clients[c.userID][c] = struct{}{}
	h.total++
	h.mu.Unlock()
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	clients, ok := h.clients[c.userID]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, exists := clients[c]; !exists {
		h.mu.Unlock()
		return
	}
	delete(clients, c)
	h.total--
	if len(clients) == 0 {
		delete(h.clients, c.userID)
	}
	h.mu.Unlock()

	h.feedMu.Lock()
	for chatID := range h.clientChats[c] {
		h.leaveFeedLocked(c, chatID)
	}
	delete(h.clientChats, c)
	delete(h.clientBg, c)
	h.feedMu.Unlock()

	c.Close()
}

// HandleMessage dispatches an incoming client event.
func (h *Hub) HandleMessage(ctx context.Context, c *Client, msg IncomingMessage) {
	switch msg.Type {
	case EventSubscribe:
		h.handleSubscribe(ctx, c, msg)
	case EventUnsubscribe:
		h.handleUnsubscribe(c, msg)
	case EventNewMessage:
		h.handleNewMessage(ctx, c, msg)
	case EventMessageRead:
		h.handleMessageRead(ctx, c, msg)
	case EventMarkChatRead:
		h.handleMarkChatRead(ctx, c, msg)
	case EventAppBackground:
		h.setBackground(c, true)
	case EventAppForeground:
		h.setBackground(c, false)
	default:
		h.sendToClient(c, OutgoingMessage{Type: EventError, Payload: "unknown event type"})
	}
}

func (h *Hub) handleSubscribe(ctx context.Context, c *Client, msg IncomingMessage) {
	defer logger.DeferLogDuration("ws.handleSubscribe", time.Now())()
	if msg.ChatID == "" {
		h.sendToClient(c, OutgoingMessage{Type: EventError, Payload: "chat_id required"})
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	ch, err := h.chats.GetChat(ctx, msg.ChatID)
	if err != nil {
		logger.Errorf("ws subscribe chat=%s user=%s: %v", msg.ChatID, c.userID, err)
		h.sendToClient(c, OutgoingMessage{Type: EventError, Payload: "chat not found"})
		return
	}
	if !ch.HasParticipant(c.userID) {
		h.sendToClient(c, OutgoingMessage{Type: EventError, Payload: "not a participant"})
		return
	}

	recent, err := h.chatSvc.GetMessages(ctx, msg.ChatID, 100, 0, true)
	if err != nil {
		logger.Errorf("ws subscribe load chat=%s: %v", msg.ChatID, err)
		recent = nil
	}

	if err := h.joinFeed(c, msg.ChatID, recent); err != nil {
		h.sendToClient(c, OutgoingMessage{Type: EventError, Payload: "subscription failed"})
		return
	}
	h.sendToClient(c, OutgoingMessage{Type: EventSubscribed, Payload: SubscribedPayload{ChatID: msg.ChatID, Messages: recent}})
}

func (h *Hub) handleUnsubscribe(c *Client, msg IncomingMessage) {
	if msg.ChatID == "" {
		return
	}
	h.feedMu.Lock()
	if chats, ok := h.clientChats[c]; ok {
		if _, subbed := chats[msg.ChatID]; subbed {
			delete(chats, msg.ChatID)
			h.leaveFeedLocked(c, msg.ChatID)
		}
	}
	h.feedMu.Unlock()
}

func (h *Hub) handleNewMessage(ctx context.Context, c *Client, msg IncomingMessage) {
	defer logger.DeferLogDuration("ws.handleNewMessage", time.Now())()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	senderName := ""
	if h.users != nil {
		if u, err := h.users.GetByID(ctx, c.userID); err == nil {
			senderName = u.Username
		}
	}
	_, err := h.chatSvc.SendMessage(ctx, msg.ChatID, chat.SendInput{
		SenderID:   c.userID,
		SenderName: senderName,
		Content:    msg.Content,
		Images:     msg.Images,
		ReplyToID:  msg.ReplyToID,
	})
	if err != nil {
		h.sendToClient(c, OutgoingMessage{Type: EventError, Payload: sendErrorText(err)})
		return
	}
	// Доставка подписчикам идёт через шину и реконсилер, не напрямую.
}

func sendErrorText(err error) string {
	switch {
	case errors.Is(err, chat.ErrEmptyMessage):
		return "message must have content or an image"
	case errors.Is(err, chat.ErrNotPermitted):
		return "not permitted"
	case errors.Is(err, chat.ErrPermissionUnavailable):
		return "permission check unavailable, try again"
	case errors.Is(err, chat.ErrInvalidInput):
		return "chat_id required"
	default:
		return "failed to send message"
	}
}

func (h *Hub) handleMessageRead(ctx context.Context, c *Client, msg IncomingMessage) {
	if msg.ChatID == "" || msg.MessageID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := h.chatSvc.MarkMessageAsRead(ctx, msg.ChatID, msg.MessageID, c.userID); err != nil {
		logger.Errorf("ws mark read message=%s user=%s: %v", msg.MessageID, c.userID, err)
	}
}

func (h *Hub) handleMarkChatRead(ctx context.Context, c *Client, msg IncomingMessage) {
	if msg.ChatID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	h.chatSvc.MarkChatAsRead(ctx, msg.ChatID, c.userID)
}

// setBackground переключает фоновый режим клиента и при необходимости ставит
// опрос фидов на паузу (когда все подписчики чата в фоне).
func (h *Hub) setBackground(c *Client, bg bool) {
	h.feedMu.Lock()
	defer h.feedMu.Unlock()
	if h.clientBg[c] == bg {
		return
	}
	h.clientBg[c] = bg
	for chatID := range h.clientChats[c] {
		f, ok := h.feeds[chatID]
		if !ok {
			continue
		}
		if bg {
			f.active--
			if f.active <= 0 {
				f.rec.Pause()
			}
		} else {
			f.active++
			if f.active == 1 {
				// Бэкфилл выполнит горутина реконсилера; под feedMu его звать нельзя.
				f.rec.Resume()
			}
		}
	}
}

func (h *Hub) joinFeed(c *Client, chatID string, recent []model.Message) error {
	h.feedMu.Lock()
	defer h.feedMu.Unlock()

	if h.clientChats[c] == nil {
		h.clientChats[c] = make(map[string]struct{})
	}
	if _, already := h.clientChats[c][chatID]; already {
		return nil
	}

	f, ok := h.feeds[chatID]
	if !ok {
		rec := feed.NewReconciler(chatID, h.fetcher, h.sinkFor(chatID), h.pollInterval)
		rec.Prime(recent)

		events, cancelSub, err := h.bus.Subscribe(h.runCtx, feed.Channel(chatID))
		if err != nil {
			return err
		}
		go func() {
			for payload := range events {
				ev, err := feed.DecodeEvent(payload)
				if err != nil {
					logger.Errorf("ws feed decode chat=%s: %v", chatID, err)
					continue
				}
				rec.Submit(ev)
			}
		}()

		f = &chatFeed{rec: rec, cancelSub: cancelSub, subs: make(map[*Client]struct{})}
		h.feeds[chatID] = f
		rec.Start(h.runCtx)
	}

	f.subs[c] = struct{}{}
	if !h.clientBg[c] {
		f.active++
		if f.active == 1 {
			f.rec.Resume()
		}
	}
	h.clientChats[c][chatID] = struct{}{}
	return nil
}

// leaveFeedLocked assumes feedMu is held.
func (h *Hub) leaveFeedLocked(c *Client, chatID string) {
	f, ok := h.feeds[chatID]
	if !ok {
		return
	}
	if _, subbed := f.subs[c]; !subbed {
		return
	}
	delete(f.subs, c)
	if !h.clientBg[c] {
		f.active--
	}
	if len(f.subs) == 0 {
		// Последний подписчик ушёл — фид больше не нужен.
		f.cancelSub()
		f.rec.Stop()
		delete(h.feeds, chatID)
		return
	}
	if f.active <= 0 {
		f.rec.Pause()
	}
}

// sinkFor routes reconciled feed events to the chat's subscribers.
func (h *Hub) sinkFor(chatID string) feed.Sink {
	return func(ev feed.Event) {
		out, ok := toOutgoing(ev)
		if !ok {
			return
		}
		h.feedMu.Lock()
		f, exists := h.feeds[chatID]
		var targets []*Client
		if exists {
			targets = make([]*Client, 0, len(f.subs))
			for c := range f.subs {
				targets = append(targets, c)
			}
		}
		h.feedMu.Unlock()
		for _, c := range targets {
			h.sendToClient(c, out)
		}
	}
}

func toOutgoing(ev feed.Event) (OutgoingMessage, bool) {
	switch ev.Type {
	case feed.EventMessage:
		return OutgoingMessage{Type: EventNewMessage, Payload: NewMessagePayload{ChatID: ev.ChatID, Message: ev.Message}}, true
	case feed.EventRead:
		return OutgoingMessage{Type: EventMessageRead, Payload: MessageReadPayload{ChatID: ev.ChatID, MessageID: ev.MessageID, UserID: ev.UserID}}, true
	case feed.EventPinned:
		return OutgoingMessage{Type: EventMessagePinned, Payload: PinPayload{ChatID: ev.ChatID, MessageID: ev.MessageID, PinnedBy: ev.UserID}}, true
	case feed.EventUnpinned:
		return OutgoingMessage{Type: EventMessageUnpinned, Payload: PinPayload{ChatID: ev.ChatID, MessageID: ev.MessageID}}, true
	default:
		return OutgoingMessage{}, false
	}
}

func (h *Hub) sendToClient(c *Client, msg OutgoingMessage) {
	select {
	case c.send <- msg:
	case <-c.done:
	default:
		// Буфер забит — медленный клиент закрывается, переподключение дешевле.
		logger.Errorf("ws send buffer full, closing slow client user=%s", c.userID)
		c.Close()
	}
}

func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
		c.Close()
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}
