package feed

import (
	"context"
	"sync"
	"time"

	"github.com/campuslink/internal/logger"
	"github.com/campuslink/internal/model"
)

const (
	// pollBatch — максимум сообщений за один опрос.
	pollBatch = 100
	// seenLimit bounds the dedupe map before pruning.
	seenLimit = 512
)

// Fetcher loads messages the reconciler may have missed.
type Fetcher interface {
	GetAfterSeq(ctx context.Context, chatID string, afterSeq int64, limit int) ([]model.Message, error)
}

// Sink receives reconciled events in delivery order. Called from the
// reconciler's goroutine; implementations must not block.
type Sink func(Event)

// Reconciler merges realtime events with fallback polls for one chat.
// Message events are deduplicated by id and by sequence number: an event at
// or below the last delivered sequence is dropped, so a poll and a realtime
// delivery of the same message produce one emission. Polling pauses while
// every consumer is backgrounded; realtime events still flow.
type Reconciler struct {
	chatID       string
	fetcher      Fetcher
	sink         Sink
	pollInterval time.Duration

	mu      sync.Mutex
	lastSeq int64
	seen    map[string]int64
	paused  bool

	events   chan Event
	resumeCh chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewReconciler(chatID string, fetcher Fetcher, sink Sink, pollInterval time.Duration) *Reconciler {
	if pollInterval <= 0 {
		pollInterval = 10 * time.Second
	}
	return &Reconciler{
		chatID:       chatID,
		fetcher:      fetcher,
		sink:         sink,
		pollInterval: pollInterval,
		seen:         make(map[string]int64),
		events:       make(chan Event, 64),
		resumeCh:     make(chan struct{}, 1),
		stopCh:       make(chan struct{}),
	}
}

// Prime seeds the dedupe state from an already-delivered page of messages so
// the first poll does not re-emit them.
func (r *Reconciler) Prime(messages []model.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range messages {
		r.seen[m.ID] = m.Seq
		if m.Seq > r.lastSeq {
			r.lastSeq = m.Seq
		}
	}
}

// Start runs the poll loop until Stop or ctx cancellation.
func (r *Reconciler) Start(ctx context.Context) {
	go r.run(ctx)
}

func (r *Reconciler) run(ctx context.Context) {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case ev := <-r.events:
			r.apply(ctx, ev)
		case <-r.resumeCh:
			r.poll(ctx)
		case <-ticker.C:
			r.poll(ctx)
		}
	}
}

// Submit feeds a realtime event into the reconciler. Non-blocking: if the
// buffer is full the event is dropped and the next poll recovers it.
func (r *Reconciler) Submit(ev Event) {
	select {
	case r.events <- ev:
	case <-r.stopCh:
	default:
		logger.Errorf("feed.Submit chat=%s: event buffer full, dropping", r.chatID)
	}
}

// Pause suspends fallback polling (all consumers backgrounded).
func (r *Reconciler) Pause() {
	r.mu.Lock()
	r.paused = true
	r.mu.Unlock()
}

// Resume re-enables polling and schedules an immediate backfill. The poll
// runs on the run-loop goroutine, never on the caller's: the sink contract
// holds and callers may hold their own locks.
func (r *Reconciler) Resume() {
	r.mu.Lock()
	r.paused = false
	r.mu.Unlock()
	select {
	case r.resumeCh <- struct{}{}:
	default:
	}
}

func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

func (r *Reconciler) apply(ctx context.Context, ev Event) {
	if ev.Type != EventMessage {
		// Read and pin events carry no sequence; forward as-is.
		r.sink(ev)
		return
	}
	id := eventMessageID(ev)
	r.mu.Lock()
	if _, dup := r.seen[id]; dup || (ev.Seq > 0 && ev.Seq <= r.lastSeq) {
		r.mu.Unlock()
		return
	}
	before := r.lastSeq
	gap := ev.Seq > before+1 && before > 0
	r.record(id, ev.Seq)
	r.mu.Unlock()

	r.sink(ev)
	if gap {
		// A realtime event jumped ahead; backfill the hole right away
		// instead of waiting for the next tick. Fetch from the sequence we
		// had before the jump, not the advanced one, or the hole stays.
		r.pollFrom(ctx, before)
	}
}

// record assumes r.mu is held.
func (r *Reconciler) record(id string, seq int64) {
	r.seen[id] = seq
	if seq > r.lastSeq {
		r.lastSeq = seq
	}
	if len(r.seen) > seenLimit {
		cutoff := r.lastSeq - seenLimit/2
		for k, v := range r.seen {
			if v < cutoff {
				delete(r.seen, k)
			}
		}
	}
}

func (r *Reconciler) poll(ctx context.Context) {
	r.mu.Lock()
	after := r.lastSeq
	r.mu.Unlock()
	r.pollFrom(ctx, after)
}

func (r *Reconciler) pollFrom(ctx context.Context, after int64) {
	r.mu.Lock()
	if r.paused {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	messages, err := r.fetcher.GetAfterSeq(ctx, r.chatID, after, pollBatch)
	if err != nil {
		logger.Errorf("feed.poll chat=%s: %v", r.chatID, err)
		return
	}
	if len(messages) == 0 {
		return
	}
	for i := range messages {
		m := messages[i]
		r.mu.Lock()
		if _, dup := r.seen[m.ID]; dup {
			r.mu.Unlock()
			continue
		}
		r.record(m.ID, m.Seq)
		r.mu.Unlock()
		r.sink(Event{Type: EventMessage, ChatID: r.chatID, Seq: m.Seq, Message: &m})
	}
}

// eventMessageID returns the id of the event's message regardless of which
// field carries it.
func eventMessageID(ev Event) string {
	if ev.Message != nil {
		return ev.Message.ID
	}
	return ev.MessageID
}
