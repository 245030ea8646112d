package feed

import (
	"context"
	"strconv"
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
	calls    int
	lastSeq  int64
}

func (f *fakeFetcher) GetAfterSeq(ctx context.Context, chatID string, afterSeq int64, limit int) ([]model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastSeq = afterSeq
	var out []model.Message
	for _, m := range f.messages {
		if m.Seq > afterSeq {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) sink(ev Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func (c *collector) ids() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, ev := range c.events {
		out = append(out, eventMessageID(ev))
	}
	return out
}

func msg(id string, seq int64) model.Message {
	return model.Message{ID: id, ChatID: "c1", Seq: seq}
}

func msgEvent(id string, seq int64) Event {
	m := msg(id, seq)
	return Event{Type: EventMessage, ChatID: "c1", Seq: seq, Message: &m}
}

func TestReconciler_RealtimeThenPollEmitsOnce(t *testing.T) {
	fetcher := &fakeFetcher{messages: []model.Message{msg("m1", 1)}}
	sink := &collector{}
	r := NewReconciler("c1", fetcher, sink.sink, time.Minute)
	ctx := context.Background()

	r.apply(ctx, msgEvent("m1", 1))
	r.poll(ctx)

	assert.Equal(t, []string{"m1"}, sink.ids(), "realtime delivery plus poll of the same message is one emission")
}

func TestReconciler_PollThenRealtimeEmitsOnce(t *testing.T) {
	fetcher := &fakeFetcher{messages: []model.Message{msg("m1", 1)}}
	sink := &collector{}
	r := NewReconciler("c1", fetcher, sink.sink, time.Minute)
	ctx := context.Background()

	r.poll(ctx)
	r.apply(ctx, msgEvent("m1", 1))

	assert.Equal(t, []string{"m1"}, sink.ids())
}

func TestReconciler_StaleSeqDropped(t *testing.T) {
	sink := &collector{}
	r := NewReconciler("c1", &fakeFetcher{}, sink.sink, time.Minute)
	ctx := context.Background()

	r.apply(ctx, msgEvent("m2", 2))
	// Запоздавшее событие с меньшим seq — устарело, «новее побеждает».
	r.apply(ctx, msgEvent("m1", 1))

	assert.Equal(t, []string{"m2"}, sink.ids())
}

func TestReconciler_GapTriggersImmediateBackfill(t *testing.T) {
	fetcher := &fakeFetcher{messages: []model.Message{msg("m2", 2)}}
	sink := &collector{}
	r := NewReconciler("c1", fetcher, sink.sink, time.Minute)
	ctx := context.Background()

	r.apply(ctx, msgEvent("m1", 1))
	// seq перескочил с 1 на 3 — m2 потерялось в realtime-канале.
	r.apply(ctx, msgEvent("m3", 3))

	assert.ElementsMatch(t, []string{"m1", "m3", "m2"}, sink.ids(), "the hole is backfilled without waiting for the next tick")
	assert.Equal(t, 1, fetcher.callCount())
}

func TestReconciler_PrimeSuppressesInitialPage(t *testing.T) {
	page := []model.Message{msg("m1", 1), msg("m2", 2)}
	fetcher := &fakeFetcher{messages: page}
	sink := &collector{}
	r := NewReconciler("c1", fetcher, sink.sink, time.Minute)

	r.Prime(page)
	r.poll(context.Background())

	assert.Empty(t, sink.events, "primed messages were already shown to the client")
	assert.Equal(t, int64(2), fetcher.lastSeq, "polling continues after the primed page")
}

func TestReconciler_PauseAndResume(t *testing.T) {
	fetcher := &fakeFetcher{messages: []model.Message{msg("m1", 1)}}
	got := make(chan Event, 8)
	r := NewReconciler("c1", fetcher, func(ev Event) { got <- ev }, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)
	defer r.Stop()

	r.Pause()
	r.poll(ctx)
	assert.Equal(t, 0, fetcher.callCount(), "no polling while backgrounded")

	r.Resume()
	select {
	case ev := <-got:
		assert.Equal(t, "m1", eventMessageID(ev))
	case <-time.After(2 * time.Second):
		t.Fatal("resume did not backfill")
	}
	assert.Equal(t, 1, fetcher.callCount())
}

func TestReconciler_ResumeNeverRunsSinkOnCaller(t *testing.T) {
	fetcher := &fakeFetcher{messages: []model.Message{msg("m1", 1)}}
	sink := &collector{}
	// Цикл не запущен: синхронный Resume не имеет права ни опрашивать,
	// ни вызывать sink на горутине вызывающего.
	r := NewReconciler("c1", fetcher, sink.sink, time.Hour)

	r.Pause()
	r.Resume()

	assert.Equal(t, 0, fetcher.callCount())
	assert.Empty(t, sink.events)
}

func TestReconciler_NonMessageEventsPassThrough(t *testing.T) {
	sink := &collector{}
	r := NewReconciler("c1", &fakeFetcher{}, sink.sink, time.Minute)
	ctx := context.Background()

	ev := Event{Type: EventRead, ChatID: "c1", MessageID: "m1", UserID: "bob"}
	r.apply(ctx, ev)
	r.apply(ctx, ev) // рассылается как есть, без дедупликации

	require.Len(t, sink.events, 2)
	assert.Equal(t, EventRead, sink.events[0].Type)
}

func TestReconciler_StartDeliversSubmittedEvents(t *testing.T) {
	fetcher := &fakeFetcher{}
	got := make(chan Event, 8)
	r := NewReconciler("c1", fetcher, func(ev Event) { got <- ev }, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r.Start(ctx)
	defer r.Stop()

	r.Submit(msgEvent("m1", 1))
	select {
	case ev := <-got:
		assert.Equal(t, "m1", eventMessageID(ev))
	case <-time.After(2 * time.Second):
		t.Fatal("event was not delivered")
	}
}

func TestReconciler_SubmitAfterStopDoesNotBlock(t *testing.T) {
	r := NewReconciler("c1", &fakeFetcher{}, func(Event) {}, time.Hour)
	r.Stop()
	r.Stop() // idempotent

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			r.Submit(msgEvent("m", int64(i)))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Submit blocked after Stop")
	}
}

func TestReconciler_SeenMapIsBounded(t *testing.T) {
	r := NewReconciler("c1", &fakeFetcher{}, func(Event) {}, time.Minute)
	ctx := context.Background()

	for i := 1; i <= seenLimit*2; i++ {
		r.apply(ctx, msgEvent("m"+strconv.Itoa(i), int64(i)))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	assert.LessOrEqual(t, len(r.seen), seenLimit+1, "dedupe map is pruned")
}
