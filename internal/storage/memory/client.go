package memory

import (
	"context"
	"sync"
	"time"
)

type item struct {
	val string
	exp time.Time // нулевое значение — без срока
}

// Client реализует storage.Store и storage.EventBus в памяти (для -dev и тестов).
type Client struct {
	mu   sync.RWMutex
	data map[string]item

	subMu sync.Mutex
	subs  map[string][]chan string
}

func New() *Client {
	return &Client{
		data: make(map[string]item),
		subs: make(map[string][]chan string),
	}
}

func (c *Client) Close() error { return nil }

func (c *Client) Get(ctx context.Context, key string) (string, error) {
	c.mu.RLock()
	v, ok := c.data[key]
	c.mu.RUnlock()
	if !ok {
		return "", nil
	}
	if !v.exp.IsZero() && time.Now().After(v.exp) {
		c.mu.Lock()
		delete(c.data, key)
		c.mu.Unlock()
		return "", nil
	}
	return v.val, nil
}

func (c *Client) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}
	c.mu.Lock()
	c.data[key] = item{val: value, exp: exp}
	c.mu.Unlock()
	return nil
}

func (c *Client) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	delete(c.data, key)
	c.mu.Unlock()
	return nil
}

func (c *Client) DeleteMany(ctx context.Context, keys ...string) error {
	c.mu.Lock()
	for _, k := range keys {
		delete(c.data, k)
	}
	c.mu.Unlock()
	return nil
}

func (c *Client) Publish(ctx context.Context, channel, payload string) error {
	c.subMu.Lock()
	targets := append([]chan string(nil), c.subs[channel]...)
	c.subMu.Unlock()
	for _, ch := range targets {
		select {
		case ch <- payload:
		default:
			// Медленный подписчик — событие теряется, как и в Redis pub/sub.
		}
	}
	return nil
}

func (c *Client) Subscribe(ctx context.Context, channel string) (<-chan string, func(), error) {
	ch := make(chan string, 64)
	c.subMu.Lock()
	c.subs[channel] = append(c.subs[channel], ch)
	c.subMu.Unlock()
	cancel := func() {
		c.subMu.Lock()
		list := c.subs[channel]
		for i, s := range list {
			if s == ch {
				c.subs[channel] = append(list[:i], list[i+1:]...)
				break
			}
		}
		c.subMu.Unlock()
		close(ch)
	}
	return ch, cancel, nil
}
