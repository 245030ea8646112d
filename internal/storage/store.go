// Package storage объявляет интерфейсы key-value хранилища и шины событий.
// Реализации: redis.Client (prod), memory.Client (для -dev без Redis).
package storage

import (
	"context"
	"time"
)

// Store — строковое key-value хранилище с TTL. Get возвращает ("", nil),
// если ключа нет. ttl == 0 означает хранение без ограничения срока.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	DeleteMany(ctx context.Context, keys ...string) error
	Close() error
}

// EventBus — publish/subscribe для realtime-событий между инстансами API.
// Subscribe возвращает канал сообщений и функцию отписки.
type EventBus interface {
	Publish(ctx context.Context, channel, payload string) error
	Subscribe(ctx context.Context, channel string) (<-chan string, func(), error)
}
