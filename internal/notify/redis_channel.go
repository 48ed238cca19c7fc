package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisChannel publishes notifications on a Redis pub/sub channel so every
// replica of the server observes the same ChapterUpdate/admin events,
// independent of which replica's in-process Dispatcher produced them.
// Grounded on the teacher's internal/microservices/tcp/progress_redis.go
// (redis.NewClient with a dial/read/write timeout triple, ping-on-connect,
// nil-receiver no-op for test/mock mode).
type RedisChannel struct {
	client    *redis.Client
	topic     string
	chapterAt time.Duration
}

// NewRedisChannel dials addr and verifies the connection. A nil *RedisChannel
// (addr == "") is a valid no-op Channel, matching the teacher's nil-receiver
// convention for optional Redis-backed components.
func NewRedisChannel(addr, password, topic string) (*RedisChannel, error) {
	if addr == "" {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	if topic == "" {
		topic = "mangaforge:notifications"
	}
	return &RedisChannel{client: client, topic: topic}, nil
}

func (c *RedisChannel) Name() string { return "redis" }

type redisNotification struct {
	Kind         string `json:"kind"`
	UserID       string `json:"user_id,omitempty"`
	MangaTitle   string `json:"manga_title,omitempty"`
	ChapterTitle string `json:"chapter_title,omitempty"`
	ChapterID    int64  `json:"chapter_id,omitempty"`
	Title        string `json:"title,omitempty"`
	Body         string `json:"body,omitempty"`
}

func (c *RedisChannel) SendChapterNotification(ctx context.Context, userID, mangaTitle, chapterTitle string, chapterID int64) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.publish(ctx, redisNotification{
		Kind:         "chapter",
		UserID:       userID,
		MangaTitle:   mangaTitle,
		ChapterTitle: chapterTitle,
		ChapterID:    chapterID,
	})
}

func (c *RedisChannel) SendAdminMessage(ctx context.Context, title, body string) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.publish(ctx, redisNotification{Kind: "admin", Title: title, Body: body})
}

func (c *RedisChannel) publish(ctx context.Context, n redisNotification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal redis notification: %w", err)
	}
	return c.client.Publish(ctx, c.topic, payload).Err()
}

// Close releases the underlying Redis connection.
func (c *RedisChannel) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}
