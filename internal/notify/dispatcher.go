// Package notify implements the Notification Fan-out: delivering a
// new-chapter message to every subscribed user across zero-or-more external
// delivery channels, then publishing an in-process broadcast event.
//
// The store-for-all-users-then-best-effort-send pattern is grounded on the
// teacher's internal/microservices/udp-server/broadcaster.go, adapted from
// a UDP subscriber registry to a generic Channel fan-out.
package notify

import (
	"context"
	"log/slog"
	"sync"

	"mangaforge/internal/bus"
	"mangaforge/internal/core"
)

// Channel is one external notification delivery transport (Telegram-style,
// Pushover-style, Gotify-style, desktop...). Implementations are opaque to
// the core; a user may have zero, one, or many configured channels.
type Channel interface {
	Name() string
	SendChapterNotification(ctx context.Context, userID, mangaTitle, chapterTitle string, chapterID int64) error
	SendAdminMessage(ctx context.Context, title, body string) error
}

// ChapterUpdate is the event published on the broadcast channel after a
// chapter's per-user notifications have gone out.
type ChapterUpdate struct {
	Manga   core.Manga
	Chapter core.Chapter
	Users   map[string]struct{}
}

// Dispatcher is the Notification Fan-out.
type Dispatcher struct {
	channels  []Channel
	broadcast *bus.Broadcaster[ChapterUpdate]
	logger    *slog.Logger
}

// NewDispatcher wires a Dispatcher over the given delivery channels and
// broadcaster. Pass a broadcaster with NewBroadcaster(0) to use the default
// capacity (bus.DefaultBroadcastCapacity, documented as configurable per
// §9's open question about broadcast buffer capacity).
func NewDispatcher(channels []Channel, broadcast *bus.Broadcaster[ChapterUpdate], logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{channels: channels, broadcast: broadcast, logger: logger}
}

// Subscribe registers a listener for ChapterUpdate events, e.g. a GraphQL
// subscription resolver or a logging sink.
func (d *Dispatcher) Subscribe() (int, <-chan ChapterUpdate) {
	return d.broadcast.Subscribe()
}

// Unsubscribe removes a listener registered via Subscribe.
func (d *Dispatcher) Unsubscribe(id int) {
	d.broadcast.Unsubscribe(id)
}

// NotifyNewChapter sends manga/chapter to every user, per configured
// channel, then publishes exactly one ChapterUpdate broadcast. Per-channel
// failures are logged but never abort the batch; the broadcast publish
// always happens after every send attempt has returned, matching the
// ordering guarantee in §5 ("send to all users... then publish broadcast").
func (d *Dispatcher) NotifyNewChapter(ctx context.Context, manga core.Manga, chapter core.Chapter, users []core.User) {
	userSet := make(map[string]struct{}, len(users))

	var wg sync.WaitGroup
	for _, u := range users {
		userSet[u.ID] = struct{}{}
		for _, ch := range d.channels {
			wg.Add(1)
			go func(ch Channel, userID string) {
				defer wg.Done()
				if err := ch.SendChapterNotification(ctx, userID, manga.Title, chapter.Title, chapter.ID); err != nil {
					d.logger.Warn("chapter notification failed", "channel", ch.Name(), "user", userID, "error", err)
				}
			}(ch, u.ID)
		}
	}
	wg.Wait()

	d.broadcast.Publish(ChapterUpdate{Manga: manga, Chapter: chapter, Users: userSet})
}

// NotifyAdmins delivers title/body to every admin-flagged user in users,
// across every configured channel, best-effort.
func (d *Dispatcher) NotifyAdmins(ctx context.Context, users []core.User, title, body string) {
	var wg sync.WaitGroup
	for _, u := range users {
		if !u.Admin {
			continue
		}
		for _, ch := range d.channels {
			wg.Add(1)
			go func(ch Channel, userID string) {
				defer wg.Done()
				if err := ch.SendAdminMessage(ctx, title, body); err != nil {
					d.logger.Warn("admin notification failed", "channel", ch.Name(), "user", userID, "error", err)
				}
			}(ch, u.ID)
		}
	}
	wg.Wait()
}
