package notify

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mangaforge/internal/bus"
	"mangaforge/internal/core"
)

type countingChannel struct {
	sent  int64
	admin int64
}

func (c *countingChannel) Name() string { return "counting" }
func (c *countingChannel) SendChapterNotification(ctx context.Context, userID, mangaTitle, chapterTitle string, chapterID int64) error {
	atomic.AddInt64(&c.sent, 1)
	return nil
}
func (c *countingChannel) SendAdminMessage(ctx context.Context, title, body string) error {
	atomic.AddInt64(&c.admin, 1)
	return nil
}

func TestNotifyNewChapterFansOutThenBroadcasts(t *testing.T) {
	ch := &countingChannel{}
	broadcaster := bus.NewBroadcaster[ChapterUpdate](0)
	d := NewDispatcher([]Channel{ch}, broadcaster, nil)

	_, events := d.Subscribe()

	users := []core.User{{ID: "u1"}, {ID: "u2"}, {ID: "u3"}}
	d.NotifyNewChapter(context.Background(), core.Manga{ID: 1, Title: "Demo"}, core.Chapter{ID: 10, Title: "Ch 1"}, users)

	assert.EqualValues(t, len(users), atomic.LoadInt64(&ch.sent))

	select {
	case ev := <-events:
		assert.Len(t, ev.Users, len(users))
	case <-time.After(time.Second):
		require.Fail(t, "expected a broadcast event")
	}
}

func TestNotifyAdminsSkipsNonAdmins(t *testing.T) {
	ch := &countingChannel{}
	d := NewDispatcher([]Channel{ch}, bus.NewBroadcaster[ChapterUpdate](0), nil)

	users := []core.User{{ID: "u1", Admin: false}, {ID: "u2", Admin: true}}
	d.NotifyAdmins(context.Background(), users, "title", "body")

	assert.EqualValues(t, 1, atomic.LoadInt64(&ch.admin), "expected one admin message, for the single admin user")
	assert.Zero(t, atomic.LoadInt64(&ch.sent), "expected SendChapterNotification never called")
}
