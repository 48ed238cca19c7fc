package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPChannel posts notifications to a webhook endpoint, the same
// fire-and-forget shape as the teacher's mangadex ingestion Notifier
// (POST a JSON payload, treat any non-2xx as failure).
type HTTPChannel struct {
	name     string
	endpoint string
	client   *http.Client
}

// NewHTTPChannel builds a Channel that posts to endpoint.
func NewHTTPChannel(name, endpoint string) *HTTPChannel {
	return &HTTPChannel{name: name, endpoint: endpoint, client: &http.Client{Timeout: 5 * time.Second}}
}

func (c *HTTPChannel) Name() string { return c.name }

func (c *HTTPChannel) SendChapterNotification(ctx context.Context, userID, mangaTitle, chapterTitle string, chapterID int64) error {
	return c.post(ctx, "/notify/new-chapter", map[string]any{
		"user_id":       userID,
		"manga_title":   mangaTitle,
		"chapter_title": chapterTitle,
		"chapter_id":    chapterID,
	})
}

func (c *HTTPChannel) SendAdminMessage(ctx context.Context, title, body string) error {
	return c.post(ctx, "/notify/admin", map[string]any{
		"title": title,
		"body":  body,
	})
}

func (c *HTTPChannel) post(ctx context.Context, path string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal notification payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("send notification: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("notification endpoint returned status %d", resp.StatusCode)
	}
	return nil
}
