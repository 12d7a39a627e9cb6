package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/godrive/internal/models"
)

// WebhookNotifier posts lesson events as JSON to an HTTP endpoint, e.g. a push gateway.
type WebhookNotifier struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewWebhookNotifier(endpoint, key string) *WebhookNotifier {
	return &WebhookNotifier{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (w *WebhookNotifier) Notify(ctx context.Context, lessonID int64, ev models.LessonEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode lesson event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.Endpoint, bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.Key != "" {
		req.Header.Set("Authorization", "Bearer "+w.Key)
	}
	resp, err := w.Client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook for ride %d: %w", lessonID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook for ride %d returned %d", lessonID, resp.StatusCode)
	}
	return nil
}
