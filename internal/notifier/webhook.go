// Package notifier pushes run milestones to an external webhook, so long
// unattended runs can report failures and the final tally without being
// watched.
package notifier

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
)

// Kind tags the notification variants the pipeline emits.
type Kind string

const (
	KindDownloadFailed Kind = "download_failed"
	KindRunFinished    Kind = "run_finished"
)

// Event is one notification. Failure events carry the lecture fields; the
// run-finished event carries the tally.
type Event struct {
	Kind     Kind   `json:"kind"`
	Title    string `json:"title,omitempty"`
	Dest     string `json:"dest,omitempty"`
	Attempts int    `json:"attempts,omitempty"`
	Reason   string `json:"reason,omitempty"`

	Completed int `json:"completed,omitempty"`
	Skipped   int `json:"skipped,omitempty"`
	Failed    int `json:"failed,omitempty"`
}

type Notifier interface {
	Notify(event Event) error
}

// WebhookNotifier posts events as JSON. The payload pairs a rendered
// one-liner under "content", which Discord-style receivers display as-is,
// with the structured event for receivers that aggregate.
type WebhookNotifier struct {
	WebhookURL string

	// Client defaults to http.DefaultClient when nil.
	Client *http.Client
}

func (n *WebhookNotifier) Notify(event Event) error {
	if n.WebhookURL == "" {
		return fmt.Errorf("webhook URL is not set")
	}

	body, err := json.Marshal(struct {
		Content string `json:"content"`
		Event   Event  `json:"event"`
	}{Content: event.render(), Event: event})
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	hc := n.Client
	if hc == nil {
		hc = http.DefaultClient
	}

	resp, err := hc.Post(n.WebhookURL, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook failed with status %d", resp.StatusCode)
	}

	return nil
}

func (e Event) render() string {
	switch e.Kind {
	case KindDownloadFailed:
		return fmt.Sprintf("❌ Download failed after %d attempts: %s (%s)", e.Attempts, e.Title, e.Reason)
	case KindRunFinished:
		return fmt.Sprintf("✅ Run finished: %d completed, %d skipped, %d failed", e.Completed, e.Skipped, e.Failed)
	default:
		return string(e.Kind)
	}
}
