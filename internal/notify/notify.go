// Package notify sends webhook notifications for certificate lifecycle events.
package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/mkoval/certledger/internal/config"
)

const httpTimeout = 10 * time.Second

// EventKind classifies a lifecycle notification.
type EventKind string

const (
	EventIssued         EventKind = "issued"
	EventRevoked        EventKind = "revoked"
	EventDenied         EventKind = "denied"
	EventLedgerDegraded EventKind = "ledger_degraded"
)

// Event is one lifecycle notification.
type Event struct {
	Kind     EventKind `json:"kind"`
	Identity string    `json:"identity,omitempty"`
	Serial   string    `json:"serial,omitempty"`
	Detail   string    `json:"detail,omitempty"`
	EntryID  int       `json:"entryId,omitempty"`
}

// payload is the JSON body sent to webhooks.
type payload struct {
	Timestamp time.Time `json:"timestamp"`
	Summary   string    `json:"summary"`
	Event     Event     `json:"event"`
}

// Notifier delivers lifecycle events to operator webhooks. Delivery is
// fire-and-forget: failures are logged, never propagated.
type Notifier struct {
	sent     map[string]time.Time
	client   *http.Client
	webhooks []config.WebhookConfig
	cooldown time.Duration
	mu       sync.Mutex
}

// New creates a Notifier from notification config. Returns nil if not enabled
// or no webhooks; a nil Notifier is safe to call.
func New(cfg config.NotificationConfig) *Notifier {
	if !cfg.Enabled || len(cfg.Webhooks) == 0 {
		return nil
	}

	cooldown := cfg.Cooldown
	if cooldown == 0 {
		cooldown = time.Hour
	}

	return &Notifier{
		webhooks: cfg.Webhooks,
		cooldown: cooldown,
		sent:     make(map[string]time.Time),
		client:   &http.Client{Timeout: httpTimeout},
	}
}

// eventKey returns a deduplication key for an event.
func eventKey(e Event) string {
	return fmt.Sprintf("%s/%s/%s", e.Kind, e.Identity, e.Serial)
}

// Send delivers the event to all configured webhooks, subject to the
// per-event cooldown.
func (n *Notifier) Send(e Event) {
	if n == nil {
		return
	}

	key := eventKey(e)
	now := time.Now()

	n.mu.Lock()
	if lastSent, ok := n.sent[key]; ok && now.Sub(lastSent) < n.cooldown {
		n.mu.Unlock()
		return
	}
	n.sent[key] = now
	n.mu.Unlock()

	body, err := json.Marshal(payload{
		Timestamp: now.UTC(),
		Summary:   summarize(e),
		Event:     e,
	})
	if err != nil {
		slog.Warn("notification: marshal error", "err", err)
		return
	}

	for _, wh := range n.webhooks {
		n.post(wh.URL, body)
	}
}

func (n *Notifier) post(webhookURL string, body []byte) {
	resp, err := n.client.Post(webhookURL, "application/json", bytes.NewReader(body)) //nolint:noctx // fire-and-forget notification
	if err != nil {
		slog.Warn("notification: webhook delivery failed", "url", webhookURL, "err", err)
		return
	}
	defer resp.Body.Close() //nolint:errcheck // read-only close
	if resp.StatusCode >= 300 {
		slog.Warn("notification: webhook returned non-2xx", "url", webhookURL, "status", resp.StatusCode)
	}
}

func summarize(e Event) string {
	switch e.Kind {
	case EventIssued:
		return fmt.Sprintf("certificate issued to %s (serial %s)", e.Identity, e.Serial)
	case EventRevoked:
		return fmt.Sprintf("certificate %s revoked (%s)", e.Serial, e.Detail)
	case EventDenied:
		return fmt.Sprintf("request by %s denied: %s", e.Identity, e.Detail)
	case EventLedgerDegraded:
		return fmt.Sprintf("ledger unavailable: %s", e.Detail)
	default:
		return string(e.Kind)
	}
}
