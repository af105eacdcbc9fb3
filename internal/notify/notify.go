// Package notify dispatches out-of-band ban notifications (spec.md §4.5).
// Notifier is a capability contract per spec.md §9: the Detection Engine
// calls it unconditionally and NullNotifier is a silent no-op, so a
// deployment with no webhook configured needs no special-casing.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Violation carries everything a notifier needs to address a human and
// describe the ban (spec.md §3.4, §4.5).
type Violation struct {
	Email             string
	TelegramID        string
	Description       string
	IPCount           int
	IPs               []string
	Nodes             []string
	ViolationDuration int
	Limit             uint64
}

// Notifier is the out-of-band dispatch contract.
type Notifier interface {
	// NewBan fires unconditionally when a ban record is first created.
	NewBan(ctx context.Context, v Violation) error
	// Continues fires when an existing ban is refreshed; callers are
	// responsible for the NOTIFICATION_INTERVAL throttle (spec.md §4.5 step 3).
	Continues(ctx context.Context, v Violation) error
}

// NullNotifier discards everything.
type NullNotifier struct{}

func (NullNotifier) NewBan(context.Context, Violation) error    { return nil }
func (NullNotifier) Continues(context.Context, Violation) error { return nil }

// WebhookNotifier POSTs a JSON payload to a single configured URL — the
// generic stand-in for the original tool's Telegram sender (agent.py's
// send_violation_async/send_violation_continues_async), kept
// transport-agnostic since no concrete chat backend is part of the core.
type WebhookNotifier struct {
	URL    string
	Client *http.Client
}

// NewWebhookNotifier builds a Notifier that POSTs to url with a bounded
// per-call timeout (spec.md §5 "Sink/notifier calls have bounded per-call
// timeouts").
func NewWebhookNotifier(url string, timeout time.Duration) *WebhookNotifier {
	return &WebhookNotifier{URL: url, Client: &http.Client{Timeout: timeout}}
}

type payload struct {
	Kind              string   `json:"kind"` // "new" or "continues"
	Email             string   `json:"email"`
	TelegramID        string   `json:"telegram_id,omitempty"`
	Description       string   `json:"description,omitempty"`
	IPCount           int      `json:"ip_count"`
	IPs               []string `json:"ips"`
	Nodes             []string `json:"nodes"`
	ViolationDuration int      `json:"violation_duration_seconds"`
	Limit             uint64   `json:"limit"`
}

func (w *WebhookNotifier) NewBan(ctx context.Context, v Violation) error {
	return w.send(ctx, "new", v)
}

func (w *WebhookNotifier) Continues(ctx context.Context, v Violation) error {
	return w.send(ctx, "continues", v)
}

func (w *WebhookNotifier) send(ctx context.Context, kind string, v Violation) error {
	body, err := json.Marshal(payload{
		Kind:              kind,
		Email:             v.Email,
		TelegramID:        v.TelegramID,
		Description:       v.Description,
		IPCount:           v.IPCount,
		IPs:               v.IPs,
		Nodes:             v.Nodes,
		ViolationDuration: v.ViolationDuration,
		Limit:             v.Limit,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("notify: webhook returned HTTP %d", resp.StatusCode)
	}
	return nil
}
