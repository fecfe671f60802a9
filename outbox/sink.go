package outbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/kawsbot/a2a-pay/ledger"
)

// Message is the wire form of a record event.
type Message struct {
	ID        string          `json:"id"`
	Address   string          `json:"address"`
	Seq       int64           `json:"seq"`
	Type      string          `json:"type"`
	Actor     string          `json:"actor"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

func NewMessage(ev ledger.Event) Message {
	payload := json.RawMessage(ev.Payload)
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	return Message{
		ID:        ev.ID,
		Address:   ev.Key.String(),
		Seq:       ev.Seq,
		Type:      ev.Type,
		Actor:     ev.Actor.String(),
		Payload:   payload,
		CreatedAt: ev.CreatedAt.UTC(),
	}
}

// LogSink writes events to the logger.
type LogSink struct {
	Logger zerolog.Logger
}

func (s LogSink) Deliver(_ context.Context, ev ledger.Event) error {
	s.Logger.Info().
		Str("event_id", ev.ID).
		Str("type", ev.Type).
		Str("address", ev.Key.String()).
		Int64("seq", ev.Seq).
		RawJSON("payload", NewMessage(ev).Payload).
		Msg("record event")
	return nil
}

// WebhookSink POSTs each event as JSON to URL. Any non-2xx response is a
// delivery failure.
type WebhookSink struct {
	URL    string
	Client *http.Client
}

func NewWebhookSink(url string) *WebhookSink {
	return &WebhookSink{URL: url, Client: &http.Client{Timeout: 10 * time.Second}}
}

func (s *WebhookSink) Deliver(ctx context.Context, ev ledger.Event) error {
	body, err := json.Marshal(NewMessage(ev))
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-Id", ev.ID)
	req.Header.Set("X-Event-Type", ev.Type)

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook responded %d", resp.StatusCode)
	}
	return nil
}
