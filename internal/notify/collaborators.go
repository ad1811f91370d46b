package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/mbd888/escrowchat/internal/security"
)

// Headers sent with every webhook delivery.
const (
	HeaderEvent     = "X-Escrowchat-Event"
	HeaderTimestamp = "X-Escrowchat-Timestamp"
	HeaderSignature = "X-Escrowchat-Signature"
)

// WebhookCollaborator POSTs each event as JSON to a fixed URL.
type WebhookCollaborator struct {
	url    string
	secret string
	client *http.Client
}

// NewWebhookCollaborator validates the target URL and returns a
// collaborator posting to it. allowPrivate permits loopback and private
// hosts for local development.
func NewWebhookCollaborator(ctx context.Context, url, secret string, allowPrivate bool) (*WebhookCollaborator, error) {
	if err := security.ValidateWebhookURL(ctx, net.DefaultResolver, url, allowPrivate); err != nil {
		return nil, fmt.Errorf("notify webhook: %w", err)
	}
	return &WebhookCollaborator{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: 10 * time.Second},
	}, nil
}

// Notify delivers e. Any non-2xx response is an ErrUpstream.
func (w *WebhookCollaborator) Notify(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, string(e.Type))
	req.Header.Set(HeaderTimestamp, fmt.Sprintf("%d", e.Timestamp.Unix()))
	if w.secret != "" {
		req.Header.Set(HeaderSignature, Sign(payload, w.secret))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: status %d", ErrUpstream, resp.StatusCode)
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify checks a signature produced by Sign in constant time.
func Verify(payload []byte, secret, signature string) bool {
	return hmac.Equal([]byte(Sign(payload, secret)), []byte(signature))
}

// LogCollaborator writes events to a logger. Used when no webhook is
// configured.
type LogCollaborator struct {
	logger *slog.Logger
}

// NewLogCollaborator creates a logging collaborator.
func NewLogCollaborator(logger *slog.Logger) *LogCollaborator {
	return &LogCollaborator{logger: logger}
}

func (l *LogCollaborator) Notify(ctx context.Context, e Event) error {
	l.logger.InfoContext(ctx, "notify",
		"event_id", e.ID,
		"type", e.Type,
		"recipient_id", e.RecipientID,
		"order_id", e.OrderID,
		"message_id", e.MessageID,
		"dispute_id", e.DisputeID,
		"status", e.Status,
	)
	return nil
}

var (
	_ Collaborator = (*WebhookCollaborator)(nil)
	_ Collaborator = (*LogCollaborator)(nil)
)
