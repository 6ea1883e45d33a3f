// Package notify delivers user-facing messages back to the chat bot.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"tipledger/internal/core/ports"

	"github.com/rs/zerolog"
)

// Headers set on every webhook delivery.
const (
	HeaderTimestamp = "X-Tipledger-Timestamp"
	HeaderSignature = "X-Tipledger-Signature"
)

// HTTPClient interface for testability.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Payload is the JSON body POSTed to the bot's callback URL.
type Payload struct {
	UserID    string `json:"user_id"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// WebhookNotifier implements ports.Notifier by POSTing a signed payload.
// Each message is attempted once; a failed delivery is returned to the
// caller and never retried.
type WebhookNotifier struct {
	url     string
	secret  string
	timeout time.Duration
	sigSvc  ports.SignatureService
	client  HTTPClient
	now     func() time.Time
}

// NewWebhookNotifier creates a notifier that signs bodies with secret.
func NewWebhookNotifier(url, secret string, timeout time.Duration, sigSvc ports.SignatureService, client HTTPClient) *WebhookNotifier {
	return &WebhookNotifier{
		url:     url,
		secret:  secret,
		timeout: timeout,
		sigSvc:  sigSvc,
		client:  client,
		now:     time.Now,
	}
}

// Notify delivers message to userID.
func (n *WebhookNotifier) Notify(ctx context.Context, userID string, message string) error {
	ts := n.now().Unix()
	body, err := json.Marshal(Payload{UserID: userID, Message: message, Timestamp: ts})
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	if n.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build notification request: %w", err)
	}
	tsStr := strconv.FormatInt(ts, 10)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderTimestamp, tsStr)
	req.Header.Set(HeaderSignature, n.sigSvc.Sign(n.secret, SigningString(tsStr, body)))

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver notification: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("deliver notification: callback returned status %d", resp.StatusCode)
	}
	return nil
}

// SigningString is the string the webhook signature covers.
func SigningString(timestamp string, body []byte) string {
	return timestamp + "|" + string(body)
}

// LogNotifier implements ports.Notifier by writing messages to the log.
// Used when no callback URL is configured.
type LogNotifier struct {
	log zerolog.Logger
}

// NewLogNotifier creates a log-only notifier.
func NewLogNotifier(log zerolog.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

// Notify logs the message.
func (n *LogNotifier) Notify(ctx context.Context, userID string, message string) error {
	n.log.Info().Str("user_id", userID).Str("message", message).Msg("Notification")
	return nil
}
