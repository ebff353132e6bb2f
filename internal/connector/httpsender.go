// ABOUTME: Outbound connector implementations of the Sender contract
// ABOUTME: Webhook HTTP sender for production, logging dev sender for local runs

package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// outboundPayload is the JSON body POSTed to the connector webhook.
// Media travels base64-encoded through encoding/json's []byte handling.
type outboundPayload struct {
	ConversationKey string `json:"conversation_key"`
	Body            string `json:"body,omitempty"`
	Media           []byte `json:"media,omitempty"`
	MimeType        string `json:"mime_type,omitempty"`
	FileName        string `json:"file_name,omitempty"`
}

// outboundReceipt is the webhook's response on a successful send.
type outboundReceipt struct {
	MessageID string `json:"message_id"`
	SentAt    int64  `json:"sent_at"`
}

// HTTPSender delivers outbound replies to the external connector over
// a webhook. A non-2xx response is a send failure; the caller must not
// ingest the message.
type HTTPSender struct {
	url    string
	secret string
	client *http.Client
	logger *slog.Logger
}

// NewHTTPSender creates a webhook sender. Pass nil logger for default.
func NewHTTPSender(url, secret string, logger *slog.Logger) *HTTPSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPSender{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: 30 * time.Second},
		logger: logger.With("component", "connector"),
	}
}

// Send POSTs the reply to the webhook and returns the connector's receipt.
func (s *HTTPSender) Send(ctx context.Context, conversationKey string, req SendRequest) (SendResult, error) {
	payload, err := json.Marshal(outboundPayload{
		ConversationKey: conversationKey,
		Body:            req.Body,
		Media:           req.MediaBlob,
		MimeType:        req.MimeType,
		FileName:        req.FileName,
	})
	if err != nil {
		return SendResult{}, fmt.Errorf("encoding outbound payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return SendResult{}, fmt.Errorf("building webhook request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if s.secret != "" {
		httpReq.Header.Set("X-Connector-Secret", s.secret)
	}

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return SendResult{}, fmt.Errorf("posting to connector webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return SendResult{}, fmt.Errorf("connector webhook returned %d: %s", resp.StatusCode, body)
	}

	var receipt outboundReceipt
	if err := json.NewDecoder(resp.Body).Decode(&receipt); err != nil {
		return SendResult{}, fmt.Errorf("decoding webhook receipt: %w", err)
	}
	if receipt.MessageID == "" {
		return SendResult{}, fmt.Errorf("webhook receipt missing message_id")
	}
	if receipt.SentAt == 0 {
		receipt.SentAt = time.Now().Unix()
	}

	return SendResult{MessageID: receipt.MessageID, SentAt: receipt.SentAt}, nil
}

// DevSender accepts every send, fabricating a message id. Used when no
// webhook is configured, so the desk can run without a live connector.
type DevSender struct {
	logger *slog.Logger
}

// NewDevSender creates a logging development sender.
func NewDevSender(logger *slog.Logger) *DevSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &DevSender{logger: logger.With("component", "connector")}
}

// Send logs the reply and returns a fabricated receipt.
func (s *DevSender) Send(_ context.Context, conversationKey string, req SendRequest) (SendResult, error) {
	s.logger.Info("dev sender dropping outbound message",
		"key", conversationKey,
		"body_len", len(req.Body),
		"media_len", len(req.MediaBlob))
	return SendResult{MessageID: uuid.New().String(), SentAt: time.Now().Unix()}, nil
}
