// ABOUTME: Boundary types for the external messaging connector
// ABOUTME: Inbound event struct, outbound Sender contract, address normalization

package connector

import (
	"context"
	"strings"
)

// Message directions as reported by the connector.
const (
	DirectionIncoming = "incoming"
	DirectionOutgoing = "outgoing"
)

// Inbound is a message event delivered by the external connector.
// MediaBlob carries raw bytes exactly once, on delivery; the core
// stores a reference and drops the bytes from its working model.
type Inbound struct {
	MessageID string
	Address   string // counterpart address, possibly a bare identifier
	Direction string
	Body      string
	MediaBlob []byte
	MediaKind string // "image", "document", ... empty when no media
	MimeType  string
	FileName  string
	SentAt    int64 // epoch seconds
}

// SendRequest is an outbound reply handed to the connector.
type SendRequest struct {
	Body      string
	MediaBlob []byte
	MimeType  string
	FileName  string
}

// SendResult reports a successful send: the connector-assigned message
// id and the send time in epoch seconds.
type SendResult struct {
	MessageID string
	SentAt    int64
}

// Sender is the outbound half of the connector contract. A failed send
// must prevent the corresponding message from being ingested.
type Sender interface {
	Send(ctx context.Context, conversationKey string, req SendRequest) (SendResult, error)
}

// Normalize canonicalizes a counterpart address into a conversation
// key: trims whitespace, lower-cases, and suffixes bare identifiers
// with the fixed domain qualifier.
func Normalize(address, domain string) string {
	key := strings.ToLower(strings.TrimSpace(address))
	if key == "" {
		return ""
	}
	if !strings.Contains(key, "@") {
		key = key + "@" + domain
	}
	return key
}
