// ABOUTME: Tagged wire event variants pushed to connected desk clients
// ABOUTME: Presence, claim, message, read, status deltas and full-state snapshots

package broadcast

import (
	"time"

	"github.com/helmdesk/helmdesk/internal/store"
)

// Type tags an Event variant.
type Type string

const (
	TypePresence Type = "presence"
	TypeClaim    Type = "claim"
	TypeMessage  Type = "message"
	TypeRead     Type = "read"
	TypeStatus   Type = "status"
	TypeSnapshot Type = "snapshot"
	// TypeAutoRelease is a targeted notice to the former holder when a
	// claim expires; the accompanying TypeClaim delta goes to everyone.
	TypeAutoRelease Type = "auto_release"
)

// Message is the wire form of a stored message. Media bytes are never
// on the wire, only the reference metadata.
type Message struct {
	ID              string `json:"id"`
	ConversationKey string `json:"conversation_key"`
	Direction       string `json:"direction"`
	Sender          string `json:"sender"`
	Body            string `json:"body,omitempty"`
	MediaKind       string `json:"media_kind,omitempty"`
	MediaMime       string `json:"media_mime,omitempty"`
	MediaFileName   string `json:"media_filename,omitempty"`
	Timestamp       int64  `json:"timestamp"` // epoch seconds, the client's ordering key
	Unread          bool   `json:"unread,omitempty"`
}

// FromStoreMessage converts a stored message to its wire form.
func FromStoreMessage(msg *store.Message) *Message {
	wire := &Message{
		ID:              msg.ID,
		ConversationKey: msg.ConversationKey,
		Direction:       msg.Direction,
		Sender:          msg.Sender,
		Body:            msg.Body,
		Timestamp:       msg.Timestamp.Unix(),
		Unread:          msg.Unread,
	}
	if msg.Media != nil {
		wire.MediaKind = msg.Media.Kind
		wire.MediaMime = msg.Media.MimeType
		wire.MediaFileName = msg.Media.FileName
	}
	return wire
}

// ConversationState is one conversation inside a snapshot.
type ConversationState struct {
	Key      string     `json:"key"`
	Status   string     `json:"status"`
	Holder   string     `json:"holder,omitempty"` // empty when unclaimed
	Messages []*Message `json:"messages"`
}

// Snapshot is the full-state push delivered on (re)connect.
type Snapshot struct {
	Claims        map[string]string   `json:"claims"`
	Online        []string            `json:"online"`
	Conversations []ConversationState `json:"conversations"`
	ServerTime    int64               `json:"server_time"`
}

// Event is the tagged variant sent to clients. Exactly the fields for
// the tagged type are populated.
type Event struct {
	Type Type `json:"type"`

	// presence
	Online []string `json:"online,omitempty"`

	// claim / read / status / auto_release
	ConversationKey string `json:"conversation_key,omitempty"`
	Holder          string `json:"holder,omitempty"` // empty = unclaimed
	Status          string `json:"status,omitempty"`

	// message
	Message *Message `json:"message,omitempty"`

	// snapshot
	Snapshot *Snapshot `json:"snapshot,omitempty"`
}

// NewPresence builds a presence delta event.
func NewPresence(online []string) *Event {
	return &Event{Type: TypePresence, Online: online}
}

// NewClaim builds a claim delta; empty holder means unclaimed.
func NewClaim(key, holder string) *Event {
	return &Event{Type: TypeClaim, ConversationKey: key, Holder: holder}
}

// NewMessage builds a message-appended event.
func NewMessage(msg *store.Message) *Event {
	return &Event{Type: TypeMessage, Message: FromStoreMessage(msg)}
}

// NewRead builds a read-state-changed event.
func NewRead(key string) *Event {
	return &Event{Type: TypeRead, ConversationKey: key}
}

// NewStatus builds a conversation-status-changed event.
func NewStatus(key, status string) *Event {
	return &Event{Type: TypeStatus, ConversationKey: key, Status: status}
}

// NewSnapshot builds the full-state event for a (re)connecting client.
func NewSnapshot(claims map[string]string, online []string, convs []ConversationState) *Event {
	return &Event{Type: TypeSnapshot, Snapshot: &Snapshot{
		Claims:        claims,
		Online:        online,
		Conversations: convs,
		ServerTime:    time.Now().Unix(),
	}}
}

// NewAutoRelease builds the targeted notice for the former holder.
func NewAutoRelease(key, holder string) *Event {
	return &Event{Type: TypeAutoRelease, ConversationKey: key, Holder: holder}
}
