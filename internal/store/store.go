// ABOUTME: Store interface and data types for helmdesk persistence
// ABOUTME: Defines Identity, Conversation, Message structs and the Store interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateIdentity is returned when creating an identity whose username is taken
var ErrDuplicateIdentity = errors.New("identity already exists")

// Identity roles
const (
	RoleAgent      = "agent"
	RoleSuperadmin = "superadmin"
)

// Conversation statuses
const (
	StatusOpen   = "open"
	StatusClosed = "closed"
)

// Message directions
const (
	DirectionIncoming = "incoming"
	DirectionOutgoing = "outgoing"
)

// Identity represents an agent account. Credentials are stored as a
// bcrypt hash; the core references identities but never owns them.
type Identity struct {
	Username     string
	PasswordHash string
	Initials     string
	Role         string // "agent" or "superadmin"
}

// Conversation represents one correspondence thread with a counterpart
// address, identified by its normalized conversation key.
type Conversation struct {
	Key    string
	Status string // "open" or "closed"
}

// MediaRef points at stored media bytes. Raw bytes are never kept in
// the working model, only the reference written by SaveMediaBlob.
type MediaRef struct {
	Kind     string // "image", "document", ...
	MimeType string
	Path     string
	FileName string
}

// Message is a single message within a conversation. Immutable once
// stored except for the Unread flag, which read-acknowledgement flips.
type Message struct {
	ID              string
	ConversationKey string
	Direction       string // "incoming" or "outgoing"
	Sender          string // counterpart address or agent username
	Body            string
	Media           *MediaRef
	Timestamp       time.Time
	Unread          bool // meaningful only for incoming messages
}

// QuickReply is a canned response template
type QuickReply struct {
	ID    string
	Label string
	Body  string
}

// ConversationSnapshot pairs a conversation with its full history,
// used by LoadAll to seed the in-memory pipeline at startup.
type ConversationSnapshot struct {
	Status   string
	Messages []*Message
}

// Store defines the interface for helmdesk persistence
type Store interface {
	// Conversations and messages
	LoadAll(ctx context.Context) (map[string]*ConversationSnapshot, error)
	SaveConversation(ctx context.Context, conv *Conversation) error
	SaveMessage(ctx context.Context, msg *Message) error
	SetMessagesRead(ctx context.Context, conversationKey string, ids []string) error
	SetConversationStatus(ctx context.Context, conversationKey, status string) error
	DeleteConversation(ctx context.Context, conversationKey string) error
	DeleteAllConversations(ctx context.Context) error

	// Media
	SaveMediaBlob(ctx context.Context, conversationKey, messageID, fileName string, data []byte) (*MediaRef, error)

	// Identities
	CreateIdentity(ctx context.Context, id *Identity) error
	GetIdentity(ctx context.Context, username string) (*Identity, error)
	ListIdentities(ctx context.Context) ([]*Identity, error)
	DeleteIdentity(ctx context.Context, username string) error

	// Quick replies
	CreateQuickReply(ctx context.Context, qr *QuickReply) error
	ListQuickReplies(ctx context.Context) ([]*QuickReply, error)
	DeleteQuickReply(ctx context.Context, id string) error

	// Close releases any resources held by the store
	Close() error
}
