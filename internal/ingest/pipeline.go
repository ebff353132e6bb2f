// ABOUTME: Message ingestion and deduplication pipeline
// ABOUTME: Per-conversation history in arrival order, unread flags, trailing-run markRead

package ingest

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/helmdesk/helmdesk/internal/store"
)

// ErrNotFound is returned when a conversation key is unknown.
var ErrNotFound = errors.New("conversation not found")

// Result reports the outcome of an ingest call.
type Result int

const (
	// Stored means the message was appended to the conversation history.
	Stored Result = iota
	// Duplicate means the message id already exists in that
	// conversation's history; nothing was changed.
	Duplicate
)

// conversation is the in-memory history of one correspondence thread.
// Messages are appended in arrival order; the index detects redelivery
// by message id.
type conversation struct {
	status   string
	messages []*store.Message
	index    map[string]struct{}
}

// Pipeline holds the working history of every conversation. The
// in-memory state is the system of record during operation; the
// persistence adapter trails behind it best-effort. Callers serialize
// operations per conversation key; the internal mutex only guards the
// conversation map.
type Pipeline struct {
	mu     sync.RWMutex
	convs  map[string]*conversation
	logger *slog.Logger
}

// New creates an empty pipeline. Pass nil logger for default.
func New(logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		convs:  make(map[string]*conversation),
		logger: logger.With("component", "ingest"),
	}
}

// Load seeds the pipeline from a persistence snapshot at startup.
func (p *Pipeline) Load(snapshot map[string]*store.ConversationSnapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for key, cs := range snapshot {
		conv := &conversation{
			status: cs.Status,
			index:  make(map[string]struct{}, len(cs.Messages)),
		}
		for _, msg := range cs.Messages {
			if _, seen := conv.index[msg.ID]; seen {
				continue
			}
			conv.messages = append(conv.messages, msg)
			conv.index[msg.ID] = struct{}{}
		}
		p.convs[key] = conv
	}

	p.logger.Info("history loaded", "conversations", len(p.convs))
}

// Ingest appends a message to its conversation exactly once per unique
// id. The conversation is created implicitly on first message. A fresh
// incoming message is marked unread; out-of-order timestamps are
// tolerated and never re-sorted.
func (p *Pipeline) Ingest(key string, msg *store.Message) Result {
	p.mu.Lock()
	defer p.mu.Unlock()

	conv, ok := p.convs[key]
	if !ok {
		conv = &conversation{
			status: store.StatusOpen,
			index:  make(map[string]struct{}),
		}
		p.convs[key] = conv
	}

	if _, seen := conv.index[msg.ID]; seen {
		p.logger.Debug("duplicate message ignored", "key", key, "message_id", msg.ID)
		return Duplicate
	}

	if msg.Direction == store.DirectionIncoming {
		msg.Unread = true
	}

	conv.messages = append(conv.messages, msg)
	conv.index[msg.ID] = struct{}{}
	return Stored
}

// MarkRead flips unread=false on the trailing run of incoming messages,
// scanning backwards from the end of history and stopping at the first
// outgoing message. Messages before the agent's last reply are assumed
// already handled. Returns the ids that were flipped.
func (p *Pipeline) MarkRead(key string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	conv, ok := p.convs[key]
	if !ok {
		return nil
	}

	var flipped []string
	for i := len(conv.messages) - 1; i >= 0; i-- {
		msg := conv.messages[i]
		if msg.Direction == store.DirectionOutgoing {
			break
		}
		if msg.Unread {
			msg.Unread = false
			flipped = append(flipped, msg.ID)
		}
	}
	return flipped
}

// History returns a copy of the conversation's message sequence in
// storage (arrival) order.
func (p *Pipeline) History(key string) []*store.Message {
	p.mu.RLock()
	defer p.mu.RUnlock()

	conv, ok := p.convs[key]
	if !ok {
		return nil
	}
	out := make([]*store.Message, len(conv.messages))
	copy(out, conv.messages)
	return out
}

// Status returns the conversation's open/closed status.
func (p *Pipeline) Status(key string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	conv, ok := p.convs[key]
	if !ok {
		return "", false
	}
	return conv.status, true
}

// SetStatus updates the conversation's status.
func (p *Pipeline) SetStatus(key, status string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	conv, ok := p.convs[key]
	if !ok {
		return ErrNotFound
	}
	conv.status = status
	return nil
}

// Has reports whether a message id already exists in the
// conversation's history.
func (p *Pipeline) Has(key, id string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	conv, ok := p.convs[key]
	if !ok {
		return false
	}
	_, seen := conv.index[id]
	return seen
}

// Exists reports whether a conversation key is known.
func (p *Pipeline) Exists(key string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	_, ok := p.convs[key]
	return ok
}

// Snapshot returns a copy of every conversation with its history,
// suitable for the full-state push on client (re)connect.
func (p *Pipeline) Snapshot() map[string]*store.ConversationSnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make(map[string]*store.ConversationSnapshot, len(p.convs))
	for key, conv := range p.convs {
		msgs := make([]*store.Message, len(conv.messages))
		copy(msgs, conv.messages)
		out[key] = &store.ConversationSnapshot{
			Status:   conv.status,
			Messages: msgs,
		}
	}
	return out
}

// Purge removes a conversation and its history. Irreversible.
func (p *Pipeline) Purge(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.convs[key]; !ok {
		return false
	}
	delete(p.convs, key)
	p.logger.Info("conversation purged", "key", key)
	return true
}

// PurgeAll removes every conversation.
func (p *Pipeline) PurgeAll() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.convs = make(map[string]*conversation)
	p.logger.Info("all conversations purged")
}
