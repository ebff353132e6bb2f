// ABOUTME: Presence registry tracking which agent identities are online
// ABOUTME: Maps session tokens to identities, one live session per identity

package presence

import (
	"errors"
	"log/slog"
	"sync"
)

// ErrAlreadyOnline indicates the identity already has a live session
// bound to a different session token.
var ErrAlreadyOnline = errors.New("identity already online")

// Registry is a pure token<->identity mapping. It never broadcasts;
// callers are responsible for triggering a presence update after every
// successful register or unregister.
type Registry struct {
	mu      sync.RWMutex
	byToken map[string]string // session token -> identity
	byIdent map[string]string // identity -> session token
	logger  *slog.Logger
}

// NewRegistry creates an empty presence registry. Pass nil logger for default.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		byToken: make(map[string]string),
		byIdent: make(map[string]string),
		logger:  logger.With("component", "presence"),
	}
}

// Register binds an identity to a session token. A second session for
// an identity already bound to a different token returns
// ErrAlreadyOnline; re-registering the same token is a no-op.
func (r *Registry) Register(identity, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byIdent[identity]; ok {
		if existing == token {
			return nil
		}
		return ErrAlreadyOnline
	}

	r.byToken[token] = identity
	r.byIdent[identity] = token
	r.logger.Info("agent online", "identity", identity, "total_online", len(r.byIdent))
	return nil
}

// Unregister frees whatever identity the token was bound to.
// Idempotent: an unknown token returns ("", false).
func (r *Registry) Unregister(token string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	identity, ok := r.byToken[token]
	if !ok {
		return "", false
	}

	delete(r.byToken, token)
	delete(r.byIdent, identity)
	r.logger.Info("agent offline", "identity", identity, "total_online", len(r.byIdent))
	return identity, true
}

// Online returns a snapshot of currently online identities.
func (r *Registry) Online() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	online := make([]string, 0, len(r.byIdent))
	for identity := range r.byIdent {
		online = append(online, identity)
	}
	return online
}

// Resolve returns the session token bound to an identity, used to
// target a single identity for a direct notification.
func (r *Registry) Resolve(identity string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	token, ok := r.byIdent[identity]
	return token, ok
}

// IsOnline checks whether an identity currently has a live session.
func (r *Registry) IsOnline(identity string) bool {
	_, ok := r.Resolve(identity)
	return ok
}
