// ABOUTME: Desk core coordinating presence, claims, ingestion, and fan-out
// ABOUTME: Every conversation-scoped operation runs inside the per-key lock

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/helmdesk/helmdesk/internal/auth"
	"github.com/helmdesk/helmdesk/internal/broadcast"
	"github.com/helmdesk/helmdesk/internal/connector"
	"github.com/helmdesk/helmdesk/internal/dedupe"
	"github.com/helmdesk/helmdesk/internal/ingest"
	"github.com/helmdesk/helmdesk/internal/keylock"
	"github.com/helmdesk/helmdesk/internal/ownership"
	"github.com/helmdesk/helmdesk/internal/presence"
	"github.com/helmdesk/helmdesk/internal/store"
)

// Desk errors. Conflict errors from the ownership and presence
// packages pass through unchanged.
var (
	ErrNotFound           = errors.New("conversation not found")
	ErrIdentityNotFound   = errors.New("identity not found")
	ErrForbidden          = errors.New("forbidden")
	ErrConversationClosed = errors.New("conversation closed")
	ErrBadCredentials     = errors.New("invalid username or password")
	ErrSendFailed         = errors.New("connector send failed")
)

// persistTimeout bounds fire-and-forget persistence writes. The
// in-memory state is the system of record; a failed write is logged,
// never rolled back.
const persistTimeout = 5 * time.Second

// Actor identifies the authenticated caller of a desk operation.
type Actor struct {
	Username string
	Role     string
}

// Super reports whether the actor has the superadmin role.
func (a Actor) Super() bool {
	return a.Role == store.RoleSuperadmin
}

// DeskConfig carries the collaborators a Desk needs.
type DeskConfig struct {
	Store       store.Store
	Sender      connector.Sender
	Tokens      *auth.Tokens
	Domain      string        // fixed qualifier for bare counterpart addresses
	AutoRelease time.Duration // zero disables claim auto-release
	Logger      *slog.Logger
}

// Desk is the ownership coordination engine plus the message ingestion
// pipeline. It owns all mutable desk state; the transport layer talks
// to it, never to the component maps directly.
type Desk struct {
	store    store.Store
	sender   connector.Sender
	tokens   *auth.Tokens
	domain   string
	presence *presence.Registry
	claims   *ownership.Table
	pipeline *ingest.Pipeline
	hub      *broadcast.Hub
	locks    *keylock.KeyLock
	seen     *dedupe.Cache
	logger   *slog.Logger
}

// NewDesk wires the desk components and loads history from the store.
// A store load failure here is the distinguished fatal condition the
// supervising layer decides how to handle.
func NewDesk(ctx context.Context, cfg DeskConfig) (*Desk, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	d := &Desk{
		store:    cfg.Store,
		sender:   cfg.Sender,
		tokens:   cfg.Tokens,
		domain:   cfg.Domain,
		presence: presence.NewRegistry(logger),
		claims:   ownership.New(cfg.AutoRelease, logger),
		pipeline: ingest.New(logger),
		hub:      broadcast.NewHub(logger),
		locks:    keylock.New(),
		seen:     dedupe.New(5*time.Minute, 100_000),
		logger:   logger.With("component", "desk"),
	}

	snapshot, err := cfg.Store.LoadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading conversation history: %w", err)
	}
	d.pipeline.Load(snapshot)

	d.claims.SetExpireFunc(d.onClaimExpired)
	return d, nil
}

// Close releases desk resources. The store is closed by the owner.
func (d *Desk) Close() {
	d.seen.Close()
	d.hub.Close()
}

// Hub exposes the broadcaster for transport sessions to subscribe on.
func (d *Desk) Hub() *broadcast.Hub {
	return d.hub
}

// SessionCount returns the number of attached client sessions.
func (d *Desk) SessionCount() int {
	return d.hub.Count()
}

// ---- session lifecycle ----

// Login authenticates a username/password pair, binds a fresh session
// token, and broadcasts the presence change. A second live session for
// the identity is rejected with presence.ErrAlreadyOnline.
func (d *Desk) Login(ctx context.Context, username, password string) (string, *store.Identity, error) {
	identity, err := d.store.GetIdentity(ctx, username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			auth.BurnCompare(password)
			return "", nil, ErrBadCredentials
		}
		return "", nil, fmt.Errorf("looking up identity: %w", err)
	}

	if !auth.CheckPassword(identity.PasswordHash, password) {
		return "", nil, ErrBadCredentials
	}

	token, err := d.tokens.Mint(username)
	if err != nil {
		return "", nil, fmt.Errorf("minting session token: %w", err)
	}

	if err := d.presence.Register(username, token); err != nil {
		return "", nil, err
	}

	d.broadcastPresence()
	d.logger.Info("agent logged in", "identity", username)
	return token, identity, nil
}

// Reconnect re-binds an existing session token after a transport drop.
func (d *Desk) Reconnect(ctx context.Context, token string) (*store.Identity, error) {
	username, err := d.tokens.Verify(token)
	if err != nil {
		return nil, err
	}

	identity, err := d.store.GetIdentity(ctx, username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrIdentityNotFound
		}
		return nil, fmt.Errorf("looking up identity: %w", err)
	}

	if err := d.presence.Register(username, token); err != nil {
		return nil, err
	}

	d.broadcastPresence()
	d.logger.Info("agent reconnected", "identity", username)
	return identity, nil
}

// Disconnect destroys the session bound to token: every conversation
// claimed by the freed identity returns to unclaimed, each inside its
// own per-key critical section so cleanup is just another serialized
// operation, then presence is re-broadcast. Idempotent.
func (d *Desk) Disconnect(token string) {
	identity, ok := d.presence.Unregister(token)
	if !ok {
		return
	}

	for _, key := range d.claims.ClaimsOf(identity) {
		d.locks.Lock(key)
		released := d.claims.ReleaseIf(key, identity)
		d.locks.Unlock(key)

		if released {
			d.hub.Publish(broadcast.NewClaim(key, ""))
		}
	}

	d.broadcastPresence()
	d.logger.Info("agent disconnected", "identity", identity)
}

// ---- claim operations ----

// Pick claims a conversation for the actor. Re-picking a held
// conversation resets its auto-release timer.
func (d *Desk) Pick(actor Actor, conversationKey string) error {
	if !d.presence.IsOnline(actor.Username) {
		return ErrForbidden
	}

	d.locks.Lock(conversationKey)
	defer d.locks.Unlock(conversationKey)

	status, ok := d.pipeline.Status(conversationKey)
	if !ok {
		return ErrNotFound
	}
	if status == store.StatusClosed {
		return ErrConversationClosed
	}

	if err := d.claims.Pick(conversationKey, actor.Username); err != nil {
		return err
	}

	d.hub.Publish(broadcast.NewClaim(conversationKey, actor.Username))
	return nil
}

// Unpick releases the actor's claim. Only the holder may release.
func (d *Desk) Unpick(actor Actor, conversationKey string) error {
	d.locks.Lock(conversationKey)
	defer d.locks.Unlock(conversationKey)

	if err := d.claims.Unpick(conversationKey, actor.Username); err != nil {
		return err
	}

	d.hub.Publish(broadcast.NewClaim(conversationKey, ""))
	return nil
}

// Delegate transfers the actor's claim to another identity. The target
// need not be online; targetOnline lets the client surface a warning.
func (d *Desk) Delegate(ctx context.Context, actor Actor, conversationKey, target string) (targetOnline bool, err error) {
	if _, err := d.store.GetIdentity(ctx, target); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, ErrIdentityNotFound
		}
		return false, fmt.Errorf("looking up delegate target: %w", err)
	}

	d.locks.Lock(conversationKey)
	defer d.locks.Unlock(conversationKey)

	if err := d.claims.Delegate(conversationKey, actor.Username, target); err != nil {
		return false, err
	}

	d.hub.Publish(broadcast.NewClaim(conversationKey, target))
	return d.presence.IsOnline(target), nil
}

// onClaimExpired is the auto-release timer callback. It funnels the
// firing through the conversation's critical section; a claim that
// changed since arming makes the fire a no-op.
func (d *Desk) onClaimExpired(key, holder string, generation uint64) {
	d.locks.Lock(key)
	released := d.claims.ExpireIfCurrent(key, holder, generation)
	d.locks.Unlock(key)

	if !released {
		return
	}

	d.hub.Publish(broadcast.NewClaim(key, ""))

	// Direct notice to the former holder, if still online
	if token, ok := d.presence.Resolve(holder); ok {
		d.hub.SendTo(token, broadcast.NewAutoRelease(key, holder))
	}
}

// ---- conversation status ----

// CloseConversation closes a conversation, forcing any claim back to
// unclaimed. Permitted for the current holder or a superadmin.
func (d *Desk) CloseConversation(actor Actor, conversationKey string) error {
	d.locks.Lock(conversationKey)
	defer d.locks.Unlock(conversationKey)

	if !d.pipeline.Exists(conversationKey) {
		return ErrNotFound
	}

	holder, claimed := d.claims.Holder(conversationKey)
	if !actor.Super() && (!claimed || holder != actor.Username) {
		return ErrForbidden
	}

	if former, ok := d.claims.Release(conversationKey); ok {
		d.logger.Debug("claim forced off by close", "key", conversationKey, "holder", former)
		d.hub.Publish(broadcast.NewClaim(conversationKey, ""))
	}

	if err := d.pipeline.SetStatus(conversationKey, store.StatusClosed); err != nil {
		return err
	}

	d.persistStatus(conversationKey, store.StatusClosed)
	d.hub.Publish(broadcast.NewStatus(conversationKey, store.StatusClosed))
	return nil
}

// OpenConversation reopens a closed conversation. Superadmin only; no
// prior claim is restored.
func (d *Desk) OpenConversation(actor Actor, conversationKey string) error {
	if !actor.Super() {
		return ErrForbidden
	}

	d.locks.Lock(conversationKey)
	defer d.locks.Unlock(conversationKey)

	if err := d.pipeline.SetStatus(conversationKey, store.StatusOpen); err != nil {
		if errors.Is(err, ingest.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}

	d.persistStatus(conversationKey, store.StatusOpen)
	d.hub.Publish(broadcast.NewStatus(conversationKey, store.StatusOpen))
	return nil
}

// ---- messaging ----

// HandleInbound admits a connector-delivered message event. The
// address is normalized to its conversation key, redeliveries and
// echoes of locally-sent messages are dropped, media bytes are handed
// to the store and replaced by a reference, and the stored message is
// fanned out to every client.
func (d *Desk) HandleInbound(ctx context.Context, ev connector.Inbound) (ingest.Result, error) {
	key := connector.Normalize(ev.Address, d.domain)
	if key == "" || ev.MessageID == "" {
		return 0, fmt.Errorf("inbound event missing conversation address or message id")
	}

	msg := &store.Message{
		ID:              ev.MessageID,
		ConversationKey: key,
		Direction:       ev.Direction,
		Sender:          key,
		Body:            ev.Body,
		Timestamp:       time.Unix(ev.SentAt, 0),
	}
	if ev.Direction == "" {
		msg.Direction = store.DirectionIncoming
	}
	if msg.Direction == store.DirectionOutgoing {
		msg.Sender = "self"
	}

	// Echo suppression: replies sent from this desk marked their
	// connector-assigned id, so the asynchronous "sent by self" report
	// of the same send drops here. Incoming redeliveries are decided by
	// the per-conversation history index alone.
	if msg.Direction == store.DirectionOutgoing && d.seen.Check(ev.MessageID) {
		return ingest.Duplicate, nil
	}

	// Redelivery pre-check so a duplicate never re-writes media bytes;
	// the ingest below remains the authority under the key lock.
	if d.pipeline.Has(key, ev.MessageID) {
		return ingest.Duplicate, nil
	}

	// Media bytes go to the persistence adapter once; only the
	// reference travels further.
	if len(ev.MediaBlob) > 0 {
		ref, err := d.store.SaveMediaBlob(ctx, key, ev.MessageID, ev.FileName, ev.MediaBlob)
		if err != nil {
			d.logger.Error("failed to store media blob", "error", err, "message_id", ev.MessageID)
		} else {
			ref.Kind = ev.MediaKind
			ref.MimeType = ev.MimeType
			msg.Media = ref
		}
	}

	d.locks.Lock(key)
	result := d.pipeline.Ingest(key, msg)
	d.locks.Unlock(key)

	if result == ingest.Duplicate {
		return result, nil
	}

	d.persistMessage(msg)
	d.hub.Publish(broadcast.NewMessage(msg))
	return result, nil
}

// ReplyRequest is an agent reply to be sent through the connector.
type ReplyRequest struct {
	Body      string
	MediaBlob []byte
	MimeType  string
	FileName  string
}

// Reply sends an agent reply through the connector and, on success,
// ingests the synthesized outgoing message. The target address is
// normalized first; replying to an address with no history yet creates
// the conversation. A claim is the exclusive right to reply, so a
// conversation held by someone else rejects with the holder named.
// The connector call happens outside the conversation's critical
// section. A send failure mutates nothing and is reported to the
// requester only.
func (d *Desk) Reply(ctx context.Context, actor Actor, conversationKey string, req ReplyRequest) (*store.Message, error) {
	key := connector.Normalize(conversationKey, d.domain)
	if key == "" {
		return nil, ErrNotFound
	}

	if status, ok := d.pipeline.Status(key); ok && status == store.StatusClosed {
		return nil, ErrConversationClosed
	}

	if holder, claimed := d.claims.Holder(key); claimed && holder != actor.Username {
		return nil, &ownership.AlreadyClaimedError{Holder: holder}
	}

	res, err := d.sender.Send(ctx, key, connector.SendRequest{
		Body:      req.Body,
		MediaBlob: req.MediaBlob,
		MimeType:  req.MimeType,
		FileName:  req.FileName,
	})
	if err != nil {
		d.logger.Error("connector send failed", "error", err, "key", key)
		return nil, fmt.Errorf("%w: %v", ErrSendFailed, err)
	}

	messageID := res.MessageID
	if messageID == "" {
		messageID = uuid.New().String()
	}

	// Mark before ingest so the connector's async echo of this id is
	// recognized as a duplicate.
	d.seen.Mark(messageID)

	msg := &store.Message{
		ID:              messageID,
		ConversationKey: key,
		Direction:       store.DirectionOutgoing,
		Sender:          actor.Username,
		Body:            req.Body,
		Timestamp:       time.Unix(res.SentAt, 0),
	}

	if len(req.MediaBlob) > 0 {
		ref, err := d.store.SaveMediaBlob(ctx, key, messageID, req.FileName, req.MediaBlob)
		if err != nil {
			d.logger.Error("failed to store media blob", "error", err, "message_id", messageID)
		} else {
			ref.MimeType = req.MimeType
			msg.Media = ref
		}
	}

	d.locks.Lock(key)
	result := d.pipeline.Ingest(key, msg)
	d.locks.Unlock(key)

	if result == ingest.Stored {
		d.persistMessage(msg)
		d.hub.Publish(broadcast.NewMessage(msg))
	}
	return msg, nil
}

// MarkRead acknowledges the trailing run of incoming messages.
// Permitted when the conversation is unclaimed or claimed by the
// actor; a non-holder request is silently ignored rather than erroring.
func (d *Desk) MarkRead(actor Actor, conversationKey string) {
	d.locks.Lock(conversationKey)

	holder, claimed := d.claims.Holder(conversationKey)
	if claimed && holder != actor.Username {
		d.locks.Unlock(conversationKey)
		return
	}

	flipped := d.pipeline.MarkRead(conversationKey)
	d.locks.Unlock(conversationKey)

	if len(flipped) == 0 {
		return
	}

	d.persistRead(conversationKey, flipped)
	d.hub.Publish(broadcast.NewRead(conversationKey))
}

// ---- administrative ----

// PurgeConversation irreversibly deletes a conversation and its
// messages. Superadmin only.
func (d *Desk) PurgeConversation(actor Actor, conversationKey string) error {
	if !actor.Super() {
		return ErrForbidden
	}

	d.locks.Lock(conversationKey)
	defer d.locks.Unlock(conversationKey)

	if !d.pipeline.Purge(conversationKey) {
		return ErrNotFound
	}
	if _, ok := d.claims.Release(conversationKey); ok {
		d.hub.Publish(broadcast.NewClaim(conversationKey, ""))
	}

	d.persistDelete(conversationKey)
	return nil
}

// PurgeAll irreversibly deletes every conversation. Superadmin only.
func (d *Desk) PurgeAll(actor Actor) error {
	if !actor.Super() {
		return ErrForbidden
	}

	for key := range d.claims.Claims() {
		d.locks.Lock(key)
		if _, ok := d.claims.Release(key); ok {
			d.hub.Publish(broadcast.NewClaim(key, ""))
		}
		d.locks.Unlock(key)
	}
	d.pipeline.PurgeAll()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := d.store.DeleteAllConversations(ctx); err != nil {
			d.logger.Error("failed to purge conversations", "error", err)
		}
	}()
	return nil
}

// QuickReplies returns the canned response templates.
func (d *Desk) QuickReplies(ctx context.Context) ([]*store.QuickReply, error) {
	return d.store.ListQuickReplies(ctx)
}

// ---- snapshots and fan-out ----

// Snapshot assembles the full-state event a (re)connecting client
// receives before any deltas.
func (d *Desk) Snapshot() *broadcast.Event {
	claims := d.claims.Claims()
	online := d.presence.Online()
	sort.Strings(online)

	histories := d.pipeline.Snapshot()
	keys := make([]string, 0, len(histories))
	for key := range histories {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	convs := make([]broadcast.ConversationState, 0, len(keys))
	for _, key := range keys {
		cs := histories[key]
		msgs := make([]*broadcast.Message, 0, len(cs.Messages))
		for _, msg := range cs.Messages {
			msgs = append(msgs, broadcast.FromStoreMessage(msg))
		}
		convs = append(convs, broadcast.ConversationState{
			Key:      key,
			Status:   cs.Status,
			Holder:   claims[key],
			Messages: msgs,
		})
	}

	return broadcast.NewSnapshot(claims, online, convs)
}

// broadcastPresence pushes the current online set to every client.
func (d *Desk) broadcastPresence() {
	online := d.presence.Online()
	sort.Strings(online)
	d.hub.Publish(broadcast.NewPresence(online))
}

// ---- best-effort persistence ----

// persistMessage saves a message with its own timeout context so
// persistence continues even if the request context is cancelled.
func (d *Desk) persistMessage(msg *store.Message) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()

		if err := d.store.SaveMessage(ctx, msg); err != nil {
			d.logger.Error("failed to persist message",
				"error", err,
				"message_id", msg.ID,
				"key", msg.ConversationKey)
		}
	}()
}

func (d *Desk) persistRead(conversationKey string, ids []string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()

		if err := d.store.SetMessagesRead(ctx, conversationKey, ids); err != nil {
			d.logger.Error("failed to persist read state",
				"error", err,
				"key", conversationKey)
		}
	}()
}

func (d *Desk) persistStatus(conversationKey, status string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()

		if err := d.store.SetConversationStatus(ctx, conversationKey, status); err != nil {
			d.logger.Error("failed to persist conversation status",
				"error", err,
				"key", conversationKey,
				"status", status)
		}
	}()
}

func (d *Desk) persistDelete(conversationKey string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()

		if err := d.store.DeleteConversation(ctx, conversationKey); err != nil && !errors.Is(err, store.ErrNotFound) {
			d.logger.Error("failed to delete conversation",
				"error", err,
				"key", conversationKey)
		}
	}()
}
