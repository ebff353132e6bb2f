// ABOUTME: Tests for the desk core
// ABOUTME: Claim lifecycle, auto-release, ingestion dedup, markRead, disconnect cleanup

package gateway

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helmdesk/helmdesk/internal/auth"
	"github.com/helmdesk/helmdesk/internal/broadcast"
	"github.com/helmdesk/helmdesk/internal/connector"
	"github.com/helmdesk/helmdesk/internal/ingest"
	"github.com/helmdesk/helmdesk/internal/ownership"
	"github.com/helmdesk/helmdesk/internal/presence"
	"github.com/helmdesk/helmdesk/internal/store"
)

const convKey = "628123@ext.chat"

// fakeSender records outbound sends and assigns sequential message ids.
type fakeSender struct {
	mu   sync.Mutex
	sent []connector.SendRequest
	fail bool
}

func (f *fakeSender) Send(_ context.Context, _ string, req connector.SendRequest) (connector.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.fail {
		return connector.SendResult{}, fmt.Errorf("connector down")
	}
	f.sent = append(f.sent, req)
	return connector.SendResult{
		MessageID: fmt.Sprintf("out-%d", len(f.sent)),
		SentAt:    time.Now().Unix(),
	}, nil
}

func newTestDesk(t *testing.T, autoRelease time.Duration) (*Desk, *fakeSender) {
	t.Helper()

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "desk.db"), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	for _, id := range []*store.Identity{
		{Username: "alice", Role: store.RoleAgent},
		{Username: "bob", Role: store.RoleAgent},
		{Username: "root", Role: store.RoleSuperadmin},
	} {
		hash, err := auth.HashPassword(id.Username + "-pw")
		require.NoError(t, err)
		id.PasswordHash = hash
		require.NoError(t, st.CreateIdentity(ctx, id))
	}

	tokens, err := auth.NewTokens([]byte("test-secret"), time.Hour)
	require.NoError(t, err)

	sender := &fakeSender{}
	desk, err := NewDesk(ctx, DeskConfig{
		Store:       st,
		Sender:      sender,
		Tokens:      tokens,
		Domain:      "ext.chat",
		AutoRelease: autoRelease,
		Logger:      nil,
	})
	require.NoError(t, err)
	t.Cleanup(desk.Close)

	return desk, sender
}

// login authenticates an identity and returns its session token and actor.
func login(t *testing.T, desk *Desk, username string) (string, Actor) {
	t.Helper()

	token, identity, err := desk.Login(context.Background(), username, username+"-pw")
	require.NoError(t, err)
	return token, Actor{Username: identity.Username, Role: identity.Role}
}

// deliver pushes an incoming message through the inbound path.
func deliver(t *testing.T, desk *Desk, id, body string) {
	t.Helper()

	result, err := desk.HandleInbound(context.Background(), connector.Inbound{
		MessageID: id,
		Address:   convKey,
		Body:      body,
		SentAt:    time.Now().Unix(),
	})
	require.NoError(t, err)
	require.Equal(t, ingest.Stored, result)
}

func TestLogin(t *testing.T) {
	desk, _ := newTestDesk(t, 0)

	token, actor := login(t, desk, "alice")
	assert.NotEmpty(t, token)
	assert.Equal(t, "alice", actor.Username)

	// Second concurrent session for the same identity is rejected
	_, _, err := desk.Login(context.Background(), "alice", "alice-pw")
	assert.ErrorIs(t, err, presence.ErrAlreadyOnline)

	_, _, err = desk.Login(context.Background(), "alice", "wrong")
	assert.ErrorIs(t, err, ErrBadCredentials)

	_, _, err = desk.Login(context.Background(), "nobody", "x")
	assert.ErrorIs(t, err, ErrBadCredentials)
}

func TestReconnect(t *testing.T) {
	desk, _ := newTestDesk(t, 0)

	token, _ := login(t, desk, "alice")
	desk.Disconnect(token)

	identity, err := desk.Reconnect(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "alice", identity.Username)

	_, err = desk.Reconnect(context.Background(), "garbage")
	assert.ErrorIs(t, err, auth.ErrInvalidToken)
}

func TestPickLifecycle(t *testing.T) {
	desk, _ := newTestDesk(t, 0)
	deliver(t, desk, "m1", "hello")

	_, alice := login(t, desk, "alice")
	_, bob := login(t, desk, "bob")

	require.NoError(t, desk.Pick(alice, convKey))

	// Competing pick names the current holder
	err := desk.Pick(bob, convKey)
	var claimed *ownership.AlreadyClaimedError
	require.ErrorAs(t, err, &claimed)
	assert.Equal(t, "alice", claimed.Holder)

	// Re-pick by the holder is a heartbeat, not an error
	require.NoError(t, desk.Pick(alice, convKey))

	assert.ErrorIs(t, desk.Unpick(bob, convKey), ownership.ErrNotHolder)
	require.NoError(t, desk.Unpick(alice, convKey))
	require.NoError(t, desk.Pick(bob, convKey))
}

func TestPickValidation(t *testing.T) {
	desk, _ := newTestDesk(t, 0)
	_, alice := login(t, desk, "alice")

	assert.ErrorIs(t, desk.Pick(alice, "unknown@ext.chat"), ErrNotFound)

	// An offline identity cannot claim
	deliver(t, desk, "m1", "hello")
	assert.ErrorIs(t, desk.Pick(Actor{Username: "bob", Role: store.RoleAgent}, convKey), ErrForbidden)
}

func TestDelegate(t *testing.T) {
	desk, _ := newTestDesk(t, 0)
	deliver(t, desk, "m1", "hello")

	ctx := context.Background()
	_, alice := login(t, desk, "alice")
	require.NoError(t, desk.Pick(alice, convKey))

	// Target exists but is offline: legal, flagged for the client
	online, err := desk.Delegate(ctx, alice, convKey, "bob")
	require.NoError(t, err)
	assert.False(t, online)

	holder, ok := desk.claims.Holder(convKey)
	require.True(t, ok)
	assert.Equal(t, "bob", holder)

	// Claim moved, so alice is no longer allowed to transfer it
	_, err = desk.Delegate(ctx, alice, convKey, "root")
	assert.ErrorIs(t, err, ownership.ErrNotHolder)

	_, bob := login(t, desk, "bob")
	_, err = desk.Delegate(ctx, bob, convKey, "bob")
	assert.ErrorIs(t, err, ownership.ErrSelfDelegate)

	_, err = desk.Delegate(ctx, bob, convKey, "nobody")
	assert.ErrorIs(t, err, ErrIdentityNotFound)
}

func TestAutoRelease(t *testing.T) {
	desk, _ := newTestDesk(t, 50*time.Millisecond)
	deliver(t, desk, "m1", "hello")

	token, alice := login(t, desk, "alice")

	// Subscribe under the session token so the targeted notice arrives here
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, _ := desk.Hub().Subscribe(ctx, token)

	require.NoError(t, desk.Pick(alice, convKey))

	require.Eventually(t, func() bool {
		_, held := desk.claims.Holder(convKey)
		return !held
	}, 2*time.Second, 10*time.Millisecond)

	var sawUnclaim, sawNotice bool
	deadline := time.After(time.Second)
	for !(sawUnclaim && sawNotice) {
		select {
		case ev := <-events:
			switch {
			case ev.Type == broadcast.TypeClaim && ev.Holder == "":
				sawUnclaim = true
			case ev.Type == broadcast.TypeAutoRelease:
				sawNotice = true
				assert.Equal(t, convKey, ev.ConversationKey)
				assert.Equal(t, "alice", ev.Holder)
			}
		case <-deadline:
			t.Fatalf("missing events: unclaim=%v notice=%v", sawUnclaim, sawNotice)
		}
	}
}

func TestRePickRearmsTimer(t *testing.T) {
	desk, _ := newTestDesk(t, 200*time.Millisecond)
	deliver(t, desk, "m1", "hello")

	_, alice := login(t, desk, "alice")
	require.NoError(t, desk.Pick(alice, convKey))

	time.Sleep(120 * time.Millisecond)
	require.NoError(t, desk.Pick(alice, convKey))

	// Past the first deadline but inside the re-armed one
	time.Sleep(120 * time.Millisecond)
	holder, ok := desk.claims.Holder(convKey)
	require.True(t, ok, "claim expired despite heartbeat")
	assert.Equal(t, "alice", holder)

	require.Eventually(t, func() bool {
		_, held := desk.claims.Holder(convKey)
		return !held
	}, 2*time.Second, 10*time.Millisecond)
}

func TestInboundDedup(t *testing.T) {
	desk, _ := newTestDesk(t, 0)
	deliver(t, desk, "m1", "hello")

	result, err := desk.HandleInbound(context.Background(), connector.Inbound{
		MessageID: "m1",
		Address:   convKey,
		Body:      "hello again",
	})
	require.NoError(t, err)
	assert.Equal(t, ingest.Duplicate, result)

	assert.Len(t, desk.pipeline.History(convKey), 1)
}

func TestInboundNormalizesAddress(t *testing.T) {
	desk, _ := newTestDesk(t, 0)

	// Bare identifier with stray case and whitespace collapses onto the
	// same conversation as the fully-qualified form
	_, err := desk.HandleInbound(context.Background(), connector.Inbound{
		MessageID: "m1",
		Address:   "  628123 ",
		Body:      "hi",
	})
	require.NoError(t, err)

	result, err := desk.HandleInbound(context.Background(), connector.Inbound{
		MessageID: "m2",
		Address:   "628123@EXT.CHAT",
		Body:      "again",
	})
	require.NoError(t, err)
	assert.Equal(t, ingest.Stored, result)

	assert.Len(t, desk.pipeline.History(convKey), 2)
}

func TestReplyAndEchoSuppression(t *testing.T) {
	desk, sender := newTestDesk(t, 0)
	deliver(t, desk, "m1", "hello")

	_, alice := login(t, desk, "alice")

	msg, err := desk.Reply(context.Background(), alice, convKey, ReplyRequest{Body: "how can I help?"})
	require.NoError(t, err)
	assert.Equal(t, "out-1", msg.ID)
	assert.Equal(t, store.DirectionOutgoing, msg.Direction)
	assert.Equal(t, "alice", msg.Sender)
	assert.Len(t, sender.sent, 1)

	// The connector reports the same send asynchronously; it must not
	// appear twice
	result, err := desk.HandleInbound(context.Background(), connector.Inbound{
		MessageID: "out-1",
		Address:   convKey,
		Direction: connector.DirectionOutgoing,
		Body:      "how can I help?",
	})
	require.NoError(t, err)
	assert.Equal(t, ingest.Duplicate, result)

	assert.Len(t, desk.pipeline.History(convKey), 2)
}

func TestReplyRequiresClaim(t *testing.T) {
	desk, sender := newTestDesk(t, 0)
	deliver(t, desk, "m1", "hello")

	ctx := context.Background()
	_, alice := login(t, desk, "alice")
	_, bob := login(t, desk, "bob")

	require.NoError(t, desk.Pick(alice, convKey))

	// The claim is the exclusive right to reply
	_, err := desk.Reply(ctx, bob, convKey, ReplyRequest{Body: "butting in"})
	var claimed *ownership.AlreadyClaimedError
	require.ErrorAs(t, err, &claimed)
	assert.Equal(t, "alice", claimed.Holder)
	assert.Empty(t, sender.sent, "rejected reply must not reach the connector")
	assert.Len(t, desk.pipeline.History(convKey), 1)

	// The holder replies, and an unclaimed conversation accepts anyone
	_, err = desk.Reply(ctx, alice, convKey, ReplyRequest{Body: "on it"})
	require.NoError(t, err)

	require.NoError(t, desk.Unpick(alice, convKey))
	_, err = desk.Reply(ctx, bob, convKey, ReplyRequest{Body: "taking over"})
	require.NoError(t, err)
	assert.Len(t, sender.sent, 2)
}

func TestReplyCreatesConversation(t *testing.T) {
	desk, sender := newTestDesk(t, 0)

	_, alice := login(t, desk, "alice")

	// An outbound reply to a fresh address opens the conversation; the
	// bare target normalizes like any inbound address would
	msg, err := desk.Reply(context.Background(), alice, "  999888 ", ReplyRequest{Body: "hello there"})
	require.NoError(t, err)
	assert.Equal(t, "999888@ext.chat", msg.ConversationKey)
	assert.Len(t, sender.sent, 1)

	status, ok := desk.pipeline.Status("999888@ext.chat")
	require.True(t, ok)
	assert.Equal(t, store.StatusOpen, status)
	require.Len(t, desk.pipeline.History("999888@ext.chat"), 1)
}

func TestInboundSameIDAcrossConversations(t *testing.T) {
	desk, _ := newTestDesk(t, 0)
	deliver(t, desk, "m1", "hello")

	// Connectors only guarantee ids unique per counterpart, so the same
	// id in another conversation is a new message, not a redelivery
	result, err := desk.HandleInbound(context.Background(), connector.Inbound{
		MessageID: "m1",
		Address:   "555777@ext.chat",
		Body:      "different thread",
	})
	require.NoError(t, err)
	assert.Equal(t, ingest.Stored, result)

	assert.Len(t, desk.pipeline.History(convKey), 1)
	assert.Len(t, desk.pipeline.History("555777@ext.chat"), 1)
}

func TestReplySendFailure(t *testing.T) {
	desk, sender := newTestDesk(t, 0)
	deliver(t, desk, "m1", "hello")
	sender.fail = true

	_, alice := login(t, desk, "alice")

	_, err := desk.Reply(context.Background(), alice, convKey, ReplyRequest{Body: "lost"})
	assert.ErrorIs(t, err, ErrSendFailed)

	// A failed send mutates nothing
	assert.Len(t, desk.pipeline.History(convKey), 1)
}

func TestMarkReadTrailingRun(t *testing.T) {
	desk, _ := newTestDesk(t, 0)
	deliver(t, desk, "m1", "first")
	deliver(t, desk, "m2", "second")

	_, alice := login(t, desk, "alice")
	require.NoError(t, desk.Pick(alice, convKey))

	_, err := desk.Reply(context.Background(), alice, convKey, ReplyRequest{Body: "reply"})
	require.NoError(t, err)

	deliver(t, desk, "m3", "third")

	desk.MarkRead(alice, convKey)

	// Only the run after the last outgoing message is acknowledged;
	// m1 and m2 sit before the reply and stay unread
	unread := map[string]bool{}
	for _, msg := range desk.pipeline.History(convKey) {
		unread[msg.ID] = msg.Unread
	}
	assert.True(t, unread["m1"])
	assert.True(t, unread["m2"])
	assert.False(t, unread["m3"])
}

func TestMarkReadNonHolderIgnored(t *testing.T) {
	desk, _ := newTestDesk(t, 0)
	deliver(t, desk, "m1", "hello")

	_, alice := login(t, desk, "alice")
	_, bob := login(t, desk, "bob")
	require.NoError(t, desk.Pick(alice, convKey))

	// Silently ignored, not an error
	desk.MarkRead(bob, convKey)
	assert.True(t, desk.pipeline.History(convKey)[0].Unread)

	desk.MarkRead(alice, convKey)
	assert.False(t, desk.pipeline.History(convKey)[0].Unread)
}

func TestDisconnectReleasesClaims(t *testing.T) {
	desk, _ := newTestDesk(t, 0)
	deliver(t, desk, "m1", "hello")

	second := "555777@ext.chat"
	_, err := desk.HandleInbound(context.Background(), connector.Inbound{
		MessageID: "m2",
		Address:   second,
		Body:      "hi",
	})
	require.NoError(t, err)

	token, alice := login(t, desk, "alice")
	require.NoError(t, desk.Pick(alice, convKey))
	require.NoError(t, desk.Pick(alice, second))

	desk.Disconnect(token)

	assert.Empty(t, desk.claims.Claims())
	assert.False(t, desk.presence.IsOnline("alice"))

	// Idempotent
	desk.Disconnect(token)
}

func TestCloseAndReopen(t *testing.T) {
	desk, _ := newTestDesk(t, 0)
	deliver(t, desk, "m1", "hello")

	_, alice := login(t, desk, "alice")
	_, bob := login(t, desk, "bob")
	_, root := login(t, desk, "root")

	require.NoError(t, desk.Pick(alice, convKey))

	// Only the holder or a superadmin may close
	assert.ErrorIs(t, desk.CloseConversation(bob, convKey), ErrForbidden)
	require.NoError(t, desk.CloseConversation(alice, convKey))

	// Close forces the claim off
	_, held := desk.claims.Holder(convKey)
	assert.False(t, held)

	assert.ErrorIs(t, desk.Pick(alice, convKey), ErrConversationClosed)
	_, err := desk.Reply(context.Background(), alice, convKey, ReplyRequest{Body: "x"})
	assert.ErrorIs(t, err, ErrConversationClosed)

	// Reopen is superadmin only
	assert.ErrorIs(t, desk.OpenConversation(alice, convKey), ErrForbidden)
	require.NoError(t, desk.OpenConversation(root, convKey))
	require.NoError(t, desk.Pick(alice, convKey))
}

func TestCloseUnknownConversation(t *testing.T) {
	desk, _ := newTestDesk(t, 0)
	_, root := login(t, desk, "root")

	assert.ErrorIs(t, desk.CloseConversation(root, "unknown@ext.chat"), ErrNotFound)
	assert.ErrorIs(t, desk.OpenConversation(root, "unknown@ext.chat"), ErrNotFound)
}

func TestPurge(t *testing.T) {
	desk, _ := newTestDesk(t, 0)
	deliver(t, desk, "m1", "hello")

	_, alice := login(t, desk, "alice")
	_, root := login(t, desk, "root")

	assert.ErrorIs(t, desk.PurgeConversation(alice, convKey), ErrForbidden)
	assert.ErrorIs(t, desk.PurgeAll(alice), ErrForbidden)

	require.NoError(t, desk.PurgeConversation(root, convKey))
	assert.False(t, desk.pipeline.Exists(convKey))
	assert.ErrorIs(t, desk.PurgeConversation(root, convKey), ErrNotFound)
}

func TestSnapshot(t *testing.T) {
	desk, _ := newTestDesk(t, 0)
	deliver(t, desk, "m1", "hello")

	_, alice := login(t, desk, "alice")
	require.NoError(t, desk.Pick(alice, convKey))

	ev := desk.Snapshot()
	require.Equal(t, broadcast.TypeSnapshot, ev.Type)
	require.NotNil(t, ev.Snapshot)

	assert.Equal(t, []string{"alice"}, ev.Snapshot.Online)
	assert.Equal(t, "alice", ev.Snapshot.Claims[convKey])
	require.Len(t, ev.Snapshot.Conversations, 1)

	conv := ev.Snapshot.Conversations[0]
	assert.Equal(t, convKey, conv.Key)
	assert.Equal(t, store.StatusOpen, conv.Status)
	assert.Equal(t, "alice", conv.Holder)
	require.Len(t, conv.Messages, 1)
	assert.Equal(t, "m1", conv.Messages[0].ID)
}

// TestHandoffScenario walks a whole shift handoff: two unread messages
// arrive, alice claims and acknowledges them, drops off, and bob takes
// over the freed conversation.
func TestHandoffScenario(t *testing.T) {
	desk, _ := newTestDesk(t, 0)
	deliver(t, desk, "m1", "first")
	deliver(t, desk, "m2", "second")

	token, alice := login(t, desk, "alice")
	_, bob := login(t, desk, "bob")

	require.NoError(t, desk.Pick(alice, convKey))

	// No outgoing message yet, so the trailing run covers everything
	desk.MarkRead(alice, convKey)
	for _, msg := range desk.pipeline.History(convKey) {
		assert.False(t, msg.Unread, "message %s still unread", msg.ID)
	}

	desk.Disconnect(token)
	_, held := desk.claims.Holder(convKey)
	require.False(t, held)

	require.NoError(t, desk.Pick(bob, convKey))
	holder, _ := desk.claims.Holder(convKey)
	assert.Equal(t, "bob", holder)
}

func TestMessagesPersistEventually(t *testing.T) {
	desk, _ := newTestDesk(t, 0)
	deliver(t, desk, "m1", "hello")

	require.Eventually(t, func() bool {
		snapshot, err := desk.store.LoadAll(context.Background())
		if err != nil {
			return false
		}
		cs, ok := snapshot[convKey]
		return ok && len(cs.Messages) == 1 && cs.Messages[0].ID == "m1"
	}, 2*time.Second, 20*time.Millisecond)
}

func TestHistorySurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "desk.db")

	st, err := store.NewSQLiteStore(dbPath, dir)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, st.SaveMessage(ctx, &store.Message{
		ID:              "m1",
		ConversationKey: convKey,
		Direction:       store.DirectionIncoming,
		Sender:          convKey,
		Body:            "hello",
		Timestamp:       time.Now(),
		Unread:          true,
	}))
	require.NoError(t, st.Close())

	st, err = store.NewSQLiteStore(dbPath, dir)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	tokens, err := auth.NewTokens([]byte("test-secret"), time.Hour)
	require.NoError(t, err)

	desk, err := NewDesk(ctx, DeskConfig{
		Store:  st,
		Sender: &fakeSender{},
		Tokens: tokens,
		Domain: "ext.chat",
	})
	require.NoError(t, err)
	t.Cleanup(desk.Close)

	history := desk.pipeline.History(convKey)
	require.Len(t, history, 1)
	assert.Equal(t, "m1", history[0].ID)
	assert.True(t, history[0].Unread)
}
