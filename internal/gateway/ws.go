// ABOUTME: Websocket session transport between desk clients and the desk core
// ABOUTME: Handshake, command dispatch, event write loop, disconnect cleanup

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/helmdesk/helmdesk/internal/auth"
	"github.com/helmdesk/helmdesk/internal/broadcast"
	"github.com/helmdesk/helmdesk/internal/ownership"
	"github.com/helmdesk/helmdesk/internal/presence"
	"github.com/helmdesk/helmdesk/internal/store"
)

// handshakeTimeout bounds how long a fresh connection may sit before
// sending its login or reconnect command.
const handshakeTimeout = 30 * time.Second

// clientCommand is a request from a desk client. Type selects the
// operation; the other fields are populated per operation.
type clientCommand struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`

	// login / reconnect / delegate target
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Token    string `json:"token,omitempty"`
	Target   string `json:"target,omitempty"`

	// conversation-scoped operations
	ConversationKey string `json:"conversation_key,omitempty"`

	// reply payload; media is base64 on the wire
	Body     string `json:"body,omitempty"`
	Media    []byte `json:"media,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	FileName string `json:"file_name,omitempty"`
}

// wireQuickReply is the client-facing form of a canned response.
type wireQuickReply struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Body  string `json:"body"`
}

// commandReply answers a clientCommand. Type "ack" carries operation
// results; type "error" carries a machine-readable code plus detail.
type commandReply struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
	Op        string `json:"op,omitempty"`

	// error
	Code   string `json:"code,omitempty"`
	Detail string `json:"detail,omitempty"`
	Holder string `json:"holder,omitempty"` // populated for code "already_claimed"

	// login / reconnect ack
	Token    string `json:"token,omitempty"`
	Username string `json:"username,omitempty"`
	Role     string `json:"role,omitempty"`

	// delegate ack
	TargetOnline *bool `json:"target_online,omitempty"`

	// quick_replies ack
	QuickReplies []wireQuickReply `json:"quick_replies,omitempty"`
}

// session is one live websocket client attached to the desk.
type session struct {
	desk   *Desk
	conn   *websocket.Conn
	actor  Actor
	token  string
	logger *slog.Logger
}

// handleWS upgrades the connection and runs the session to completion.
func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		g.logger.Error("websocket accept failed", "error", err, "remote", r.RemoteAddr)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "session ended")

	// Raise the read limit above the default 32KiB so media replies fit.
	conn.SetReadLimit(16 << 20)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sess, err := g.handshake(ctx, conn)
	if err != nil {
		g.logger.Info("websocket handshake rejected", "error", err, "remote", r.RemoteAddr)
		return
	}
	defer g.desk.Disconnect(sess.token)

	// The session token doubles as the subscription id, so targeted
	// notices (auto-release) can find this session.
	events, _ := g.desk.Hub().Subscribe(ctx, sess.token)

	// Full state before any deltas
	if err := sess.writeEvent(ctx, g.desk.Snapshot()); err != nil {
		return
	}

	go func() {
		defer cancel()
		sess.writeLoop(ctx, events)
	}()

	sess.readLoop(ctx)
}

// handshake authenticates the connection's first command, which must
// be login or reconnect, and reports the outcome to the client.
func (g *Gateway) handshake(ctx context.Context, conn *websocket.Conn) (*session, error) {
	hsCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	_, data, err := conn.Read(hsCtx)
	if err != nil {
		return nil, err
	}

	var cmd clientCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		writeJSON(hsCtx, conn, commandReply{Type: "error", Code: "bad_request", Detail: "malformed command"})
		return nil, err
	}

	var (
		token    string
		identity *store.Identity
	)
	switch cmd.Type {
	case "login":
		token, identity, err = g.desk.Login(hsCtx, cmd.Username, cmd.Password)
	case "reconnect":
		token = cmd.Token
		identity, err = g.desk.Reconnect(hsCtx, cmd.Token)
	default:
		writeJSON(hsCtx, conn, commandReply{Type: "error", RequestID: cmd.RequestID, Code: "bad_request", Detail: "first command must be login or reconnect"})
		return nil, errors.New("handshake: unexpected command " + cmd.Type)
	}
	if err != nil {
		writeJSON(hsCtx, conn, errorReply(cmd, err))
		return nil, err
	}

	sess := &session{
		desk:   g.desk,
		conn:   conn,
		actor:  Actor{Username: identity.Username, Role: identity.Role},
		token:  token,
		logger: g.logger.With("identity", identity.Username),
	}

	reply := commandReply{
		Type:      "ack",
		RequestID: cmd.RequestID,
		Op:        cmd.Type,
		Token:     token,
		Username:  identity.Username,
		Role:      identity.Role,
	}
	if err := writeJSON(hsCtx, conn, reply); err != nil {
		g.desk.Disconnect(token)
		return nil, err
	}
	return sess, nil
}

// readLoop dispatches client commands until the connection drops.
func (s *session) readLoop(ctx context.Context) {
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
				s.logger.Warn("websocket read error", "error", err)
			}
			return
		}

		var cmd clientCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			writeJSON(ctx, s.conn, commandReply{Type: "error", Code: "bad_request", Detail: "malformed command"})
			continue
		}

		s.dispatch(ctx, cmd)
	}
}

// writeLoop pushes hub events to the client until the subscription closes.
func (s *session) writeLoop(ctx context.Context, events <-chan *broadcast.Event) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := s.writeEvent(ctx, ev); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *session) writeEvent(ctx context.Context, ev *broadcast.Event) error {
	return writeJSON(ctx, s.conn, ev)
}

// dispatch executes one client command against the desk core and
// answers it. Hub deltas triggered by the operation travel separately
// through the write loop.
func (s *session) dispatch(ctx context.Context, cmd clientCommand) {
	var err error
	reply := commandReply{Type: "ack", RequestID: cmd.RequestID, Op: cmd.Type}

	switch cmd.Type {
	case "ping":
		reply.Op = "pong"

	case "logout":
		// Ack first; closing the socket ends the read loop, and the
		// deferred disconnect releases claims and presence.
		writeJSON(ctx, s.conn, reply)
		s.conn.Close(websocket.StatusNormalClosure, "logged out")
		return

	case "pick":
		err = s.desk.Pick(s.actor, cmd.ConversationKey)

	case "unpick":
		err = s.desk.Unpick(s.actor, cmd.ConversationKey)

	case "delegate":
		var online bool
		online, err = s.desk.Delegate(ctx, s.actor, cmd.ConversationKey, cmd.Target)
		if err == nil {
			reply.TargetOnline = &online
		}

	case "reply":
		_, err = s.desk.Reply(ctx, s.actor, cmd.ConversationKey, ReplyRequest{
			Body:      cmd.Body,
			MediaBlob: cmd.Media,
			MimeType:  cmd.MimeType,
			FileName:  cmd.FileName,
		})

	case "mark_read":
		s.desk.MarkRead(s.actor, cmd.ConversationKey)

	case "close":
		err = s.desk.CloseConversation(s.actor, cmd.ConversationKey)

	case "open":
		err = s.desk.OpenConversation(s.actor, cmd.ConversationKey)

	case "purge":
		err = s.desk.PurgeConversation(s.actor, cmd.ConversationKey)

	case "purge_all":
		err = s.desk.PurgeAll(s.actor)

	case "quick_replies":
		var replies []*store.QuickReply
		replies, err = s.desk.QuickReplies(ctx)
		if err == nil {
			reply.QuickReplies = make([]wireQuickReply, 0, len(replies))
			for _, qr := range replies {
				reply.QuickReplies = append(reply.QuickReplies, wireQuickReply{ID: qr.ID, Label: qr.Label, Body: qr.Body})
			}
		}

	default:
		writeJSON(ctx, s.conn, commandReply{Type: "error", RequestID: cmd.RequestID, Code: "bad_request", Detail: "unknown command " + cmd.Type})
		return
	}

	if err != nil {
		writeJSON(ctx, s.conn, errorReply(cmd, err))
		return
	}
	writeJSON(ctx, s.conn, reply)
}

// errorReply maps desk errors to machine-readable codes.
func errorReply(cmd clientCommand, err error) commandReply {
	reply := commandReply{
		Type:      "error",
		RequestID: cmd.RequestID,
		Op:        cmd.Type,
		Detail:    err.Error(),
	}

	var claimed *ownership.AlreadyClaimedError
	switch {
	case errors.As(err, &claimed):
		reply.Code = "already_claimed"
		reply.Holder = claimed.Holder
	case errors.Is(err, ownership.ErrNotHolder):
		reply.Code = "not_holder"
	case errors.Is(err, ownership.ErrSelfDelegate):
		reply.Code = "self_delegate"
	case errors.Is(err, presence.ErrAlreadyOnline):
		reply.Code = "already_online"
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrIdentityNotFound):
		reply.Code = "not_found"
	case errors.Is(err, ErrForbidden):
		reply.Code = "forbidden"
	case errors.Is(err, ErrConversationClosed):
		reply.Code = "conversation_closed"
	case errors.Is(err, ErrBadCredentials):
		reply.Code = "bad_credentials"
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken), errors.Is(err, auth.ErrMissingClaim):
		reply.Code = "invalid_token"
	case errors.Is(err, ErrSendFailed):
		reply.Code = "send_failed"
	default:
		reply.Code = "internal"
	}
	return reply
}

// writeJSON marshals v and writes it as a text frame.
func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
