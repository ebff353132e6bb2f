// ABOUTME: Gateway wiring the desk core to its HTTP surface
// ABOUTME: Store open, route setup, serve/shutdown lifecycle

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/helmdesk/helmdesk/internal/auth"
	"github.com/helmdesk/helmdesk/internal/config"
	"github.com/helmdesk/helmdesk/internal/connector"
	"github.com/helmdesk/helmdesk/internal/ingest"
	"github.com/helmdesk/helmdesk/internal/store"
)

// Gateway owns the desk core, its persistence, and the HTTP server
// that exposes the websocket and connector endpoints.
type Gateway struct {
	cfg    *config.Config
	desk   *Desk
	store  store.Store
	srv    *http.Server
	logger *slog.Logger
}

// New opens the store, loads history, and wires the desk. A store that
// cannot be opened or read is fatal here: unlike the best-effort writes
// during operation, starting without history would silently fork the
// record.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	st, err := store.NewSQLiteStore(cfg.Database.Path, cfg.Database.MediaDir)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	tokens, err := auth.NewTokens([]byte(cfg.Auth.JWTSecret), cfg.Auth.TokenTTL)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("configuring session tokens: %w", err)
	}

	var sender connector.Sender
	if cfg.Connector.WebhookURL != "" {
		sender = connector.NewHTTPSender(cfg.Connector.WebhookURL, cfg.Connector.SharedSecret, logger)
	} else {
		logger.Warn("no connector webhook configured, outbound messages will be dropped")
		sender = connector.NewDevSender(logger)
	}

	desk, err := NewDesk(ctx, DeskConfig{
		Store:       st,
		Sender:      sender,
		Tokens:      tokens,
		Domain:      cfg.Connector.Domain,
		AutoRelease: cfg.Claims.AutoRelease,
		Logger:      logger,
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	g := &Gateway{
		cfg:    cfg,
		desk:   desk,
		store:  st,
		logger: logger.With("component", "gateway"),
	}
	g.srv = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           g.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return g, nil
}

// Desk exposes the core for the CLI and tests.
func (g *Gateway) Desk() *Desk {
	return g.desk
}

func (g *Gateway) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", g.handleHealth)
	r.Get("/health/ready", g.handleReady)
	r.Get("/ws", g.handleWS)
	r.Post("/connector/inbound", g.handleConnectorInbound)
	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (g *Gateway) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("http server listening", "addr", g.cfg.Server.HTTPAddr)
		if err := g.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		g.shutdown()
		return err
	case <-ctx.Done():
	}

	g.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := g.srv.Shutdown(shutdownCtx); err != nil {
		g.logger.Error("http shutdown failed", "error", err)
	}

	g.shutdown()
	return nil
}

func (g *Gateway) shutdown() {
	g.desk.Close()
	if err := g.store.Close(); err != nil {
		g.logger.Error("store close failed", "error", err)
	}
}

func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeHTTPJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// handleReady reports readiness plus session count for dashboards.
func (g *Gateway) handleReady(w http.ResponseWriter, _ *http.Request) {
	writeHTTPJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": g.desk.SessionCount(),
	})
}

// inboundPayload is the JSON body the connector POSTs for each message
// event. Media travels base64-encoded.
type inboundPayload struct {
	MessageID string `json:"message_id"`
	Address   string `json:"address"`
	Direction string `json:"direction,omitempty"`
	Body      string `json:"body,omitempty"`
	Media     []byte `json:"media,omitempty"`
	MediaKind string `json:"media_kind,omitempty"`
	MimeType  string `json:"mime_type,omitempty"`
	FileName  string `json:"file_name,omitempty"`
	SentAt    int64  `json:"sent_at,omitempty"`
}

// handleConnectorInbound admits a connector-delivered message event.
// Redeliveries are acknowledged with 200 and a duplicate marker, so
// the connector never retries them.
func (g *Gateway) handleConnectorInbound(w http.ResponseWriter, r *http.Request) {
	if secret := g.cfg.Connector.SharedSecret; secret != "" {
		if r.Header.Get("X-Connector-Secret") != secret {
			writeHTTPJSON(w, http.StatusUnauthorized, map[string]any{"error": "bad secret"})
			return
		}
	}

	var payload inboundPayload
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 32<<20)).Decode(&payload); err != nil {
		writeHTTPJSON(w, http.StatusBadRequest, map[string]any{"error": "malformed payload"})
		return
	}

	if payload.SentAt == 0 {
		payload.SentAt = time.Now().Unix()
	}

	result, err := g.desk.HandleInbound(r.Context(), connector.Inbound{
		MessageID: payload.MessageID,
		Address:   payload.Address,
		Direction: payload.Direction,
		Body:      payload.Body,
		MediaBlob: payload.Media,
		MediaKind: payload.MediaKind,
		MimeType:  payload.MimeType,
		FileName:  payload.FileName,
		SentAt:    payload.SentAt,
	})
	if err != nil {
		writeHTTPJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}

	writeHTTPJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"duplicate": result == ingest.Duplicate,
	})
}

func writeHTTPJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
