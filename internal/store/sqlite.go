// ABOUTME: SQLite implementation of the Store interface
// ABOUTME: Creates schema on open, WAL mode, media blobs spilled to a directory

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db       *sql.DB
	mediaDir string
	logger   *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed. Media blobs are written
// under mediaDir; if empty, a "media" directory next to the database
// file is used.
func NewSQLiteStore(path, mediaDir string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		// Ensure parent directory exists
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	if mediaDir == "" {
		if path == ":memory:" {
			mediaDir = filepath.Join(os.TempDir(), "helmdesk-media")
		} else {
			mediaDir = filepath.Join(filepath.Dir(path), "media")
		}
	}
	if err := os.MkdirAll(mediaDir, 0755); err != nil {
		return nil, fmt.Errorf("creating media directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:       db,
		mediaDir: mediaDir,
		logger:   logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path, "media_dir", mediaDir)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS identities (
			username      TEXT PRIMARY KEY,
			password_hash TEXT NOT NULL,
			initials      TEXT NOT NULL,
			role          TEXT NOT NULL,

			CHECK (role IN ('agent', 'superadmin'))
		);

		CREATE TABLE IF NOT EXISTS conversations (
			key    TEXT PRIMARY KEY,
			status TEXT NOT NULL DEFAULT 'open',

			CHECK (status IN ('open', 'closed'))
		);

		CREATE TABLE IF NOT EXISTS messages (
			id               TEXT NOT NULL,
			conversation_key TEXT NOT NULL,
			direction        TEXT NOT NULL,
			sender           TEXT NOT NULL,
			body             TEXT,
			media_kind       TEXT,
			media_mime       TEXT,
			media_path       TEXT,
			media_filename   TEXT,
			timestamp        DATETIME NOT NULL,
			unread           INTEGER NOT NULL DEFAULT 0,
			seq              INTEGER PRIMARY KEY AUTOINCREMENT,

			UNIQUE (conversation_key, id),
			FOREIGN KEY (conversation_key) REFERENCES conversations(key) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation
			ON messages(conversation_key, seq);

		CREATE TABLE IF NOT EXISTS quick_replies (
			id    TEXT PRIMARY KEY,
			label TEXT NOT NULL,
			body  TEXT NOT NULL
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// LoadAll returns every conversation with its messages in storage
// (arrival) order, keyed by conversation key.
func (s *SQLiteStore) LoadAll(ctx context.Context) (map[string]*ConversationSnapshot, error) {
	snapshot := make(map[string]*ConversationSnapshot)

	rows, err := s.db.QueryContext(ctx, `SELECT key, status FROM conversations`)
	if err != nil {
		return nil, fmt.Errorf("loading conversations: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var conv Conversation
		if err := rows.Scan(&conv.Key, &conv.Status); err != nil {
			return nil, fmt.Errorf("scanning conversation: %w", err)
		}
		snapshot[conv.Key] = &ConversationSnapshot{Status: conv.Status}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	msgRows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_key, direction, sender, body,
		       media_kind, media_mime, media_path, media_filename,
		       timestamp, unread
		FROM messages ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("loading messages: %w", err)
	}
	defer msgRows.Close()

	for msgRows.Next() {
		msg, err := scanMessage(msgRows)
		if err != nil {
			return nil, err
		}
		cs, ok := snapshot[msg.ConversationKey]
		if !ok {
			// Orphaned message row; tolerate and synthesize the conversation
			cs = &ConversationSnapshot{Status: StatusOpen}
			snapshot[msg.ConversationKey] = cs
		}
		cs.Messages = append(cs.Messages, msg)
	}
	if err := msgRows.Err(); err != nil {
		return nil, err
	}

	return snapshot, nil
}

// scanMessage reads one message row, folding nullable media columns
// into a MediaRef when present.
func scanMessage(rows *sql.Rows) (*Message, error) {
	var msg Message
	var body, mediaKind, mediaMime, mediaPath, mediaFile sql.NullString
	var unread int

	if err := rows.Scan(&msg.ID, &msg.ConversationKey, &msg.Direction, &msg.Sender,
		&body, &mediaKind, &mediaMime, &mediaPath, &mediaFile,
		&msg.Timestamp, &unread); err != nil {
		return nil, fmt.Errorf("scanning message: %w", err)
	}

	msg.Body = body.String
	msg.Unread = unread != 0
	if mediaPath.Valid {
		msg.Media = &MediaRef{
			Kind:     mediaKind.String,
			MimeType: mediaMime.String,
			Path:     mediaPath.String,
			FileName: mediaFile.String,
		}
	}
	return &msg, nil
}

// SaveConversation upserts a conversation row
func (s *SQLiteStore) SaveConversation(ctx context.Context, conv *Conversation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (key, status) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET status = excluded.status`,
		conv.Key, conv.Status)
	if err != nil {
		return fmt.Errorf("saving conversation: %w", err)
	}
	return nil
}

// SaveMessage persists a message. The parent conversation row is
// created if missing so a message can never be orphaned. Duplicate
// (conversation, id) pairs are ignored; dedup is the pipeline's job
// and redundant writes must not fail the caller.
func (s *SQLiteStore) SaveMessage(ctx context.Context, msg *Message) error {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (key, status) VALUES (?, 'open')
		ON CONFLICT(key) DO NOTHING`, msg.ConversationKey); err != nil {
		return fmt.Errorf("ensuring conversation: %w", err)
	}

	var mediaKind, mediaMime, mediaPath, mediaFile sql.NullString
	if msg.Media != nil {
		mediaKind = sql.NullString{String: msg.Media.Kind, Valid: true}
		mediaMime = sql.NullString{String: msg.Media.MimeType, Valid: true}
		mediaPath = sql.NullString{String: msg.Media.Path, Valid: true}
		mediaFile = sql.NullString{String: msg.Media.FileName, Valid: true}
	}

	unread := 0
	if msg.Unread {
		unread = 1
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (
			id, conversation_key, direction, sender, body,
			media_kind, media_mime, media_path, media_filename,
			timestamp, unread
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_key, id) DO NOTHING`,
		msg.ID, msg.ConversationKey, msg.Direction, msg.Sender, msg.Body,
		mediaKind, mediaMime, mediaPath, mediaFile,
		msg.Timestamp.UTC(), unread)
	if err != nil {
		return fmt.Errorf("saving message: %w", err)
	}
	return nil
}

// SetMessagesRead clears the unread flag on the given message ids
func (s *SQLiteStore) SetMessagesRead(ctx context.Context, conversationKey string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]

	args := make([]any, 0, len(ids)+1)
	args = append(args, conversationKey)
	for _, id := range ids {
		args = append(args, id)
	}

	query := fmt.Sprintf(
		`UPDATE messages SET unread = 0 WHERE conversation_key = ? AND id IN (%s)`,
		placeholders)
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("marking messages read: %w", err)
	}
	return nil
}

// SetConversationStatus updates a conversation's open/closed status
func (s *SQLiteStore) SetConversationStatus(ctx context.Context, conversationKey, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET status = ? WHERE key = ?`, status, conversationKey)
	if err != nil {
		return fmt.Errorf("updating conversation status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteConversation removes a conversation and cascades to its
// messages. Irreversible.
func (s *SQLiteStore) DeleteConversation(ctx context.Context, conversationKey string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM conversations WHERE key = ?`, conversationKey)
	if err != nil {
		return fmt.Errorf("deleting conversation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteAllConversations purges every conversation and message
func (s *SQLiteStore) DeleteAllConversations(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM conversations`); err != nil {
		return fmt.Errorf("deleting conversations: %w", err)
	}
	return nil
}

// SaveMediaBlob writes media bytes under the media directory and
// returns the reference carried by the message from then on.
func (s *SQLiteStore) SaveMediaBlob(ctx context.Context, conversationKey, messageID, fileName string, data []byte) (*MediaRef, error) {
	// Conversation keys contain '@'; flatten to a safe directory name
	safeKey := strings.NewReplacer("@", "_at_", "/", "_", "..", "_").Replace(conversationKey)
	dir := filepath.Join(s.mediaDir, safeKey)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating media subdirectory: %w", err)
	}

	if fileName == "" {
		fileName = "blob"
	}
	path := filepath.Join(dir, messageID+"_"+filepath.Base(fileName))
	if err := os.WriteFile(path, data, 0644); err != nil {
		return nil, fmt.Errorf("writing media blob: %w", err)
	}

	return &MediaRef{Path: path, FileName: fileName}, nil
}

// CreateIdentity inserts a new identity row
func (s *SQLiteStore) CreateIdentity(ctx context.Context, id *Identity) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO identities (username, password_hash, initials, role)
		VALUES (?, ?, ?, ?)`,
		id.Username, id.PasswordHash, id.Initials, id.Role)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrDuplicateIdentity
		}
		return fmt.Errorf("creating identity: %w", err)
	}
	return nil
}

// GetIdentity looks up an identity by username
func (s *SQLiteStore) GetIdentity(ctx context.Context, username string) (*Identity, error) {
	var id Identity
	err := s.db.QueryRowContext(ctx, `
		SELECT username, password_hash, initials, role
		FROM identities WHERE username = ?`, username).
		Scan(&id.Username, &id.PasswordHash, &id.Initials, &id.Role)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting identity: %w", err)
	}
	return &id, nil
}

// ListIdentities returns all identities ordered by username
func (s *SQLiteStore) ListIdentities(ctx context.Context) ([]*Identity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password_hash, initials, role
		FROM identities ORDER BY username`)
	if err != nil {
		return nil, fmt.Errorf("listing identities: %w", err)
	}
	defer rows.Close()

	var ids []*Identity
	for rows.Next() {
		var id Identity
		if err := rows.Scan(&id.Username, &id.PasswordHash, &id.Initials, &id.Role); err != nil {
			return nil, fmt.Errorf("scanning identity: %w", err)
		}
		ids = append(ids, &id)
	}
	return ids, rows.Err()
}

// DeleteIdentity removes an identity by username
func (s *SQLiteStore) DeleteIdentity(ctx context.Context, username string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM identities WHERE username = ?`, username)
	if err != nil {
		return fmt.Errorf("deleting identity: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateQuickReply inserts a quick-reply template
func (s *SQLiteStore) CreateQuickReply(ctx context.Context, qr *QuickReply) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO quick_replies (id, label, body) VALUES (?, ?, ?)`,
		qr.ID, qr.Label, qr.Body)
	if err != nil {
		return fmt.Errorf("creating quick reply: %w", err)
	}
	return nil
}

// ListQuickReplies returns all quick-reply templates ordered by label
func (s *SQLiteStore) ListQuickReplies(ctx context.Context) ([]*QuickReply, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, label, body FROM quick_replies ORDER BY label`)
	if err != nil {
		return nil, fmt.Errorf("listing quick replies: %w", err)
	}
	defer rows.Close()

	var qrs []*QuickReply
	for rows.Next() {
		var qr QuickReply
		if err := rows.Scan(&qr.ID, &qr.Label, &qr.Body); err != nil {
			return nil, fmt.Errorf("scanning quick reply: %w", err)
		}
		qrs = append(qrs, &qr)
	}
	return qrs, rows.Err()
}

// DeleteQuickReply removes a quick-reply template by id
func (s *SQLiteStore) DeleteQuickReply(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM quick_replies WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting quick reply: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Close closes the underlying database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
