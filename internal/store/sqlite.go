// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite.
// ABOUTME: Provides conversation/message persistence with automatic schema creation.

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if path == ":memory:" {
		// Every pool connection to :memory: is a separate empty database,
		// so the pool must stay at a single connection.
		db.SetMaxOpenConns(1)
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
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist.
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id               TEXT PRIMARY KEY,
			handoff_state    TEXT NOT NULL DEFAULT 'ai',
			handoff_operator TEXT,
			handoff_reason   TEXT,
			handoff_at       DATETIME,
			user_online      INTEGER NOT NULL DEFAULT 0,
			agent_online     INTEGER NOT NULL DEFAULT 0,
			user_last_seen   DATETIME,
			agent_last_seen  DATETIME,
			current_agent_id TEXT NOT NULL DEFAULT '',
			created_at       DATETIME NOT NULL,
			updated_at       DATETIME NOT NULL,

			CHECK (handoff_state IN ('ai', 'pending', 'human')),
			CHECK ((handoff_state = 'human') = (handoff_operator IS NOT NULL))
		);

		CREATE TABLE IF NOT EXISTS messages (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			role            TEXT NOT NULL,
			content         TEXT NOT NULL,
			products        TEXT,
			tool_calls      TEXT,
			latency_ms      INTEGER NOT NULL DEFAULT 0,
			is_delivered    INTEGER NOT NULL DEFAULT 0,
			delivered_at    DATETIME,
			read_at         DATETIME,
			read_by         TEXT NOT NULL DEFAULT '',
			created_at      DATETIME NOT NULL,

			FOREIGN KEY (conversation_id) REFERENCES conversations(id),
			CHECK (role IN ('user', 'assistant', 'agent', 'system'))
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation_created
			ON messages(conversation_id, created_at);

		CREATE INDEX IF NOT EXISTS idx_messages_undelivered
			ON messages(conversation_id) WHERE is_delivered = 0;
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// GetOrCreateConversation returns the conversation with the given id,
// creating it in the default AI state on first contact.
func (s *SQLiteStore) GetOrCreateConversation(ctx context.Context, id string) (*Conversation, error) {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, handoff_state, created_at, updated_at)
		VALUES (?, 'ai', ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		id, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("creating conversation: %w", err)
	}
	return s.GetConversation(ctx, id)
}

// GetConversation returns the conversation with the given id, or ErrNotFound.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, handoff_state, handoff_operator, handoff_reason, handoff_at,
		       user_online, agent_online, user_last_seen, agent_last_seen,
		       current_agent_id, created_at, updated_at
		FROM conversations WHERE id = ?`, id)
	return scanConversation(row)
}

// TransitionHandoff performs one guarded handoff state change inside a
// transaction. If the conversation is not in one of t.From, the current
// record is returned along with ErrTransitionRejected.
func (s *SQLiteStore) TransitionHandoff(ctx context.Context, t Transition) (*Conversation, error) {
	if t.To == HandoffHuman && t.Operator == nil {
		return nil, fmt.Errorf("transition to human requires an operator")
	}
	if t.To != HandoffHuman {
		// Schema invariant: operator is non-null iff state is human.
		t.Operator = nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		SELECT id, handoff_state, handoff_operator, handoff_reason, handoff_at,
		       user_online, agent_online, user_last_seen, agent_last_seen,
		       current_agent_id, created_at, updated_at
		FROM conversations WHERE id = ?`, t.ConversationID)
	current, err := scanConversation(row)
	if err != nil {
		return nil, err
	}

	allowed := false
	for _, from := range t.From {
		if current.HandoffState == from {
			allowed = true
			break
		}
	}
	if !allowed {
		return current, ErrTransitionRejected
	}
	if t.ExpectedOperator != nil {
		if current.HandoffOperator == nil || *current.HandoffOperator != *t.ExpectedOperator {
			return current, ErrTransitionRejected
		}
	}
	if t.PreserveReason {
		t.Reason = current.HandoffReason
	}

	now := time.Now().UTC()
	var handoffAt any
	if t.To == HandoffHuman || t.To == HandoffPending {
		handoffAt = now
	}

	// Guard on the observed state and operator so a concurrent transition
	// between the read and this write still rejects instead of overwriting.
	// IS compares NULLs as equal, unlike =.
	res, err := tx.ExecContext(ctx, `
		UPDATE conversations
		SET handoff_state = ?, handoff_operator = ?, handoff_reason = ?,
		    handoff_at = ?, updated_at = ?
		WHERE id = ? AND handoff_state = ? AND handoff_operator IS ?`,
		string(t.To), t.Operator, t.Reason, handoffAt, now,
		t.ConversationID, string(current.HandoffState), current.HandoffOperator,
	)
	if err != nil {
		return nil, fmt.Errorf("updating handoff state: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("checking rows affected: %w", err)
	}
	if affected == 0 {
		return current, ErrTransitionRejected
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}

	s.logger.Info("handoff transition",
		"conversation_id", t.ConversationID,
		"from", current.HandoffState,
		"to", t.To,
	)
	return s.GetConversation(ctx, t.ConversationID)
}

// SetPresence records online/offline for one role of a conversation.
func (s *SQLiteStore) SetPresence(ctx context.Context, conversationID, role string, online bool, at time.Time) error {
	var column, seenColumn string
	switch role {
	case "user":
		column, seenColumn = "user_online", "user_last_seen"
	case "agent":
		column, seenColumn = "agent_online", "agent_last_seen"
	default:
		return fmt.Errorf("unknown presence role %q", role)
	}

	//nolint:gosec // column names come from the switch above, not user input
	query := fmt.Sprintf(
		"UPDATE conversations SET %s = ?, %s = ?, updated_at = ? WHERE id = ?",
		column, seenColumn,
	)
	res, err := s.db.ExecContext(ctx, query, boolToInt(online), at.UTC(), time.Now().UTC(), conversationID)
	if err != nil {
		return fmt.Errorf("updating presence: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetCurrentAgent records the agent instance currently serving a conversation.
func (s *SQLiteStore) SetCurrentAgent(ctx context.Context, conversationID, agentID string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE conversations SET current_agent_id = ?, updated_at = ? WHERE id = ?",
		agentID, time.Now().UTC(), conversationID,
	)
	if err != nil {
		return fmt.Errorf("updating current agent: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateMessage inserts one message row.
func (s *SQLiteStore) CreateMessage(ctx context.Context, msg *Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, role, content, products,
		                      tool_calls, latency_ms, is_delivered, delivered_at,
		                      read_at, read_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, msg.Role, msg.Content,
		nullableJSON(msg.Products), nullableJSON(msg.ToolCalls),
		msg.LatencyMS, boolToInt(msg.IsDelivered), msg.DeliveredAt,
		msg.ReadAt, msg.ReadBy, msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}
	return nil
}

// GetMessage returns one message by id, or ErrNotFound.
func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	row := s.db.QueryRowContext(ctx, messageSelect+" WHERE id = ?", id)
	return scanMessage(row)
}

// ListMessages returns the most recent messages of a conversation in
// chronological order (newest last).
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT * FROM (`+
		messageSelect+` WHERE conversation_id = ? ORDER BY created_at DESC, id DESC LIMIT ?
		) ORDER BY created_at ASC, id ASC`,
		conversationID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// ListUndelivered returns the undelivered messages of a conversation,
// oldest first, for redelivery on the next agent connect.
func (s *SQLiteStore) ListUndelivered(ctx context.Context, conversationID string) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx,
		messageSelect+` WHERE conversation_id = ? AND is_delivered = 0 ORDER BY created_at ASC, id ASC`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying undelivered messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// MarkDelivered sets is_delivered on the given ids. The flag is
// monotonic: already-delivered ids are untouched and do not count.
func (s *SQLiteStore) MarkDelivered(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := make([]any, 0, len(ids)+1)
	args = append(args, time.Now().UTC())
	for _, id := range ids {
		args = append(args, id)
	}
	//nolint:gosec // placeholders only
	query := fmt.Sprintf(
		"UPDATE messages SET is_delivered = 1, delivered_at = ? WHERE id IN (%s) AND is_delivered = 0",
		placeholders(len(ids)),
	)
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("marking delivered: %w", err)
	}
	return res.RowsAffected()
}

// MarkRead sets read_at/read_by on the given ids. Monotonic like
// MarkDelivered; returns the count of newly-read rows and the timestamp.
func (s *SQLiteStore) MarkRead(ctx context.Context, ids []string, reader string) (int64, time.Time, error) {
	readAt := time.Now().UTC()
	if len(ids) == 0 {
		return 0, readAt, nil
	}
	args := make([]any, 0, len(ids)+2)
	args = append(args, readAt, reader)
	for _, id := range ids {
		args = append(args, id)
	}
	//nolint:gosec // placeholders only
	query := fmt.Sprintf(
		"UPDATE messages SET read_at = ?, read_by = ? WHERE id IN (%s) AND read_at IS NULL",
		placeholders(len(ids)),
	)
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, readAt, fmt.Errorf("marking read: %w", err)
	}
	count, err := res.RowsAffected()
	if err != nil {
		return 0, readAt, fmt.Errorf("checking rows affected: %w", err)
	}
	return count, readAt, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const messageSelect = `
	SELECT id, conversation_id, role, content, products, tool_calls,
	       latency_ms, is_delivered, delivered_at, read_at, read_by, created_at
	FROM messages`

// rowScanner abstracts *sql.Row and *sql.Rows for the scan helpers.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var c Conversation
	var state string
	var userOnline, agentOnline int
	err := row.Scan(
		&c.ID, &state, &c.HandoffOperator, &c.HandoffReason, &c.HandoffAt,
		&userOnline, &agentOnline, &c.UserLastSeen, &c.AgentLastSeen,
		&c.CurrentAgentID, &c.CreatedAt, &c.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning conversation: %w", err)
	}
	c.HandoffState = HandoffState(state)
	c.UserOnline = userOnline != 0
	c.AgentOnline = agentOnline != 0
	return &c, nil
}

func scanMessage(row rowScanner) (*Message, error) {
	var m Message
	var products, toolCalls sql.NullString
	var delivered int
	err := row.Scan(
		&m.ID, &m.ConversationID, &m.Role, &m.Content, &products, &toolCalls,
		&m.LatencyMS, &delivered, &m.DeliveredAt, &m.ReadAt, &m.ReadBy, &m.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning message: %w", err)
	}
	m.IsDelivered = delivered != 0
	if products.Valid {
		m.Products = []byte(products.String)
	}
	if toolCalls.Valid {
		m.ToolCalls = []byte(toolCalls.String)
	}
	return &m, nil
}

func scanMessages(rows *sql.Rows) ([]*Message, error) {
	var msgs []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating messages: %w", err)
	}
	return msgs, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableJSON(data []byte) any {
	if len(data) == 0 {
		return nil
	}
	return string(data)
}
