package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// ErrThreadNotFound is returned by LoadThread for unknown sessions.
var ErrThreadNotFound = errors.New("thread not found")

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS threads (
	session_id     TEXT PRIMARY KEY,
	workspace_id   TEXT NOT NULL,
	task_id        TEXT,
	state          TEXT NOT NULL,
	session_tokens INTEGER NOT NULL,
	messages       TEXT NOT NULL,
	uploaded_at    INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS audit_events (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	kind        TEXT NOT NULL,
	session_id  TEXT NOT NULL,
	task_id     TEXT,
	call_id     TEXT,
	tool        TEXT,
	capability  TEXT,
	outcome     TEXT NOT NULL,
	reason      TEXT,
	rule_id     TEXT,
	risk        TEXT,
	at          INTEGER NOT NULL,
	data        TEXT
);
CREATE INDEX IF NOT EXISTS audit_events_session ON audit_events (session_id, id);
`

// SQLiteStore keeps thread snapshots and audit events in a local SQLite
// database. It implements HistoryStore and Telemetry for installations
// without a remote backend.
type SQLiteStore struct {
	pool   *sqlitex.Pool
	logger *slog.Logger
	path   string
}

// SQLiteConfig holds the parameters for OpenSQLiteStore.
type SQLiteConfig struct {
	// Path is the database file. The parent directory must exist.
	Path string
	// PoolSize defaults to 4.
	PoolSize int
	Logger   *slog.Logger
}

// OpenSQLiteStore opens (creating if needed) the database at cfg.Path.
func OpenSQLiteStore(cfg SQLiteConfig) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite store: Path is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 4
	}

	pool, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareConn,
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite store: opening %s: %w", cfg.Path, err)
	}

	s := &SQLiteStore{pool: pool, logger: logger, path: cfg.Path}
	if err := s.migrate(); err != nil {
		pool.Close()
		return nil, err
	}
	logger.Info("sqlite store opened", "path", cfg.Path, "pool_size", poolSize)
	return s, nil
}

func prepareConn(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("sqlite store: %s: %w", pragma, err)
		}
	}
	return nil
}

func (s *SQLiteStore) migrate() error {
	conn, err := s.pool.Take(context.Background())
	if err != nil {
		return fmt.Errorf("sqlite store: take: %w", err)
	}
	defer s.pool.Put(conn)
	if err := sqlitex.ExecuteScript(conn, sqliteSchema, nil); err != nil {
		return fmt.Errorf("sqlite store: schema: %w", err)
	}
	return nil
}

// Close closes every connection in the pool.
func (s *SQLiteStore) Close() error {
	if err := s.pool.Close(); err != nil {
		return fmt.Errorf("sqlite store: closing %s: %w", s.path, err)
	}
	return nil
}

// PutThread overwrites the stored thread for snap.SessionID.
func (s *SQLiteStore) PutThread(ctx context.Context, snap ThreadSnapshot) (err error) {
	messages, err := json.Marshal(snap.Messages)
	if err != nil {
		return fmt.Errorf("sqlite store: encode messages: %w", err)
	}
	uploaded := snap.UploadedAt
	if uploaded.IsZero() {
		uploaded = time.Now()
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("sqlite store: take: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("sqlite store: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	err = sqlitex.Execute(conn, `
		INSERT INTO threads (session_id, workspace_id, task_id, state, session_tokens, messages, uploaded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (session_id) DO UPDATE SET
			workspace_id = excluded.workspace_id,
			task_id = excluded.task_id,
			state = excluded.state,
			session_tokens = excluded.session_tokens,
			messages = excluded.messages,
			uploaded_at = excluded.uploaded_at`,
		&sqlitex.ExecOptions{
			Args: []any{
				snap.SessionID,
				snap.WorkspaceID,
				snap.TaskID,
				snap.State,
				snap.SessionTokens,
				string(messages),
				uploaded.UnixNano(),
			},
		})
	if err != nil {
		return fmt.Errorf("sqlite store: put thread %s: %w", snap.SessionID, err)
	}
	return nil
}

// LoadThread returns the stored thread for sessionID.
func (s *SQLiteStore) LoadThread(ctx context.Context, sessionID string) (*ThreadSnapshot, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: take: %w", err)
	}
	defer s.pool.Put(conn)

	var snap *ThreadSnapshot
	err = sqlitex.Execute(conn, `
		SELECT session_id, workspace_id, task_id, state, session_tokens, messages, uploaded_at
		FROM threads WHERE session_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{sessionID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				snap = &ThreadSnapshot{
					SessionID:     stmt.ColumnText(0),
					WorkspaceID:   stmt.ColumnText(1),
					TaskID:        stmt.ColumnText(2),
					State:         stmt.ColumnText(3),
					SessionTokens: stmt.ColumnInt(4),
					UploadedAt:    time.Unix(0, stmt.ColumnInt64(6)).UTC(),
				}
				return json.Unmarshal([]byte(stmt.ColumnText(5)), &snap.Messages)
			},
		})
	if err != nil {
		return nil, fmt.Errorf("sqlite store: load thread %s: %w", sessionID, err)
	}
	if snap == nil {
		return nil, fmt.Errorf("%w: %s", ErrThreadNotFound, sessionID)
	}
	return snap, nil
}

// Record appends ev to the audit log. Failures are logged.
func (s *SQLiteStore) Record(ctx context.Context, ev AuditEvent) {
	if err := s.PutAudit(ctx, ev); err != nil {
		s.logger.Warn("audit event dropped", "kind", ev.Kind, "session_id", ev.SessionID, "error", err)
	}
}

// PutAudit appends ev to the audit log.
func (s *SQLiteStore) PutAudit(ctx context.Context, ev AuditEvent) error {
	var data any
	if len(ev.Data) > 0 {
		encoded, err := json.Marshal(ev.Data)
		if err != nil {
			return fmt.Errorf("encode audit data: %w", err)
		}
		data = string(encoded)
	}
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("sqlite store: take: %w", err)
	}
	defer s.pool.Put(conn)

	return sqlitex.Execute(conn, `
		INSERT INTO audit_events (kind, session_id, task_id, call_id, tool, capability, outcome, reason, rule_id, risk, at, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{
				ev.Kind, ev.SessionID, ev.TaskID, ev.CallID, ev.Tool, ev.Capability,
				ev.Outcome, ev.Reason, ev.RuleID, ev.Risk, at.UnixNano(), data,
			},
		})
}

// AuditEvents returns the events recorded for sessionID in insertion
// order. limit <= 0 returns all of them.
func (s *SQLiteStore) AuditEvents(ctx context.Context, sessionID string, limit int) ([]AuditEvent, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: take: %w", err)
	}
	defer s.pool.Put(conn)

	if limit <= 0 {
		limit = -1
	}
	var events []AuditEvent
	err = sqlitex.Execute(conn, `
		SELECT kind, session_id, task_id, call_id, tool, capability, outcome, reason, rule_id, risk, at, data
		FROM audit_events WHERE session_id = ? ORDER BY id LIMIT ?`,
		&sqlitex.ExecOptions{
			Args: []any{sessionID, limit},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				ev := AuditEvent{
					Kind:       stmt.ColumnText(0),
					SessionID:  stmt.ColumnText(1),
					TaskID:     stmt.ColumnText(2),
					CallID:     stmt.ColumnText(3),
					Tool:       stmt.ColumnText(4),
					Capability: stmt.ColumnText(5),
					Outcome:    stmt.ColumnText(6),
					Reason:     stmt.ColumnText(7),
					RuleID:     stmt.ColumnText(8),
					Risk:       stmt.ColumnText(9),
					At:         time.Unix(0, stmt.ColumnInt64(10)).UTC(),
				}
				if !stmt.ColumnIsNull(11) {
					if err := json.Unmarshal([]byte(stmt.ColumnText(11)), &ev.Data); err != nil {
						return err
					}
				}
				events = append(events, ev)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("sqlite store: audit events %s: %w", sessionID, err)
	}
	return events, nil
}
