// ABOUTME: SQLite implementation of the memory Store using modernc.org/sqlite
// ABOUTME: Persists sessions, sealed turns, invocation trails and FTS5-indexed facts

package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/2389/coven-supervisor/internal/turn"
)

// DefaultRecallLimit is the number of facts returned when no limit is given.
const DefaultRecallLimit = 5

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "memory")

	inMemory := path == ":memory:"
	if !inMemory {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if inMemory {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
		now:    time.Now,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite memory store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			id            TEXT PRIMARY KEY,
			memory_handle TEXT NOT NULL DEFAULT '',
			created_at    TEXT NOT NULL,
			updated_at    TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at DESC);

		CREATE TABLE IF NOT EXISTS turns (
			id            TEXT PRIMARY KEY,
			session_id    TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			seq           INTEGER NOT NULL,
			input         TEXT NOT NULL,
			response      TEXT NOT NULL,
			status        TEXT NOT NULL,
			routing_json  TEXT,
			failures_json TEXT,
			started_at    TEXT NOT NULL,
			completed_at  TEXT,

			UNIQUE(session_id, seq),
			CHECK (status IN ('completed', 'failed'))
		);

		CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session_id, seq);

		CREATE TABLE IF NOT EXISTS tool_invocations (
			id           TEXT PRIMARY KEY,
			turn_id      TEXT NOT NULL REFERENCES turns(id) ON DELETE CASCADE,
			seq          INTEGER NOT NULL,
			specialist   TEXT NOT NULL,
			tool         TEXT NOT NULL,
			input        TEXT,
			output       TEXT,
			status       TEXT NOT NULL,
			attempts     INTEGER NOT NULL DEFAULT 0,
			latency_ns   INTEGER NOT NULL DEFAULT 0,
			error_kind   TEXT,
			error_detail TEXT,
			started_at   TEXT NOT NULL,
			finished_at  TEXT,

			CHECK (status IN ('succeeded', 'failed', 'timed_out'))
		);

		CREATE INDEX IF NOT EXISTS idx_tool_invocations_turn ON tool_invocations(turn_id, seq);

		-- Long-term facts, shared by every session writing to the same namespace
		CREATE TABLE IF NOT EXISTS facts (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			namespace  TEXT NOT NULL,
			session_id TEXT NOT NULL,
			turn_id    TEXT NOT NULL,
			role       TEXT NOT NULL,
			text       TEXT NOT NULL,
			created_at TEXT NOT NULL,

			CHECK (role IN ('user', 'assistant'))
		);

		CREATE INDEX IF NOT EXISTS idx_facts_namespace ON facts(namespace);

		CREATE VIRTUAL TABLE IF NOT EXISTS facts_fts USING fts5(
			text,
			content='facts',
			content_rowid='id'
		);

		CREATE TRIGGER IF NOT EXISTS facts_ai AFTER INSERT ON facts BEGIN
			INSERT INTO facts_fts(rowid, text) VALUES (new.id, new.text);
		END;

		CREATE TRIGGER IF NOT EXISTS facts_ad AFTER DELETE ON facts BEGIN
			INSERT INTO facts_fts(facts_fts, rowid, text) VALUES ('delete', old.id, old.text);
		END;
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "sessions",
			column: "memory_handle",
			apply:  `ALTER TABLE sessions ADD COLUMN memory_handle TEXT NOT NULL DEFAULT ''`,
		},
		{
			table:  "turns",
			column: "failures_json",
			apply:  `ALTER TABLE turns ADD COLUMN failures_json TEXT`,
		},
		{
			table:  "tool_invocations",
			column: "latency_ns",
			apply:  `ALTER TABLE tool_invocations ADD COLUMN latency_ns INTEGER NOT NULL DEFAULT 0`,
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(`SELECT 1 FROM pragma_table_info(?) WHERE name = ?`, m.table, m.column).Scan(&exists)
		if err == nil {
			continue
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite memory store")
	return s.db.Close()
}

// LoadSession returns the session and up to recent of its newest turns.
func (s *SQLiteStore) LoadSession(ctx context.Context, sessionID string, recent int) (*turn.Session, error) {
	var (
		sess      turn.Session
		createdAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, memory_handle, created_at FROM sessions WHERE id = ?`, sessionID,
	).Scan(&sess.ID, &sess.MemoryHandle, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}
	if sess.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if sess.MemoryHandle == "" {
		sess.MemoryHandle = sess.ID
	}

	limit := recent
	if limit <= 0 {
		limit = -1
	}
	query := `
		SELECT ` + turnColumns + ` FROM (
			SELECT * FROM turns WHERE session_id = ? ORDER BY seq DESC LIMIT ?
		) ORDER BY seq ASC
	`
	rows, err := s.db.QueryContext(ctx, query, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying turns: %w", err)
	}
	for rows.Next() {
		t, err := scanTurn(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		sess.Turns = append(sess.Turns, t)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterating turns: %w", err)
	}
	rows.Close()

	// Invocations are loaded after the turn cursor is closed; in-memory
	// databases only have one connection.
	for _, t := range sess.Turns {
		if t.Invocations, err = s.loadInvocations(ctx, t.ID); err != nil {
			return nil, err
		}
		turn.Restore(t)
	}
	return &sess, nil
}

// AppendTurn persists a sealed turn and its invocation trail in one transaction.
func (s *SQLiteStore) AppendTurn(ctx context.Context, sessionID string, t *turn.Turn) error {
	if !t.Sealed() {
		return ErrTurnNotSealed
	}

	routing, err := json.Marshal(t.Routing)
	if err != nil {
		return fmt.Errorf("encoding routing: %w", err)
	}
	failures, err := json.Marshal(t.Failures)
	if err != nil {
		return fmt.Errorf("encoding failures: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := formatTime(s.now())
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sessions (id, memory_handle, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET updated_at = excluded.updated_at
	`, sessionID, sessionID, now, now); err != nil {
		return fmt.Errorf("upserting session: %w", err)
	}

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM turns WHERE id = ?`, t.ID).Scan(&exists)
	if err == nil {
		return ErrDuplicateTurn
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("checking turn: %w", err)
	}

	var (
		handle string
		seq    int
	)
	if err := tx.QueryRowContext(ctx, `SELECT memory_handle FROM sessions WHERE id = ?`, sessionID).Scan(&handle); err != nil {
		return fmt.Errorf("querying memory handle: %w", err)
	}
	if handle == "" {
		handle = sessionID
	}
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), -1) + 1 FROM turns WHERE session_id = ?`, sessionID,
	).Scan(&seq); err != nil {
		return fmt.Errorf("querying turn sequence: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO turns (id, session_id, seq, input, response, status, routing_json, failures_json, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		t.ID,
		sessionID,
		seq,
		t.Input,
		t.Response,
		string(t.Status),
		string(routing),
		string(failures),
		formatTime(t.StartedAt),
		nullTime(t.CompletedAt),
	); err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateTurn
		}
		return fmt.Errorf("inserting turn: %w", err)
	}

	for i, inv := range t.Invocations {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tool_invocations (
				id, turn_id, seq, specialist, tool, input, output, status, attempts,
				latency_ns, error_kind, error_detail, started_at, finished_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			inv.ID,
			t.ID,
			i,
			inv.Specialist,
			inv.Tool,
			nullRaw(inv.Input),
			nullRaw(inv.Output),
			string(inv.Status),
			inv.Attempts,
			int64(inv.Latency),
			string(inv.ErrorKind),
			inv.ErrorDetail,
			formatTime(inv.StartedAt),
			nullTime(inv.FinishedAt),
		); err != nil {
			return fmt.Errorf("inserting invocation %s: %w", inv.ID, err)
		}
	}

	for _, f := range turnFacts(t) {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO facts (namespace, session_id, turn_id, role, text, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, handle, sessionID, t.ID, f.Role, f.Text, formatTime(t.CompletedAt)); err != nil {
			return fmt.Errorf("inserting fact: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing turn: %w", err)
	}

	s.logger.Debug("appended turn",
		"session_id", sessionID,
		"turn_id", t.ID,
		"seq", seq,
		"invocations", len(t.Invocations),
	)
	return nil
}

// SearchLongTerm ranks facts in the namespace with FTS5 bm25.
func (s *SQLiteStore) SearchLongTerm(ctx context.Context, namespace, query string, limit int) ([]Fact, error) {
	match := ftsQuery(query)
	if match == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = DefaultRecallLimit
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT f.id, f.namespace, f.session_id, f.turn_id, f.role, f.text, f.created_at, bm25(facts_fts) AS score
		FROM facts_fts
		JOIN facts f ON f.id = facts_fts.rowid
		WHERE facts_fts MATCH ? AND f.namespace = ?
		ORDER BY score ASC, f.id DESC
		LIMIT ?
	`, match, namespace, limit)
	if err != nil {
		return nil, fmt.Errorf("searching facts: %w", err)
	}
	defer rows.Close()

	var facts []Fact
	for rows.Next() {
		var (
			f         Fact
			createdAt string
		)
		if err := rows.Scan(&f.ID, &f.Namespace, &f.SessionID, &f.TurnID, &f.Role, &f.Text, &createdAt, &f.Score); err != nil {
			return nil, fmt.Errorf("scanning fact: %w", err)
		}
		if f.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		facts = append(facts, f)
	}
	return facts, rows.Err()
}

// SetMemoryHandle sets the session's fact namespace, creating the session if needed.
func (s *SQLiteStore) SetMemoryHandle(ctx context.Context, sessionID, handle string) error {
	if handle == "" {
		return errors.New("memory handle is required")
	}
	now := formatTime(s.now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, memory_handle, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET memory_handle = excluded.memory_handle, updated_at = excluded.updated_at
	`, sessionID, handle, now, now)
	if err != nil {
		return fmt.Errorf("setting memory handle: %w", err)
	}
	return nil
}

// GetTurn retrieves a persisted turn with its invocation trail.
func (s *SQLiteStore) GetTurn(ctx context.Context, turnID string) (*turn.Turn, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+turnColumns+` FROM turns WHERE id = ?`, turnID)
	t, err := scanTurn(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if t.Invocations, err = s.loadInvocations(ctx, t.ID); err != nil {
		return nil, err
	}
	return turn.Restore(t), nil
}

// ListSessions returns the most recently updated sessions first.
func (s *SQLiteStore) ListSessions(ctx context.Context, limit int) ([]SessionSummary, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.memory_handle, s.created_at, s.updated_at, COUNT(t.id)
		FROM sessions s
		LEFT JOIN turns t ON t.session_id = s.id
		GROUP BY s.id
		ORDER BY s.updated_at DESC, s.id ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionSummary
	for rows.Next() {
		var (
			sum                  SessionSummary
			createdAt, updatedAt string
		)
		if err := rows.Scan(&sum.ID, &sum.MemoryHandle, &createdAt, &updatedAt, &sum.TurnCount); err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		if sum.MemoryHandle == "" {
			sum.MemoryHandle = sum.ID
		}
		if sum.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		if sum.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
			return nil, fmt.Errorf("parsing updated_at: %w", err)
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

const turnColumns = `id, session_id, input, response, status, routing_json, failures_json, started_at, completed_at`

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanTurn(row rowScanner) (*turn.Turn, error) {
	var (
		t                 turn.Turn
		status            string
		routing, failures sql.NullString
		startedAt         string
		completedAt       sql.NullString
	)
	err := row.Scan(&t.ID, &t.SessionID, &t.Input, &t.Response, &status, &routing, &failures, &startedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scanning turn: %w", err)
	}
	t.Status = turn.Status(status)

	if routing.Valid && routing.String != "" {
		if err := json.Unmarshal([]byte(routing.String), &t.Routing); err != nil {
			return nil, fmt.Errorf("decoding routing of turn %s: %w", t.ID, err)
		}
	}
	if failures.Valid && failures.String != "" {
		if err := json.Unmarshal([]byte(failures.String), &t.Failures); err != nil {
			return nil, fmt.Errorf("decoding failures of turn %s: %w", t.ID, err)
		}
	}
	if t.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt); err != nil {
		return nil, fmt.Errorf("parsing started_at: %w", err)
	}
	if t.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return nil, fmt.Errorf("parsing completed_at: %w", err)
	}
	return &t, nil
}

func (s *SQLiteStore) loadInvocations(ctx context.Context, turnID string) ([]turn.ToolInvocation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, specialist, tool, input, output, status, attempts, latency_ns,
			error_kind, error_detail, started_at, finished_at
		FROM tool_invocations
		WHERE turn_id = ?
		ORDER BY seq ASC
	`, turnID)
	if err != nil {
		return nil, fmt.Errorf("querying invocations: %w", err)
	}
	defer rows.Close()

	var out []turn.ToolInvocation
	for rows.Next() {
		var (
			inv               turn.ToolInvocation
			input, output     sql.NullString
			status            string
			latency           int64
			errorKind, detail sql.NullString
			startedAt         string
			finishedAt        sql.NullString
		)
		if err := rows.Scan(
			&inv.ID, &inv.Specialist, &inv.Tool, &input, &output, &status, &inv.Attempts, &latency,
			&errorKind, &detail, &startedAt, &finishedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning invocation: %w", err)
		}
		inv.Status = turn.InvocationStatus(status)
		inv.Latency = time.Duration(latency)
		inv.ErrorKind = turn.ErrorKind(errorKind.String)
		inv.ErrorDetail = detail.String
		if input.Valid {
			inv.Input = json.RawMessage(input.String)
		}
		if output.Valid {
			inv.Output = json.RawMessage(output.String)
		}
		if inv.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt); err != nil {
			return nil, fmt.Errorf("parsing started_at: %w", err)
		}
		if inv.FinishedAt, err = parseNullTime(finishedAt); err != nil {
			return nil, fmt.Errorf("parsing finished_at: %w", err)
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

// turnFacts extracts the facts a turn contributes to long-term memory.
// Failed turns only contribute the user's input.
func turnFacts(t *turn.Turn) []Fact {
	var facts []Fact
	if text := strings.TrimSpace(t.Input); text != "" {
		facts = append(facts, Fact{Role: RoleUser, Text: text})
	}
	if t.Status == turn.StatusCompleted {
		if text := strings.TrimSpace(t.Response); text != "" {
			facts = append(facts, Fact{Role: RoleAssistant, Text: text})
		}
	}
	return facts
}

var ftsTermPattern = regexp.MustCompile(`[\p{L}\p{N}_]+`)

// ftsQuery turns free text into an FTS5 query that ORs quoted terms, so user
// text never reaches the FTS5 query parser as syntax.
func ftsQuery(text string) string {
	seen := make(map[string]bool)
	var terms []string
	for _, term := range ftsTermPattern.FindAllString(strings.ToLower(text), -1) {
		if seen[term] {
			continue
		}
		seen[term] = true
		terms = append(terms, `"`+term+`"`)
	}
	return strings.Join(terms, " OR ")
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return formatTime(t)
}

func parseNullTime(ns sql.NullString) (time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, ns.String)
}

func nullRaw(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
