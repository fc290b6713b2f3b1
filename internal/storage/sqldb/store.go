package sqldb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/tjfontaine/carecall/internal/storage"
	"github.com/tjfontaine/carecall/internal/storage/dialect"
)

// Store is a SQL implementation of storage.Store that supports multiple
// database dialects.
type Store struct {
	db      *sqlx.DB
	dialect dialect.Dialect
}

var _ storage.Store = (*Store)(nil)

// Config holds database connection configuration
type Config struct {
	Driver string // Driver name: sqlite, postgres
	DSN    string // Data source name / connection string
}

// New opens the database and brings the schema up to date.
func New(cfg Config) (*Store, error) {
	d, err := dialect.FromDriverName(cfg.Driver)
	if err != nil {
		return nil, fmt.Errorf("unsupported database driver: %w", err)
	}

	db, err := sqlx.Open(d.DriverName(), cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Run dialect-specific initialization (e.g., PRAGMA for SQLite)
	for _, stmt := range d.PragmaStatements() {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute pragma: %w", err)
		}
	}

	store := &Store{db: db, dialect: d}

	if err := store.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// NewSQLite creates a SQLite store at dbPath.
func NewSQLite(dbPath string) (*Store, error) {
	return New(Config{Driver: "sqlite", DSN: dbPath})
}

// DB returns the underlying sqlx.DB for advanced operations
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Dialect returns the dialect being used
func (s *Store) Dialect() dialect.Dialect {
	return s.dialect
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates any missing tables and indexes. It is safe to run repeatedly.
func (s *Store) Migrate(ctx context.Context) error {
	ts := s.dialect.TimestampType()
	statements := []string{
		`CREATE TABLE IF NOT EXISTS contacts (
id TEXT PRIMARY KEY,
name TEXT NOT NULL,
email TEXT NOT NULL,
subject TEXT NOT NULL,
message TEXT NOT NULL,
created_at ` + ts + ` NOT NULL
)`,
		`CREATE TABLE IF NOT EXISTS newsletter_subscriptions (
id TEXT PRIMARY KEY,
email TEXT NOT NULL UNIQUE,
created_at ` + ts + ` NOT NULL
)`,
		`CREATE TABLE IF NOT EXISTS users (
id TEXT PRIMARY KEY,
email TEXT NOT NULL DEFAULT '',
first_name TEXT NOT NULL DEFAULT '',
last_name TEXT NOT NULL DEFAULT '',
created_at ` + ts + ` NOT NULL,
updated_at ` + ts + ` NOT NULL
)`,
		`CREATE TABLE IF NOT EXISTS call_summaries (
id TEXT PRIMARY KEY,
call_id TEXT NOT NULL UNIQUE,
user_id TEXT NOT NULL,
session_id TEXT NOT NULL DEFAULT '',
summary TEXT NOT NULL,
transcript TEXT NOT NULL DEFAULT '',
analysis TEXT,
ended_reason TEXT NOT NULL DEFAULT '',
cost ` + s.dialect.RealType() + ` NOT NULL DEFAULT 0,
created_at ` + ts + ` NOT NULL
)`,
		`CREATE TABLE IF NOT EXISTS session_events (
id TEXT PRIMARY KEY,
session_id TEXT NOT NULL,
user_id TEXT NOT NULL DEFAULT '',
phase TEXT NOT NULL,
call_id TEXT NOT NULL DEFAULT '',
detail TEXT NOT NULL DEFAULT '',
created_at ` + ts + ` NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_call_summaries_user ON call_summaries(user_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_session_events_session ON session_events(session_id, created_at)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// insertErr maps unique violations to storage.ErrDuplicate.
func (s *Store) insertErr(what string, err error) error {
	if s.dialect.IsUniqueViolation(err) {
		return fmt.Errorf("%s: %w", what, storage.ErrDuplicate)
	}
	return fmt.Errorf("failed to create %s: %w", what, err)
}

func newID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}

func (s *Store) CreateContact(ctx context.Context, c *storage.Contact) error {
	if c.ID == "" {
		c.ID = newID()
	}
	c.CreatedAt = time.Now().UTC()

	query := s.dialect.Rebind(`INSERT INTO contacts (id, name, email, subject, message, created_at)
	          VALUES (?, ?, ?, ?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, query, c.ID, c.Name, c.Email, c.Subject, c.Message, c.CreatedAt); err != nil {
		return s.insertErr("contact", err)
	}
	return nil
}

func (s *Store) Subscribe(ctx context.Context, sub *storage.NewsletterSubscription) error {
	if sub.ID == "" {
		sub.ID = newID()
	}
	sub.CreatedAt = time.Now().UTC()

	query := s.dialect.Rebind(`INSERT INTO newsletter_subscriptions (id, email, created_at) VALUES (?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, query, sub.ID, sub.Email, sub.CreatedAt); err != nil {
		return s.insertErr("newsletter subscription", err)
	}
	return nil
}

func (s *Store) UpsertUser(ctx context.Context, u *storage.User) error {
	now := time.Now().UTC()
	u.UpdatedAt = now
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}

	query := s.dialect.Rebind(`INSERT INTO users (id, email, first_name, last_name, created_at, updated_at)
	          VALUES (?, ?, ?, ?, ?, ?) ` +
		s.dialect.UpsertClause("id", []string{"email", "first_name", "last_name", "updated_at"}))
	if _, err := s.db.ExecContext(ctx, query, u.ID, u.Email, u.FirstName, u.LastName, u.CreatedAt, u.UpdatedAt); err != nil {
		return fmt.Errorf("failed to upsert user: %w", err)
	}
	return nil
}

func (s *Store) GetUser(ctx context.Context, id string) (*storage.User, error) {
	var u storage.User
	query := s.dialect.Rebind(`SELECT id, email, first_name, last_name, created_at, updated_at FROM users WHERE id = ?`)
	if err := s.db.GetContext(ctx, &u, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("user %s: %w", id, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &u, nil
}

func (s *Store) DeleteUser(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.dialect.Rebind(`DELETE FROM users WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("user %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

// callSummaryRow carries the JSON analysis column as text.
type callSummaryRow struct {
	storage.CallSummary
	AnalysisText sql.NullString `db:"analysis"`
}

func (r callSummaryRow) toSummary() *storage.CallSummary {
	c := r.CallSummary
	if r.AnalysisText.Valid && r.AnalysisText.String != "" {
		c.Analysis = json.RawMessage(r.AnalysisText.String)
	}
	return &c
}

const callSummaryColumns = `id, call_id, user_id, session_id, summary, transcript, analysis, ended_reason, cost, created_at`

func (s *Store) SaveCallSummary(ctx context.Context, c *storage.CallSummary) error {
	if c.ID == "" {
		c.ID = newID()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}

	var analysis sql.NullString
	if len(c.Analysis) > 0 {
		if !json.Valid(c.Analysis) {
			return fmt.Errorf("call summary analysis is not valid JSON")
		}
		analysis = sql.NullString{String: string(c.Analysis), Valid: true}
	}

	query := s.dialect.Rebind(`INSERT INTO call_summaries (` + callSummaryColumns + `)
	          VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query,
		c.ID, c.CallID, c.UserID, c.SessionID, c.Summary, c.Transcript, analysis, c.EndedReason, c.Cost, c.CreatedAt)
	if err != nil {
		return s.insertErr("call summary", err)
	}
	return nil
}

func (s *Store) GetCallSummary(ctx context.Context, callID string) (*storage.CallSummary, error) {
	var row callSummaryRow
	query := s.dialect.Rebind(`SELECT ` + callSummaryColumns + ` FROM call_summaries WHERE call_id = ?`)
	if err := s.db.GetContext(ctx, &row, query, callID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("call %s: %w", callID, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get call summary: %w", err)
	}
	return row.toSummary(), nil
}

func (s *Store) ListCallSummaries(ctx context.Context, userID string, limit int) ([]*storage.CallSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	var rows []callSummaryRow
	query := s.dialect.Rebind(`SELECT ` + callSummaryColumns + ` FROM call_summaries
	          WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`)
	if err := s.db.SelectContext(ctx, &rows, query, userID, limit); err != nil {
		return nil, fmt.Errorf("failed to list call summaries: %w", err)
	}

	out := make([]*storage.CallSummary, len(rows))
	for i, r := range rows {
		out[i] = r.toSummary()
	}
	return out, nil
}

func (s *Store) AppendSessionEvent(ctx context.Context, ev *storage.SessionEvent) error {
	if ev.ID == "" {
		ev.ID = newID()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	query := s.dialect.Rebind(`INSERT INTO session_events (id, session_id, user_id, phase, call_id, detail, created_at)
	          VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, query,
		ev.ID, ev.SessionID, ev.UserID, ev.Phase, ev.CallID, ev.Detail, ev.CreatedAt); err != nil {
		return s.insertErr("session event", err)
	}
	return nil
}

func (s *Store) ListSessionEvents(ctx context.Context, sessionID string) ([]*storage.SessionEvent, error) {
	var events []*storage.SessionEvent
	query := s.dialect.Rebind(`SELECT id, session_id, user_id, phase, call_id, detail, created_at
	          FROM session_events WHERE session_id = ? ORDER BY created_at ASC, id ASC`)
	if err := s.db.SelectContext(ctx, &events, query, sessionID); err != nil {
		return nil, fmt.Errorf("failed to list session events: %w", err)
	}
	return events, nil
}
