// Package store keeps analysis runs and submitted prompts in SQLite or PostgreSQL.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver
	_ "github.com/mattn/go-sqlite3"
)

var ErrNotFound = errors.New("not found")

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

// Run is one orchestration instance
type Run struct {
	ID     string
	Name   string
	Status string
	Input  json.RawMessage
	// Progress holds the latest pipeline event
	Progress  json.RawMessage
	Output    json.RawMessage
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Prompt is one entry of the prompt log
type Prompt struct {
	ID        int64     `json:"id"`
	Text      string    `json:"prompt"`
	CreatedAt time.Time `json:"timestamp"`
}

// DB wraps the connection with the driver's placeholder style
type DB struct {
	conn   *sql.DB
	driver string
	// sqlite writes are serialized
	mu sync.Mutex
}

// Open connects and migrates. driver is sqlite3 or pgx.
func Open(ctx context.Context, driver, dsn string) (*DB, error) {
	switch driver {
	case DriverSQLite:
		if !strings.Contains(dsn, "?") && dsn != ":memory:" {
			dsn += "?_journal_mode=WAL&_busy_timeout=5000"
		}
	case DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}

	conn, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if driver == DriverSQLite {
		conn.SetMaxOpenConns(1)
		conn.SetMaxIdleConns(1)
		conn.SetConnMaxLifetime(0)
	}

	db := &DB{conn: conn, driver: driver}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}
	if err := db.migrate(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return db, nil
}

// Ping checks the connection
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) migrate(ctx context.Context) error {
	idCol, timeCol := "INTEGER PRIMARY KEY AUTOINCREMENT", "DATETIME"
	if db.driver == DriverPostgres {
		idCol, timeCol = "BIGSERIAL PRIMARY KEY", "TIMESTAMPTZ"
	}
	schema := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			status TEXT NOT NULL,
			input TEXT,
			progress TEXT,
			output TEXT,
			created_at ` + timeCol + ` NOT NULL,
			updated_at ` + timeCol + ` NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_created ON runs(created_at)`,
		`CREATE TABLE IF NOT EXISTS prompts (
			id ` + idCol + `,
			prompt TEXT NOT NULL,
			created_at ` + timeCol + ` NOT NULL
		)`,
	}
	for _, stmt := range schema {
		if _, err := db.conn.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// rebind turns ? placeholders into $n for PostgreSQL
func (db *DB) rebind(q string) string {
	if db.driver != DriverPostgres {
		return q
	}
	var sb strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			sb.WriteString("$" + strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func (db *DB) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.conn.ExecContext(ctx, db.rebind(q), args...)
}

func nullJSON(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

func rawJSON(s sql.NullString) json.RawMessage {
	if !s.Valid || s.String == "" {
		return nil
	}
	return json.RawMessage(s.String)
}

// CreateRun inserts a run; CreatedAt and UpdatedAt default to now
func (db *DB) CreateRun(ctx context.Context, r Run) error {
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = r.CreatedAt
	}
	_, err := db.exec(ctx,
		`INSERT INTO runs (id, name, status, input, progress, output, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Name, r.Status, nullJSON(r.Input), nullJSON(r.Progress), nullJSON(r.Output), r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert run %s: %w", r.ID, err)
	}
	return nil
}

// UpdateRun sets status and whichever of progress and output are non-empty
func (db *DB) UpdateRun(ctx context.Context, id, status string, progress, output json.RawMessage) error {
	res, err := db.exec(ctx,
		`UPDATE runs SET status = ?, progress = COALESCE(?, progress), output = COALESCE(?, output), updated_at = ? WHERE id = ?`,
		status, nullJSON(progress), nullJSON(output), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update run %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

const runColumns = `id, name, status, input, progress, output, created_at, updated_at`

func scanRun(row interface{ Scan(...any) error }) (*Run, error) {
	var (
		r                       Run
		input, progress, output sql.NullString
	)
	if err := row.Scan(&r.ID, &r.Name, &r.Status, &input, &progress, &output, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.Input, r.Progress, r.Output = rawJSON(input), rawJSON(progress), rawJSON(output)
	return &r, nil
}

// GetRun returns ErrNotFound for unknown ids
func (db *DB) GetRun(ctx context.Context, id string) (*Run, error) {
	row := db.conn.QueryRowContext(ctx, db.rebind(`SELECT `+runColumns+` FROM runs WHERE id = ?`), id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", id, err)
	}
	return r, nil
}

// ListRuns returns the newest runs first
func (db *DB) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.conn.QueryContext(ctx, db.rebind(`SELECT `+runColumns+` FROM runs ORDER BY created_at DESC LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

// AppendPrompt records a prompt submitted by a user
func (db *DB) AppendPrompt(ctx context.Context, text string) (*Prompt, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, errors.New("prompt is empty")
	}
	p := &Prompt{Text: text, CreatedAt: time.Now().UTC()}

	db.mu.Lock()
	defer db.mu.Unlock()
	err := db.conn.QueryRowContext(ctx,
		db.rebind(`INSERT INTO prompts (prompt, created_at) VALUES (?, ?) RETURNING id`),
		p.Text, p.CreatedAt).Scan(&p.ID)
	if err != nil {
		return nil, fmt.Errorf("insert prompt: %w", err)
	}
	return p, nil
}

// ListPrompts returns the newest prompts first
func (db *DB) ListPrompts(ctx context.Context, limit int) ([]Prompt, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.conn.QueryContext(ctx,
		db.rebind(`SELECT id, prompt, created_at FROM prompts ORDER BY id DESC LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("list prompts: %w", err)
	}
	defer rows.Close()

	var prompts []Prompt
	for rows.Next() {
		var p Prompt
		if err := rows.Scan(&p.ID, &p.Text, &p.CreatedAt); err != nil {
			return nil, err
		}
		prompts = append(prompts, p)
	}
	return prompts, rows.Err()
}

// LatestPrompt returns ErrNotFound when no prompt was saved
func (db *DB) LatestPrompt(ctx context.Context) (*Prompt, error) {
	prompts, err := db.ListPrompts(ctx, 1)
	if err != nil {
		return nil, err
	}
	if len(prompts) == 0 {
		return nil, ErrNotFound
	}
	return &prompts[0], nil
}
