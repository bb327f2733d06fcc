package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"goalforge/internal/logging"

	_ "github.com/mattn/go-sqlite3"
)

// ErrToolNotFound is returned when no crystallized tool exists for a name.
var ErrToolNotFound = errors.New("crystallized tool not found")

// CrystallizedTool is a durable record of a trace promoted into a compiled tool.
// The source is a Go snippet executed through the sandboxed interpreter.
type CrystallizedTool struct {
	Name            string
	Source          string // Go source defining func RunTool(input string) (string, error)
	SourceSignature string // Goal signature of the originating trace
	GoalText        string
	SuccessRate     float64 // Verification success rate at promotion time
	CreatedAt       time.Time
	CallCount       int64
}

// ToolStore persists crystallized tools to SQLite.
// Separate from the trace table so tool sources don't bloat trace rows.
type ToolStore struct {
	db     *sql.DB
	dbPath string
}

// NewToolStore creates a tool store at the given path.
func NewToolStore(dbPath string) (*ToolStore, error) {
	logging.StoreDebug("Initializing ToolStore at path: %s", dbPath)

	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to open ToolStore database at %s: %v", dbPath, err)
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &ToolStore{db: db, dbPath: dbPath}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ensure tool schema: %w", err)
	}

	logging.Store("ToolStore initialized")
	return s, nil
}

func (s *ToolStore) ensureSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS crystallized_tools (
		name TEXT PRIMARY KEY,
		source TEXT NOT NULL,
		source_signature TEXT NOT NULL,
		goal_text TEXT,
		success_rate REAL NOT NULL,
		created_at DATETIME NOT NULL,
		call_count INTEGER DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_ctools_signature ON crystallized_tools(source_signature);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Put inserts or replaces a crystallized tool record.
func (s *ToolStore) Put(t *CrystallizedTool) error {
	if t.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO crystallized_tools
		(name, source, source_signature, goal_text, success_rate, created_at, call_count)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.Name, t.Source, t.SourceSignature, t.GoalText, t.SuccessRate, t.CreatedAt, t.CallCount)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to store crystallized tool %s: %v", t.Name, err)
		return err
	}
	logging.StoreDebug("Crystallized tool stored: %s (rate=%.2f)", t.Name, t.SuccessRate)
	return nil
}

// Get retrieves a crystallized tool by name.
func (s *ToolStore) Get(name string) (*CrystallizedTool, error) {
	row := s.db.QueryRow(`
		SELECT name, source, source_signature, goal_text, success_rate, created_at, call_count
		FROM crystallized_tools WHERE name = ?`, name)

	var t CrystallizedTool
	err := row.Scan(&t.Name, &t.Source, &t.SourceSignature, &t.GoalText,
		&t.SuccessRate, &t.CreatedAt, &t.CallCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrToolNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// All returns every crystallized tool, newest first.
func (s *ToolStore) All() ([]*CrystallizedTool, error) {
	rows, err := s.db.Query(`
		SELECT name, source, source_signature, goal_text, success_rate, created_at, call_count
		FROM crystallized_tools ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*CrystallizedTool
	for rows.Next() {
		var t CrystallizedTool
		if err := rows.Scan(&t.Name, &t.Source, &t.SourceSignature, &t.GoalText,
			&t.SuccessRate, &t.CreatedAt, &t.CallCount); err != nil {
			logging.Get(logging.CategoryStore).Error("All: skipping corrupt tool row: %v", err)
			continue
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

// RecordCall bumps the call counter for a tool.
func (s *ToolStore) RecordCall(name string) error {
	_, err := s.db.Exec(`UPDATE crystallized_tools SET call_count = call_count + 1 WHERE name = ?`, name)
	return err
}

// Close closes the underlying database.
func (s *ToolStore) Close() error {
	return s.db.Close()
}
