// Package store provides SQLite persistence for execution traces and
// crystallized tools.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"goalforge/internal/logging"
	"goalforge/internal/trace"

	_ "github.com/mattn/go-sqlite3"
)

// ErrAlreadyCrystallized is returned when a trace's crystallized tool is set twice.
var ErrAlreadyCrystallized = errors.New("trace already crystallized")

// ErrTraceNotFound is returned when no trace exists for a signature.
var ErrTraceNotFound = errors.New("trace not found")

// sigStripes is the number of per-signature lock stripes. Concurrent updates
// to the same signature serialize on one stripe; distinct signatures almost
// always land on different stripes and proceed in parallel.
const sigStripes = 64

// TraceStore provides durable keyed storage of execution traces.
//
// Architecture:
// - Backed by SQLite for durability, one row per goal signature
// - Tool calls stored as indented JSON so rows stay human-diffable
// - Per-signature striped locks serialize usage updates (no lost updates
//   to usage_count/success_rating); reads and unrelated signatures run in
//   parallel
type TraceStore struct {
	db              *sql.DB
	dbPath          string
	confidenceFloor float64
	stripes         [sigStripes]sync.Mutex
}

// ScoredTrace pairs a trace with its keyword-match score.
type ScoredTrace struct {
	Trace *trace.ExecutionTrace
	Score float64
}

// Stats summarizes the trace table.
type Stats struct {
	TotalTraces    int64
	Crystallized   int64
	AvgRating      float64
	TotalUsage     int64
	ByMode         map[string]int64
	TotalSpentUSD  float64
	CorruptSkipped int64
}

// NewTraceStore opens (or creates) the trace database at dbPath.
// confidenceFloor is the minimum success rating for FindExact hits.
func NewTraceStore(dbPath string, confidenceFloor float64) (*TraceStore, error) {
	logging.StoreDebug("Initializing TraceStore at path: %s", dbPath)

	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to open trace database at %s: %v", dbPath, err)
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	ts := &TraceStore{
		db:              db,
		dbPath:          dbPath,
		confidenceFloor: confidenceFloor,
	}

	if err := ts.ensureSchema(); err != nil {
		db.Close()
		logging.Get(logging.CategoryStore).Error("Failed to ensure trace schema: %v", err)
		return nil, fmt.Errorf("failed to ensure trace schema: %w", err)
	}

	logging.Store("TraceStore initialized (floor=%.2f)", confidenceFloor)
	return ts, nil
}

// ensureSchema creates the traces table if it doesn't exist.
func (ts *TraceStore) ensureSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS traces (
		goal_signature TEXT PRIMARY KEY,
		goal_text TEXT NOT NULL,
		tool_calls TEXT NOT NULL,
		tools_used TEXT NOT NULL,
		success_rating REAL NOT NULL,
		usage_count INTEGER NOT NULL,
		created_at DATETIME NOT NULL,
		last_used DATETIME NOT NULL,
		estimated_cost_usd REAL DEFAULT 0,
		estimated_time_secs REAL DEFAULT 0,
		mode TEXT NOT NULL,
		crystallized_into_tool TEXT,
		error_notes TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_traces_rating ON traces(success_rating);
	CREATE INDEX IF NOT EXISTS idx_traces_usage ON traces(usage_count);
	CREATE INDEX IF NOT EXISTS idx_traces_crystallized ON traces(crystallized_into_tool);
	CREATE INDEX IF NOT EXISTS idx_traces_last_used ON traces(last_used);
	`
	_, err := ts.db.Exec(schema)
	return err
}

// stripe returns the lock stripe for a signature.
func (ts *TraceStore) stripe(signature string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(signature))
	return &ts.stripes[h.Sum32()%sigStripes]
}

// Save persists a trace, replacing any existing row for its signature.
func (ts *TraceStore) Save(t *trace.ExecutionTrace) error {
	timer := logging.StartTimer(logging.CategoryStore, "Save")
	defer timer.Stop()

	if t.GoalSignature == "" {
		return fmt.Errorf("trace has empty goal signature")
	}

	mu := ts.stripe(t.GoalSignature)
	mu.Lock()
	defer mu.Unlock()

	callsJSON, err := json.MarshalIndent(t.ToolCalls, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal tool calls: %w", err)
	}
	toolsJSON, _ := json.Marshal(t.ToolsUsed)
	notesJSON, _ := json.Marshal(t.ErrorNotes)

	logging.StoreDebug("Saving trace: sig=%s mode=%s usage=%d rating=%.2f",
		shortSig(t.GoalSignature), t.Mode, t.UsageCount, t.SuccessRating)

	_, err = ts.db.Exec(`
		INSERT OR REPLACE INTO traces
		(goal_signature, goal_text, tool_calls, tools_used, success_rating,
		 usage_count, created_at, last_used, estimated_cost_usd,
		 estimated_time_secs, mode, crystallized_into_tool, error_notes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.GoalSignature, t.GoalText, string(callsJSON), string(toolsJSON),
		t.SuccessRating, t.UsageCount, t.CreatedAt, t.LastUsed,
		t.EstimatedCostUSD, t.EstimatedTimeSecs, string(t.Mode),
		t.CrystallizedIntoTool, string(notesJSON),
	)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to save trace %s: %v", shortSig(t.GoalSignature), err)
		return err
	}
	return nil
}

// FindExact returns the trace for a signature if one exists and its success
// rating clears the confidence floor. A trace below the floor is treated as
// absent so low-trust traces never drive FOLLOWER/MIXED replays.
func (ts *TraceStore) FindExact(signature string) (*trace.ExecutionTrace, bool, error) {
	timer := logging.StartTimer(logging.CategoryStore, "FindExact")
	defer timer.Stop()

	t, err := ts.get(signature)
	if err != nil {
		if errors.Is(err, ErrTraceNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	if t.SuccessRating < ts.confidenceFloor {
		logging.StoreDebug("FindExact: sig=%s below floor (%.2f < %.2f)",
			shortSig(signature), t.SuccessRating, ts.confidenceFloor)
		return nil, false, nil
	}
	return t, true, nil
}

// Get returns the trace for a signature regardless of its rating.
func (ts *TraceStore) Get(signature string) (*trace.ExecutionTrace, error) {
	return ts.get(signature)
}

func (ts *TraceStore) get(signature string) (*trace.ExecutionTrace, error) {
	row := ts.db.QueryRow(`
		SELECT goal_signature, goal_text, tool_calls, tools_used, success_rating,
		       usage_count, created_at, last_used, estimated_cost_usd,
		       estimated_time_secs, mode, crystallized_into_tool, error_notes
		FROM traces WHERE goal_signature = ?`, signature)

	t, err := scanTrace(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTraceNotFound
		}
		// Unreadable row: corrupt record, surface as not-found after logging.
		logging.Get(logging.CategoryStore).Error("Corrupt trace row for %s: %v", shortSig(signature), err)
		return nil, ErrTraceNotFound
	}
	return t, nil
}

// Search returns traces ranked by keyword overlap between the query and each
// trace's goal text plus tool names. Traces below minConfidence are excluded.
// Corrupt rows are skipped and logged, never fatal.
func (ts *TraceStore) Search(query string, limit int, minConfidence float64) ([]ScoredTrace, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Search")
	defer timer.Stop()

	if limit <= 0 {
		limit = 10
	}

	keywords := Keywords(query)
	if len(keywords) == 0 {
		return nil, nil
	}

	// Pull candidate rows matching any keyword; final ranking happens in Go.
	var conds []string
	var args []any
	for _, kw := range keywords {
		conds = append(conds, "goal_text LIKE ? OR tools_used LIKE ?")
		args = append(args, "%"+kw+"%", "%"+kw+"%")
	}
	args = append(args, minConfidence)

	rows, err := ts.db.Query(fmt.Sprintf(`
		SELECT goal_signature, goal_text, tool_calls, tools_used, success_rating,
		       usage_count, created_at, last_used, estimated_cost_usd,
		       estimated_time_secs, mode, crystallized_into_tool, error_notes
		FROM traces
		WHERE (%s) AND success_rating >= ?
		ORDER BY last_used DESC
		LIMIT 200`, strings.Join(conds, " OR ")), args...)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Search query failed: %v", err)
		return nil, err
	}
	defer rows.Close()

	var scored []ScoredTrace
	corrupt := 0
	for rows.Next() {
		t, err := scanTrace(rows)
		if err != nil {
			corrupt++
			logging.Get(logging.CategoryStore).Error("Search: skipping corrupt trace row: %v", err)
			continue
		}
		score := overlapScore(keywords, t)
		if score > 0 {
			scored = append(scored, ScoredTrace{Trace: t, Score: score})
		}
	}
	if corrupt > 0 {
		logging.Store("Search skipped %d corrupt rows", corrupt)
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].Trace.UsageCount > scored[j].Trace.UsageCount
	})
	if len(scored) > limit {
		scored = scored[:limit]
	}

	logging.StoreDebug("Search %q matched %d traces (limit=%d)", query, len(scored), limit)
	return scored, nil
}

// UpdateUsage applies the EMA rating update for one replay outcome and bumps
// the usage counter. The rating arithmetic runs inside a single UPDATE so a
// racing update can never be lost; the stripe lock keeps read-after-update
// callers consistent for the same signature.
func (ts *TraceStore) UpdateUsage(signature string, success bool) (*trace.ExecutionTrace, error) {
	timer := logging.StartTimer(logging.CategoryStore, "UpdateUsage")
	defer timer.Stop()

	mu := ts.stripe(signature)
	mu.Lock()
	defer mu.Unlock()

	outcome := 0.0
	if success {
		outcome = 1.0
	}

	res, err := ts.db.Exec(`
		UPDATE traces
		SET success_rating = (1.0 - ?) * success_rating + ? * ?,
		    usage_count = usage_count + 1,
		    last_used = ?
		WHERE goal_signature = ?`,
		trace.EMAAlpha, trace.EMAAlpha, outcome, time.Now().UTC(), signature)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("UpdateUsage failed for %s: %v", shortSig(signature), err)
		return nil, err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return nil, ErrTraceNotFound
	}

	t, err := ts.get(signature)
	if err != nil {
		return nil, err
	}
	logging.StoreDebug("UpdateUsage: sig=%s success=%v -> usage=%d rating=%.3f",
		shortSig(signature), success, t.UsageCount, t.SuccessRating)
	return t, nil
}

// AddErrorNote appends a note to a trace's error notes. Called when a replay
// aborts on a tool failure.
func (ts *TraceStore) AddErrorNote(signature, note string) error {
	mu := ts.stripe(signature)
	mu.Lock()
	defer mu.Unlock()

	t, err := ts.get(signature)
	if err != nil {
		return err
	}
	t.ErrorNotes = append(t.ErrorNotes, note)
	notesJSON, _ := json.Marshal(t.ErrorNotes)

	_, err = ts.db.Exec(`UPDATE traces SET error_notes = ? WHERE goal_signature = ?`,
		string(notesJSON), signature)
	return err
}

// SetCrystallized marks a trace as promoted into a compiled tool. The field
// is set at most once; a second promotion attempt fails.
func (ts *TraceStore) SetCrystallized(signature, toolName string) error {
	mu := ts.stripe(signature)
	mu.Lock()
	defer mu.Unlock()

	res, err := ts.db.Exec(`
		UPDATE traces SET crystallized_into_tool = ?
		WHERE goal_signature = ?
		  AND (crystallized_into_tool IS NULL OR crystallized_into_tool = '')`,
		toolName, signature)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		if _, err := ts.get(signature); errors.Is(err, ErrTraceNotFound) {
			return ErrTraceNotFound
		}
		return ErrAlreadyCrystallized
	}

	logging.Crystal("Trace %s crystallized into tool %q", shortSig(signature), toolName)
	return nil
}

// Eligible returns uncrystallized traces that clear the usage and success
// thresholds, ordered by usage count.
func (ts *TraceStore) Eligible(minUsage int, minSuccess float64) ([]*trace.ExecutionTrace, error) {
	rows, err := ts.db.Query(`
		SELECT goal_signature, goal_text, tool_calls, tools_used, success_rating,
		       usage_count, created_at, last_used, estimated_cost_usd,
		       estimated_time_secs, mode, crystallized_into_tool, error_notes
		FROM traces
		WHERE usage_count >= ? AND success_rating >= ?
		  AND (crystallized_into_tool IS NULL OR crystallized_into_tool = '')
		ORDER BY usage_count DESC`, minUsage, minSuccess)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*trace.ExecutionTrace
	for rows.Next() {
		t, err := scanTrace(rows)
		if err != nil {
			logging.Get(logging.CategoryStore).Error("Eligible: skipping corrupt trace row: %v", err)
			continue
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Successful returns traces with a success rating of at least minSuccess,
// used for example mining.
func (ts *TraceStore) Successful(minSuccess float64) ([]*trace.ExecutionTrace, error) {
	rows, err := ts.db.Query(`
		SELECT goal_signature, goal_text, tool_calls, tools_used, success_rating,
		       usage_count, created_at, last_used, estimated_cost_usd,
		       estimated_time_secs, mode, crystallized_into_tool, error_notes
		FROM traces
		WHERE success_rating >= ?
		ORDER BY usage_count DESC`, minSuccess)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*trace.ExecutionTrace
	for rows.Next() {
		t, err := scanTrace(rows)
		if err != nil {
			logging.Get(logging.CategoryStore).Error("Successful: skipping corrupt trace row: %v", err)
			continue
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Recent returns the most recently used traces.
func (ts *TraceStore) Recent(limit int) ([]*trace.ExecutionTrace, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := ts.db.Query(`
		SELECT goal_signature, goal_text, tool_calls, tools_used, success_rating,
		       usage_count, created_at, last_used, estimated_cost_usd,
		       estimated_time_secs, mode, crystallized_into_tool, error_notes
		FROM traces
		ORDER BY last_used DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*trace.ExecutionTrace
	for rows.Next() {
		t, err := scanTrace(rows)
		if err != nil {
			logging.Get(logging.CategoryStore).Error("Recent: skipping corrupt trace row: %v", err)
			continue
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// GetStats returns aggregate statistics about the trace table.
func (ts *TraceStore) GetStats() (*Stats, error) {
	timer := logging.StartTimer(logging.CategoryStore, "GetStats")
	defer timer.Stop()

	stats := &Stats{ByMode: make(map[string]int64)}

	ts.db.QueryRow("SELECT COUNT(*) FROM traces").Scan(&stats.TotalTraces)
	ts.db.QueryRow("SELECT COUNT(*) FROM traces WHERE crystallized_into_tool IS NOT NULL AND crystallized_into_tool != ''").Scan(&stats.Crystallized)
	ts.db.QueryRow("SELECT COALESCE(AVG(success_rating), 0) FROM traces").Scan(&stats.AvgRating)
	ts.db.QueryRow("SELECT COALESCE(SUM(usage_count), 0) FROM traces").Scan(&stats.TotalUsage)
	ts.db.QueryRow("SELECT COALESCE(SUM(estimated_cost_usd), 0) FROM traces").Scan(&stats.TotalSpentUSD)

	rows, err := ts.db.Query("SELECT mode, COUNT(*) FROM traces GROUP BY mode")
	if err == nil {
		defer rows.Close()
		for rows.Next() {
			var mode string
			var count int64
			if rows.Scan(&mode, &count) == nil {
				stats.ByMode[mode] = count
			}
		}
	}

	return stats, nil
}

// Close closes the underlying database.
func (ts *TraceStore) Close() error {
	return ts.db.Close()
}

// =============================================================================
// Helpers
// =============================================================================

// scanner abstracts *sql.Row and *sql.Rows for scanTrace.
type scanner interface {
	Scan(dest ...any) error
}

func scanTrace(row scanner) (*trace.ExecutionTrace, error) {
	var t trace.ExecutionTrace
	var callsJSON, toolsJSON, mode string
	var crystallized, notesJSON sql.NullString

	err := row.Scan(
		&t.GoalSignature, &t.GoalText, &callsJSON, &toolsJSON, &t.SuccessRating,
		&t.UsageCount, &t.CreatedAt, &t.LastUsed, &t.EstimatedCostUSD,
		&t.EstimatedTimeSecs, &mode, &crystallized, &notesJSON,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(callsJSON), &t.ToolCalls); err != nil {
		return nil, fmt.Errorf("corrupt tool_calls for %s: %w", shortSig(t.GoalSignature), err)
	}
	if err := json.Unmarshal([]byte(toolsJSON), &t.ToolsUsed); err != nil {
		return nil, fmt.Errorf("corrupt tools_used for %s: %w", shortSig(t.GoalSignature), err)
	}
	t.Mode = trace.Mode(mode)
	if crystallized.Valid {
		t.CrystallizedIntoTool = crystallized.String
	}
	if notesJSON.Valid && notesJSON.String != "" && notesJSON.String != "null" {
		if err := json.Unmarshal([]byte(notesJSON.String), &t.ErrorNotes); err != nil {
			return nil, fmt.Errorf("corrupt error_notes for %s: %w", shortSig(t.GoalSignature), err)
		}
	}

	return &t, nil
}

// Keywords tokenizes a query into lowercase keywords, dropping short stop words.
func Keywords(query string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, f := range strings.Fields(trace.Normalize(query)) {
		if len(f) < 3 || stopWords[f] {
			continue
		}
		if !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	return out
}

var stopWords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "from": true,
	"that": true, "this": true, "into": true, "then": true,
}

// overlapScore computes keyword overlap between query keywords and a trace's
// goal text plus tool names, normalized to [0,1].
func overlapScore(keywords []string, t *trace.ExecutionTrace) float64 {
	if len(keywords) == 0 {
		return 0
	}
	haystack := trace.Normalize(t.GoalText) + " " + strings.ToLower(strings.Join(t.ToolsUsed, " "))
	hits := 0
	for _, kw := range keywords {
		if strings.Contains(haystack, kw) {
			hits++
		}
	}
	return float64(hits) / float64(len(keywords))
}

func shortSig(sig string) string {
	if len(sig) > 12 {
		return sig[:12]
	}
	return sig
}
