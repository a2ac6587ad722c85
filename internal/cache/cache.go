// Package cache persists reconstruction output locally.
//
// It stores every assembled span (normalized fields plus the resolved
// session key, classification, and causal edge) in SQLite with WAL mode and
// an FTS5 index over name/input/output, alongside a runs table recording
// each pipeline invocation. Rows are upserted by span id, so re-running over
// an overlapping time range leaves the cache reflecting the latest
// reconstruction of every span it has seen.
package cache

import (
	"database/sql"
	"embed"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/agentlens/loom/internal/link"
	"github.com/agentlens/loom/internal/model"
	"github.com/agentlens/loom/internal/session"
	"github.com/agentlens/loom/pkg/timeutil"
)

//go:embed schema.sql
var schemaFS embed.FS

// ============================================================
// Row Types
// ============================================================

// SpanRow is one cached span as returned by the query surface. Times are
// millisecond epochs; EndMS is 0 for a span that never finished.
type SpanRow struct {
	SessionKey   string      `json:"session_key"`
	Seq          int         `json:"seq"`
	SpanID       string      `json:"span_id"`
	TraceID      string      `json:"trace_id,omitempty"`
	ParentSpanID string      `json:"parent_span_id,omitempty"`
	Kind         model.Kind  `json:"kind"`
	Name         string      `json:"name,omitempty"`
	Class        model.Class `json:"class"`
	CausalParent string      `json:"causal_parent,omitempty"`
	LinkRule     link.Rule   `json:"link_rule,omitempty"`
	StartMS      int64       `json:"start_ms"`
	EndMS        int64       `json:"end_ms,omitempty"`
	DurationMS   int64       `json:"duration_ms"`
	Input        string      `json:"input,omitempty"`
	Output       string      `json:"output,omitempty"`
}

// SessionSummary is one session's aggregate view for listings.
type SessionSummary struct {
	SessionKey string `json:"session_key"`
	Spans      int    `json:"spans"`
	StartMS    int64  `json:"start_ms"`
	EndMS      int64  `json:"end_ms"`
}

// RunRecord is one pipeline invocation as stored in the runs table.
// RangeStart/RangeEnd are 0 for an unbounded fetch.
type RunRecord struct {
	RunID        int64  `json:"run_id"`
	StartedAt    int64  `json:"started_at"`
	Backend      string `json:"backend"`
	RangeStart   int64  `json:"range_start,omitempty"`
	RangeEnd     int64  `json:"range_end,omitempty"`
	SpanCount    int    `json:"span_count"`
	SessionCount int    `json:"session_count"`
	ReportJSON   string `json:"report_json,omitempty"`
}

// ============================================================
// Store
// ============================================================

// Store is the SQLite-backed span cache. It owns the connection, the
// embedded schema, and prepared statements for the write path; access is
// serialized through a read-write mutex.
type Store struct {
	db   *sql.DB
	mu   sync.RWMutex
	path string

	stmtUpsertSpan *sql.Stmt
	stmtInsertRun  *sql.Stmt
}

// Open opens (or creates) the cache at path, initializes the schema, and
// prepares the write statements. Use ":memory:" for tests.
func Open(path string) (*Store, error) {
	// WAL mode and friends via DSN, same pragmas for file and memory DBs.
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_foreign_keys=ON&_cache_size=-64000", path)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening cache at %s: %w", path, err)
	}

	// SQLite supports a single writer; WAL readers do not block it.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	st := &Store{db: db, path: path}

	if err := st.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing cache schema: %w", err)
	}
	if err := st.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("preparing cache statements: %w", err)
	}
	return st, nil
}

func (s *Store) initSchema() error {
	schema, err := schemaFS.ReadFile("schema.sql")
	if err != nil {
		return fmt.Errorf("reading embedded schema: %w", err)
	}
	if _, err := s.db.Exec(string(schema)); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

func (s *Store) prepareStatements() error {
	var err error

	s.stmtUpsertSpan, err = s.db.Prepare(`
		INSERT INTO spans (span_id, trace_id, parent_span_id, session_key, seq,
			kind, name, class, causal_parent, link_rule,
			start_ms, end_ms, duration_ms, input, output)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(span_id) DO UPDATE SET
			trace_id = excluded.trace_id,
			parent_span_id = excluded.parent_span_id,
			session_key = excluded.session_key,
			seq = excluded.seq,
			kind = excluded.kind,
			name = excluded.name,
			class = excluded.class,
			causal_parent = excluded.causal_parent,
			link_rule = excluded.link_rule,
			start_ms = excluded.start_ms,
			end_ms = excluded.end_ms,
			duration_ms = excluded.duration_ms,
			input = excluded.input,
			output = excluded.output
	`)
	if err != nil {
		return fmt.Errorf("preparing span upsert: %w", err)
	}

	s.stmtInsertRun, err = s.db.Prepare(`
		INSERT INTO runs (started_at, backend, range_start, range_end,
			span_count, session_count, report_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("preparing run insert: %w", err)
	}

	return nil
}

// UpsertSession writes all spans of one assembled session in a single
// transaction. A span already present (from an earlier or overlapping run)
// is replaced wholesale, derived facts included.
func (s *Store) UpsertSession(doc *session.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning span upsert transaction: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	stmt := tx.Stmt(s.stmtUpsertSpan)
	for i := range doc.Spans {
		sp := &doc.Spans[i]
		var endMS int64
		if !sp.EndTime.IsZero() {
			endMS = timeutil.ToMillis(sp.EndTime)
		}
		_, err := stmt.Exec(
			sp.SpanID, sp.TraceID, sp.ParentSpanID, doc.Key, sp.Seq,
			string(sp.Kind), sp.Name, string(sp.Class),
			sp.CausalParent, string(sp.LinkRule),
			timeutil.ToMillis(sp.StartTime), endMS, sp.DurationMS,
			sp.Input, sp.Output,
		)
		if err != nil {
			return fmt.Errorf("upserting span %s: %w", sp.SpanID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing span upserts for %s: %w", doc.Key, err)
	}
	return nil
}

// RecordRun appends one row to the runs table and returns its id. A zero
// StartedAt is filled with the current time.
func (s *Store) RecordRun(rec *RunRecord) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	startedAt := rec.StartedAt
	if startedAt == 0 {
		startedAt = time.Now().UnixMilli()
	}

	res, err := s.stmtInsertRun.Exec(
		startedAt, rec.Backend, rec.RangeStart, rec.RangeEnd,
		rec.SpanCount, rec.SessionCount, rec.ReportJSON,
	)
	if err != nil {
		return 0, fmt.Errorf("recording run: %w", err)
	}
	return res.LastInsertId()
}

// SpansBySession returns a session's cached spans in assembly order.
func (s *Store) SpansBySession(key string) ([]SpanRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT session_key, seq, span_id, trace_id, parent_span_id,
			kind, name, class, causal_parent, link_rule,
			start_ms, end_ms, duration_ms, input, output
		FROM spans
		WHERE session_key = ?
		ORDER BY seq ASC
	`, key)
	if err != nil {
		return nil, fmt.Errorf("querying spans for session %s: %w", key, err)
	}
	defer rows.Close()

	return scanSpanRows(rows)
}

// SpansByTrace returns all cached spans of one trace, ordered by start time.
// A trace can straddle sessions, so rows may carry different session keys.
func (s *Store) SpansByTrace(traceID string) ([]SpanRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT session_key, seq, span_id, trace_id, parent_span_id,
			kind, name, class, causal_parent, link_rule,
			start_ms, end_ms, duration_ms, input, output
		FROM spans
		WHERE trace_id = ?
		ORDER BY start_ms ASC, span_id ASC
	`, traceID)
	if err != nil {
		return nil, fmt.Errorf("querying spans for trace %s: %w", traceID, err)
	}
	defer rows.Close()

	return scanSpanRows(rows)
}

// Search performs full-text search over span name, input, and output using
// the FTS5 index, ranked by BM25 relevance.
func (s *Store) Search(query string, limit int) ([]SpanRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.Query(`
		SELECT s.session_key, s.seq, s.span_id, s.trace_id, s.parent_span_id,
			s.kind, s.name, s.class, s.causal_parent, s.link_rule,
			s.start_ms, s.end_ms, s.duration_ms, s.input, s.output
		FROM spans s
		INNER JOIN spans_fts f ON s.span_id = f.span_id
		WHERE spans_fts MATCH ?
		ORDER BY rank
		LIMIT ?
	`, query, limit)
	if err != nil {
		return nil, fmt.Errorf("searching cache for %q: %w", query, err)
	}
	defer rows.Close()

	return scanSpanRows(rows)
}

// Sessions lists cached sessions with span counts and time bounds, earliest
// first. Unfinished spans contribute their start time to the end bound.
func (s *Store) Sessions(limit int) ([]SessionSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.Query(`
		SELECT session_key,
			COUNT(*) AS spans,
			MIN(start_ms) AS start_ms,
			MAX(CASE WHEN end_ms > 0 THEN end_ms ELSE start_ms END) AS end_ms
		FROM spans
		GROUP BY session_key
		ORDER BY start_ms ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing cached sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionSummary
	for rows.Next() {
		var sum SessionSummary
		if err := rows.Scan(&sum.SessionKey, &sum.Spans, &sum.StartMS, &sum.EndMS); err != nil {
			return nil, fmt.Errorf("scanning session summary: %w", err)
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

// Runs returns recorded pipeline invocations, most recent first.
func (s *Store) Runs(limit int) ([]RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.Query(`
		SELECT run_id, started_at, backend, range_start, range_end,
			span_count, session_count, report_json
		FROM runs
		ORDER BY run_id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var rec RunRecord
		if err := rows.Scan(
			&rec.RunID, &rec.StartedAt, &rec.Backend,
			&rec.RangeStart, &rec.RangeEnd,
			&rec.SpanCount, &rec.SessionCount, &rec.ReportJSON,
		); err != nil {
			return nil, fmt.Errorf("scanning run record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close releases prepared statements and the underlying connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, stmt := range []*sql.Stmt{s.stmtUpsertSpan, s.stmtInsertRun} {
		if stmt != nil {
			stmt.Close()
		}
	}
	return s.db.Close()
}

// ============================================================
// Scan Helpers
// ============================================================

func scanSpanRows(rows *sql.Rows) ([]SpanRow, error) {
	var out []SpanRow
	for rows.Next() {
		var r SpanRow
		if err := rows.Scan(
			&r.SessionKey, &r.Seq, &r.SpanID, &r.TraceID, &r.ParentSpanID,
			&r.Kind, &r.Name, &r.Class, &r.CausalParent, &r.LinkRule,
			&r.StartMS, &r.EndMS, &r.DurationMS, &r.Input, &r.Output,
		); err != nil {
			return nil, fmt.Errorf("scanning span row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
