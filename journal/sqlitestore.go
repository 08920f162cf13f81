package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/petal-labs/petalprint/runtime"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS events (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	session    TEXT    NOT NULL,
	job_id     INTEGER NOT NULL,
	seq        INTEGER NOT NULL,
	kind       TEXT    NOT NULL,
	layer      INTEGER NOT NULL DEFAULT -1,
	layer_type TEXT    NOT NULL DEFAULT '',
	time       TEXT    NOT NULL,
	elapsed    INTEGER NOT NULL DEFAULT 0,
	payload    TEXT    NOT NULL DEFAULT '{}',
	trace_id   TEXT    NOT NULL DEFAULT '',
	span_id    TEXT    NOT NULL DEFAULT ''
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_events_job ON events (session, job_id, seq);
CREATE INDEX IF NOT EXISTS idx_events_kind_time ON events (kind, time);
CREATE INDEX IF NOT EXISTS idx_events_time ON events (time);
`

// timeLayout is fixed width so stored times compare as strings.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteStoreConfig configures the SQLite event store.
type SQLiteStoreConfig struct {
	// DSN is the database connection string.
	DSN string

	// Session is the id this process records under (default: a new uuid).
	Session string

	// RetentionAge deletes events older than this duration (0 = no age pruning).
	RetentionAge time.Duration

	// RetentionCount keeps at most this many events per job (0 = no count pruning).
	RetentionCount int

	// PruneInterval is how often to run pruning (default 1 hour).
	PruneInterval time.Duration
}

// SQLiteStore persists events to a SQLite database in WAL mode, with a
// background pruner when retention is configured.
type SQLiteStore struct {
	db   *sql.DB
	cfg  SQLiteStoreConfig
	stop chan struct{}
	done chan struct{}
}

// NewSQLiteStore opens (or creates) a SQLite event store.
func NewSQLiteStore(cfg SQLiteStoreConfig) (*SQLiteStore, error) {
	if cfg.PruneInterval == 0 {
		cfg.PruneInterval = time.Hour
	}
	if cfg.Session == "" {
		cfg.Session = NewSession()
	}

	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("journal: open: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal: set WAL mode: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal: create schema: %w", err)
	}

	s := &SQLiteStore{
		db:   db,
		cfg:  cfg,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}

	if cfg.RetentionAge > 0 || cfg.RetentionCount > 0 {
		go s.pruneLoop()
	} else {
		close(s.done)
	}
	return s, nil
}

// Session returns the id events are recorded under.
func (s *SQLiteStore) Session() string {
	return s.cfg.Session
}

// Append stores an event in the database.
func (s *SQLiteStore) Append(ctx context.Context, event runtime.Event) error {
	payload := event.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("journal: marshal payload: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO events (session, job_id, seq, kind, layer, layer_type, time, elapsed, payload, trace_id, span_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.cfg.Session,
		event.JobID,
		int64(event.Seq), // #nosec G115 -- per-job sequence numbers stay small
		string(event.Kind),
		event.Layer,
		event.LayerType,
		event.Time.UTC().Format(timeLayout),
		int64(event.Elapsed),
		string(payloadJSON),
		event.TraceID,
		event.SpanID,
	)
	if err != nil {
		return fmt.Errorf("journal: append: %w", err)
	}
	return nil
}

// List returns events for a job, optionally filtered by afterSeq and limit.
func (s *SQLiteStore) List(ctx context.Context, jobID int64, afterSeq uint64, limit int) ([]runtime.Event, error) {
	query := `SELECT job_id, seq, kind, layer, layer_type, time, elapsed, payload, trace_id, span_id
	          FROM events WHERE session = ? AND job_id = ? AND seq > ? ORDER BY seq ASC, id ASC`
	args := []any{s.cfg.Session, jobID, int64(afterSeq)} // #nosec G115

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("journal: list: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// LatestSeq returns the highest Seq for a job (0 if no events).
func (s *SQLiteStore) LatestSeq(ctx context.Context, jobID int64) (uint64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(seq) FROM events WHERE session = ? AND job_id = ?`, s.cfg.Session, jobID,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("journal: latest seq: %w", err)
	}
	if !seq.Valid || seq.Int64 < 0 {
		return 0, nil
	}
	return uint64(seq.Int64), nil // #nosec G115 -- checked non-negative above
}

// History returns terminal job records across all sessions, newest first.
func (s *SQLiteStore) History(ctx context.Context, limit int) ([]Record, error) {
	query := `SELECT session, job_id, seq, kind, layer, layer_type, time, elapsed, payload, trace_id, span_id
	          FROM events WHERE kind IN (?, ?, ?) ORDER BY time DESC, id DESC`
	args := []any{
		string(runtime.EventJobFinished),
		string(runtime.EventJobCanceled),
		string(runtime.EventJobFailed),
	}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("journal: history: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var session string
		e, err := scanEvent(rows, &session)
		if err != nil {
			return nil, err
		}
		records = append(records, recordFromEvent(session, e))
	}
	return records, rows.Err()
}

// Close stops the background pruner and closes the database connection.
func (s *SQLiteStore) Close() error {
	select {
	case <-s.stop:
		return nil
	default:
		close(s.stop)
	}
	<-s.done
	return s.db.Close()
}

// Prune runs a single pruning pass. Exported for testing.
func (s *SQLiteStore) Prune(ctx context.Context) error {
	if s.cfg.RetentionAge > 0 {
		cutoff := time.Now().Add(-s.cfg.RetentionAge).UTC().Format(timeLayout)
		if _, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE time < ?`, cutoff); err != nil {
			return fmt.Errorf("journal: prune by age: %w", err)
		}
	}

	if s.cfg.RetentionCount > 0 {
		// Keep only the most recent RetentionCount events of every job.
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM events WHERE id IN (
				SELECT id FROM (
					SELECT id, ROW_NUMBER() OVER (
						PARTITION BY session, job_id ORDER BY seq DESC, id DESC
					) AS rn FROM events
				) WHERE rn > ?
			)`, s.cfg.RetentionCount,
		); err != nil {
			return fmt.Errorf("journal: prune by count: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) pruneLoop() {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			_ = s.Prune(context.Background())
		}
	}
}

func scanEvents(rows *sql.Rows) ([]runtime.Event, error) {
	var events []runtime.Event
	for rows.Next() {
		e, err := scanEvent(rows, nil)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// scanEvent reads one row. When session is non-nil the row's first column
// is the session id.
func scanEvent(rows *sql.Rows, session *string) (runtime.Event, error) {
	var (
		e           runtime.Event
		seq         int64
		kind        string
		timeStr     string
		elapsedNano int64
		payloadJSON string
	)
	dest := []any{&e.JobID, &seq, &kind, &e.Layer, &e.LayerType, &timeStr, &elapsedNano, &payloadJSON, &e.TraceID, &e.SpanID}
	if session != nil {
		dest = append([]any{session}, dest...)
	}
	if err := rows.Scan(dest...); err != nil {
		return e, fmt.Errorf("journal: scan event: %w", err)
	}

	e.Seq = uint64(seq) // #nosec G115 -- stored from a uint64
	e.Kind = runtime.EventKind(kind)
	e.Elapsed = time.Duration(elapsedNano)

	t, err := time.Parse(timeLayout, timeStr)
	if err != nil {
		return e, fmt.Errorf("journal: parse time %q: %w", timeStr, err)
	}
	e.Time = t

	e.Payload = map[string]any{}
	if payloadJSON != "" && payloadJSON != "{}" {
		if err := json.Unmarshal([]byte(payloadJSON), &e.Payload); err != nil {
			return e, fmt.Errorf("journal: unmarshal payload: %w", err)
		}
	}
	return e, nil
}

// Compile-time interface check.
var _ Store = (*SQLiteStore)(nil)
