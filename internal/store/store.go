// Package store persists session transcripts in SQLite.
//
// Appends are at-least-once: a segment whose ID is already stored is ignored,
// so callers can retry freely after an ambiguous failure.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned when a session does not exist.
	ErrNotFound = errors.New("session not found")
	// ErrSessionExists is returned when a session ID has been used before.
	ErrSessionExists = errors.New("session already stored")
)

// Kind distinguishes transcript text from marked gaps.
type Kind string

const (
	KindSpeech Kind = "speech"
	KindGap    Kind = "gap"
)

// Segment is one committed transcript entry.
type Segment struct {
	ID         string
	SessionID  string
	Kind       Kind
	Text       string
	Reason     string
	Start      time.Duration
	End        time.Duration
	Confidence float64
	Version    uint64
	Seq        int
	CreatedAt  time.Time
}

// Session is a stored session and its transcript.
type Session struct {
	ID        string
	TenantID  string
	Language  string
	Status    string
	Outcome   string
	StartedAt time.Time
	EndedAt   *time.Time
	Segments  []Segment
}

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	tenantId TEXT NOT NULL DEFAULT '',
	language TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'active',
	outcome TEXT,
	startedAt REAL NOT NULL,
	endedAt REAL
);

CREATE TABLE IF NOT EXISTS segments (
	id TEXT PRIMARY KEY,
	sessionId TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	kind TEXT NOT NULL DEFAULT 'speech',
	text TEXT NOT NULL DEFAULT '',
	reason TEXT,
	startMs INTEGER NOT NULL,
	endMs INTEGER NOT NULL,
	confidence REAL,
	version INTEGER NOT NULL DEFAULT 0,
	seq INTEGER NOT NULL,
	createdAt REAL NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_segments_session ON segments(sessionId, seq);
`

// Store is a SQLite-backed transcript store.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies the schema.
// ":memory:" gives a private in-memory database.
func Open(path string) (*Store, error) {
	dsn := path
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite has a single writer, and every connection to :memory: is a new database.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateSession records a new active session. Session IDs are never reused:
// an ID already stored, live or ended, fails with ErrSessionExists and leaves
// the stored transcript untouched.
func (s *Store) CreateSession(ctx context.Context, sess Session) error {
	started := sess.StartedAt
	if started.IsZero() {
		started = time.Now()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, tenantId, language, status, startedAt)
		VALUES (?, ?, ?, 'active', ?)
		ON CONFLICT(id) DO NOTHING
	`, sess.ID, sess.TenantID, sess.Language, unixFromTime(started))
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrSessionExists, sess.ID)
	}
	return nil
}

// AppendSegment stores a committed segment. It reports whether the row was new;
// a segment ID seen before is ignored.
func (s *Store) AppendSegment(ctx context.Context, sessionID string, seg Segment) (bool, error) {
	if seg.Kind == "" {
		seg.Kind = KindSpeech
	}
	created := seg.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO segments (id, sessionId, kind, text, reason, startMs, endMs, confidence, version, seq, createdAt)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, seg.ID, sessionID, string(seg.Kind), seg.Text, nullString(seg.Reason),
		seg.Start.Milliseconds(), seg.End.Milliseconds(), seg.Confidence,
		int64(seg.Version), seg.Seq, unixFromTime(created))
	if err != nil {
		return false, fmt.Errorf("insert segment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// EndSession marks a session as ended with the given outcome.
func (s *Store) EndSession(ctx context.Context, sessionID, outcome string, endedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET status = 'ended', outcome = ?, endedAt = ?
		WHERE id = ?
	`, outcome, unixFromTime(endedAt), sessionID)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// LoadSession returns a session with its transcript in order.
func (s *Store) LoadSession(ctx context.Context, sessionID string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenantId, language, status, outcome, startedAt, endedAt
		FROM sessions
		WHERE id = ?
	`, sessionID)

	var sess Session
	var startedAt float64
	var endedAt sql.NullFloat64
	var outcome sql.NullString
	if err := row.Scan(&sess.ID, &sess.TenantID, &sess.Language, &sess.Status,
		&outcome, &startedAt, &endedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}
	sess.StartedAt = timeFromUnix(startedAt)
	if endedAt.Valid {
		t := timeFromUnix(endedAt.Float64)
		sess.EndedAt = &t
	}
	if outcome.Valid {
		sess.Outcome = outcome.String
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sessionId, kind, text, reason, startMs, endMs, confidence, version, seq, createdAt
		FROM segments
		WHERE sessionId = ?
		ORDER BY seq ASC, startMs ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query segments: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var seg Segment
		var kind string
		var reason sql.NullString
		var confidence sql.NullFloat64
		var startMs, endMs, version int64
		var createdAt float64
		if err := rows.Scan(&seg.ID, &seg.SessionID, &kind, &seg.Text, &reason,
			&startMs, &endMs, &confidence, &version, &seg.Seq, &createdAt); err != nil {
			return nil, fmt.Errorf("scan segment: %w", err)
		}
		seg.Kind = Kind(kind)
		seg.Reason = reason.String
		seg.Confidence = confidence.Float64
		seg.Start = time.Duration(startMs) * time.Millisecond
		seg.End = time.Duration(endMs) * time.Millisecond
		seg.Version = uint64(version)
		seg.CreatedAt = timeFromUnix(createdAt)
		sess.Segments = append(sess.Segments, seg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &sess, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func unixFromTime(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func timeFromUnix(ts float64) time.Time {
	sec := int64(ts)
	nsec := int64((ts - float64(sec)) * 1e9)
	return time.Unix(sec, nsec)
}
