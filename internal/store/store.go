package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jamesbarker95/astro-meeting-intelligence/internal/session"
)

// Store persists finished sessions and their transcripts in SQLite.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id               TEXT PRIMARY KEY,
	type             TEXT NOT NULL,
	status           TEXT NOT NULL,
	created_at       REAL NOT NULL,
	started_at       REAL,
	ended_at         REAL,
	duration_seconds INTEGER NOT NULL,
	transcript_count INTEGER NOT NULL,
	final_count      INTEGER NOT NULL,
	word_count       INTEGER NOT NULL,
	metadata_json    TEXT,
	summary_json     TEXT
);

CREATE TABLE IF NOT EXISTS transcript_lines (
	session_id  TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	sequence    INTEGER NOT NULL,
	text        TEXT NOT NULL,
	speaker     TEXT NOT NULL,
	confidence  REAL NOT NULL,
	is_final    INTEGER NOT NULL,
	received_at REAL NOT NULL,
	PRIMARY KEY (session_id, sequence)
);
`

// Open opens (or creates) the archive database with WAL journaling.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ArchiveSession writes the session and its full transcript in one
// transaction. Re-archiving the same session replaces the previous copy.
func (s *Store) ArchiveSession(sess session.Session) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin archive: %w", err)
	}
	defer tx.Rollback()

	var metadataJSON, summaryJSON sql.NullString
	if sess.Metadata != nil {
		data, err := json.Marshal(sess.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		metadataJSON = sql.NullString{String: string(data), Valid: true}
	}
	if sess.Summary != nil {
		data, err := json.Marshal(sess.Summary)
		if err != nil {
			return fmt.Errorf("marshal summary: %w", err)
		}
		summaryJSON = sql.NullString{String: string(data), Valid: true}
	}

	_, err = tx.Exec(`
		INSERT OR REPLACE INTO sessions
			(id, type, status, created_at, started_at, ended_at, duration_seconds,
			 transcript_count, final_count, word_count, metadata_json, summary_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, sess.ID, sess.Type, string(sess.Status), unixFromTime(sess.CreatedAt),
		nullableUnix(sess.StartedAt), nullableUnix(sess.EndedAt), sess.DurationSeconds,
		sess.TranscriptCount, sess.FinalCount, sess.WordCount, metadataJSON, summaryJSON)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}

	if _, err := tx.Exec(`DELETE FROM transcript_lines WHERE session_id = ?`, sess.ID); err != nil {
		return fmt.Errorf("clear transcript: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO transcript_lines
			(session_id, sequence, text, speaker, confidence, is_final, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare transcript insert: %w", err)
	}
	defer stmt.Close()

	for _, l := range sess.Transcript {
		if _, err := stmt.Exec(sess.ID, l.Sequence, l.Text, l.Speaker,
			l.Confidence, boolToInt(l.IsFinal), unixFromTime(l.ReceivedAt)); err != nil {
			return fmt.Errorf("insert line %d: %w", l.Sequence, err)
		}
	}

	return tx.Commit()
}

// SessionByID loads one archived session without its transcript. Returns
// session.ErrNotFound when the ID is unknown.
func (s *Store) SessionByID(id string) (session.Session, error) {
	row := s.db.QueryRow(`
		SELECT id, type, status, created_at, started_at, ended_at, duration_seconds,
		       transcript_count, final_count, word_count, metadata_json, summary_json
		FROM sessions
		WHERE id = ?
	`, id)

	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return session.Session{}, fmt.Errorf("archived session %s: %w", id, session.ErrNotFound)
	}
	if err != nil {
		return session.Session{}, fmt.Errorf("scan session: %w", err)
	}
	return sess, nil
}

// LinesForSession returns the archived transcript in sequence order.
func (s *Store) LinesForSession(sessionID string) ([]session.TranscriptLine, error) {
	rows, err := s.db.Query(`
		SELECT sequence, text, speaker, confidence, is_final, received_at
		FROM transcript_lines
		WHERE session_id = ?
		ORDER BY sequence ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query transcript: %w", err)
	}
	defer rows.Close()

	var lines []session.TranscriptLine
	for rows.Next() {
		var l session.TranscriptLine
		var isFinal int
		var receivedAt float64
		if err := rows.Scan(&l.Sequence, &l.Text, &l.Speaker, &l.Confidence,
			&isFinal, &receivedAt); err != nil {
			return nil, fmt.Errorf("scan line: %w", err)
		}
		l.IsFinal = isFinal != 0
		l.ReceivedAt = timeFromUnix(receivedAt)
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

// RecentSessions returns up to limit archived sessions, newest first,
// without transcripts.
func (s *Store) RecentSessions(limit int) ([]session.Session, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.Query(`
		SELECT id, type, status, created_at, started_at, ended_at, duration_seconds,
		       transcript_count, final_count, word_count, metadata_json, summary_json
		FROM sessions
		ORDER BY created_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []session.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (session.Session, error) {
	var sess session.Session
	var status string
	var createdAt float64
	var startedAt, endedAt sql.NullFloat64
	var metadataJSON, summaryJSON sql.NullString

	if err := row.Scan(&sess.ID, &sess.Type, &status, &createdAt, &startedAt, &endedAt,
		&sess.DurationSeconds, &sess.TranscriptCount, &sess.FinalCount, &sess.WordCount,
		&metadataJSON, &summaryJSON); err != nil {
		return session.Session{}, err
	}

	sess.Status = session.Status(status)
	sess.CreatedAt = timeFromUnix(createdAt)
	if startedAt.Valid {
		sess.StartedAt = timeFromUnix(startedAt.Float64)
	}
	if endedAt.Valid {
		sess.EndedAt = timeFromUnix(endedAt.Float64)
	}
	if metadataJSON.Valid {
		if err := json.Unmarshal([]byte(metadataJSON.String), &sess.Metadata); err != nil {
			return session.Session{}, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	if summaryJSON.Valid {
		var sum session.MeetingSummary
		if err := json.Unmarshal([]byte(summaryJSON.String), &sum); err != nil {
			return session.Session{}, fmt.Errorf("unmarshal summary: %w", err)
		}
		sess.Summary = &sum
	}

	return sess, nil
}

func unixFromTime(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func nullableUnix(t time.Time) sql.NullFloat64 {
	if t.IsZero() {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: unixFromTime(t), Valid: true}
}

func timeFromUnix(ts float64) time.Time {
	sec := int64(ts)
	nsec := int64((ts - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
