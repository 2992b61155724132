package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"
)

// Supported SQL drivers
const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
)

// dialect holds driver specific statements
type dialect struct {
	schema        []string
	insertSession string
	insertSegment string
}

var dialects = map[string]dialect{
	DriverSQLite: {
		schema: []string{
			`CREATE TABLE IF NOT EXISTS sessions (
				id         TEXT PRIMARY KEY,
				user_id    TEXT NOT NULL,
				created_at REAL NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS segments (
				id          TEXT PRIMARY KEY,
				session_id  TEXT NOT NULL REFERENCES sessions(id),
				segment_seq INTEGER NOT NULL,
				content     TEXT NOT NULL,
				created_at  REAL NOT NULL
			)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_session_seq ON segments(session_id, segment_seq)`,
		},
		insertSession: `INSERT INTO sessions (id, user_id, created_at) VALUES (?, ?, ?)
			ON CONFLICT(id) DO NOTHING`,
		insertSegment: `INSERT INTO segments (id, session_id, segment_seq, content, created_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(session_id, segment_seq) DO NOTHING`,
	},
	DriverMySQL: {
		schema: []string{
			`CREATE TABLE IF NOT EXISTS sessions (
				id         VARCHAR(64) PRIMARY KEY,
				user_id    VARCHAR(64) NOT NULL,
				created_at DOUBLE NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS segments (
				id          CHAR(36) PRIMARY KEY,
				session_id  VARCHAR(64) NOT NULL,
				segment_seq BIGINT NOT NULL,
				content     TEXT NOT NULL,
				created_at  DOUBLE NOT NULL,
				UNIQUE KEY idx_session_seq (session_id, segment_seq),
				CONSTRAINT fk_segments_session FOREIGN KEY (session_id) REFERENCES sessions(id)
			)`,
		},
		// No-op updates report zero affected rows, so only a new row counts as
		// inserted; any other error (truncation in strict mode) still fails
		insertSession: `INSERT INTO sessions (id, user_id, created_at) VALUES (?, ?, ?)
			ON DUPLICATE KEY UPDATE id = id`,
		insertSegment: `INSERT INTO segments (id, session_id, segment_seq, content, created_at)
			VALUES (?, ?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE id = id`,
	},
}

// SQLStore implements ColdStore and SessionRegistry on a SQL database
type SQLStore struct {
	db      *sql.DB
	driver  string
	dialect dialect
}

// OpenSQL opens (or creates) the database and ensures the schema exists
func OpenSQL(driver, dsn string) (*SQLStore, error) {
	d, ok := dialects[driver]
	if !ok {
		return nil, fmt.Errorf("unsupported storage driver %q", driver)
	}

	if driver == DriverSQLite && dsn != ":memory:" && !strings.HasPrefix(dsn, "file:") {
		if err := os.MkdirAll(filepath.Dir(dsn), 0755); err != nil {
			return nil, fmt.Errorf("failed to create db directory: %w", err)
		}
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", driver, err)
	}

	if driver == DriverSQLite {
		// One connection keeps :memory: databases shared and serializes writers
		db.SetMaxOpenConns(1)

		if dsn != ":memory:" {
			if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
				db.Close()
				return nil, fmt.Errorf("failed to set WAL mode: %w", err)
			}
		}
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping %s database: %w", driver, err)
	}

	for _, stmt := range d.schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create schema: %w", err)
		}
	}

	return &SQLStore{db: db, driver: driver, dialect: d}, nil
}

// Driver returns the SQL driver name
func (s *SQLStore) Driver() string {
	return s.driver
}

// Ping verifies the database is reachable
func (s *SQLStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: ping: %v", ErrPersistence, err)
	}
	return nil
}

// Close closes the database connection
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// GetOrCreate returns the session, creating it on first use
func (s *SQLStore) GetOrCreate(ctx context.Context, sessionID, userID string) (Session, error) {
	if err := validateSessionIDs(sessionID, userID); err != nil {
		return Session{}, err
	}

	now := time.Now().UTC()
	if _, err := s.db.ExecContext(ctx, s.dialect.insertSession, sessionID, userID, unixFromTime(now)); err != nil {
		return Session{}, fmt.Errorf("%w: insert session %s: %v", ErrPersistence, sessionID, err)
	}

	sess, ok, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	if !ok {
		return Session{}, fmt.Errorf("%w: session %s vanished after insert", ErrPersistence, sessionID)
	}

	return sess, nil
}

// GetSession looks up a session by id
func (s *SQLStore) GetSession(ctx context.Context, sessionID string) (Session, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, created_at FROM sessions WHERE id = ?`, sessionID)

	var sess Session
	var createdAt float64
	if err := row.Scan(&sess.ID, &sess.UserID, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return Session{}, false, nil
		}
		return Session{}, false, fmt.Errorf("%w: scan session: %v", ErrPersistence, err)
	}
	sess.CreatedAt = timeFromUnix(createdAt)

	return sess, true, nil
}

// InsertIfAbsent stores a segment unless its (session, seq) key exists
func (s *SQLStore) InsertIfAbsent(ctx context.Context, seg Segment) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.dialect.insertSegment,
		seg.ID, seg.SessionID, seg.Seq, seg.Content, unixFromTime(seg.CreatedAt))
	if err != nil {
		return false, fmt.Errorf("%w: insert segment %s/%d: %v", ErrPersistence, seg.SessionID, seg.Seq, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: rows affected: %v", ErrPersistence, err)
	}

	return n > 0, nil
}

// MaxSeq returns the highest stored segment_seq for the session
func (s *SQLStore) MaxSeq(ctx context.Context, sessionID string) (int64, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT MAX(segment_seq) FROM segments WHERE session_id = ?`, sessionID)

	var seq sql.NullInt64
	if err := row.Scan(&seq); err != nil {
		return 0, false, fmt.Errorf("%w: max seq for %s: %v", ErrPersistence, sessionID, err)
	}

	if !seq.Valid {
		return 0, false, nil
	}
	return seq.Int64, true, nil
}

// Segments returns segments ordered by segment_seq starting at fromSeq
func (s *SQLStore) Segments(ctx context.Context, sessionID string, fromSeq int64, limit int) ([]Segment, error) {
	if limit <= 0 {
		limit = 1000
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, segment_seq, content, created_at
		FROM segments
		WHERE session_id = ? AND segment_seq >= ?
		ORDER BY segment_seq ASC
		LIMIT ?
	`, sessionID, fromSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: query segments: %v", ErrPersistence, err)
	}
	defer rows.Close()

	var segments []Segment
	for rows.Next() {
		var seg Segment
		var createdAt float64
		if err := rows.Scan(&seg.ID, &seg.SessionID, &seg.Seq, &seg.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("%w: scan segment: %v", ErrPersistence, err)
		}
		seg.CreatedAt = timeFromUnix(createdAt)
		segments = append(segments, seg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate segments: %v", ErrPersistence, err)
	}
	return segments, nil
}

func unixFromTime(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func timeFromUnix(ts float64) time.Time {
	sec := int64(ts)
	nsec := int64((ts - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC()
}

func validateSessionIDs(sessionID, userID string) error {
	if err := ValidateID("session id", sessionID); err != nil {
		return err
	}
	if len(userID) > MaxIDLength {
		return fmt.Errorf("%w: user id of %d bytes exceeds %d", ErrInvalidID, len(userID), MaxIDLength)
	}
	return nil
}
