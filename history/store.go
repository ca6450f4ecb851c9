// Package history persists spray-event telemetry: sessions group the
// sprays of one sequence run, and each spray row carries the process
// readings captured at its boundaries. Storage is a local SQLite
// database; an optional Kafka stream fans finished events out to
// plant-level consumers.
package history

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	sequence_id TEXT NOT NULL DEFAULT '',
	operator    TEXT NOT NULL DEFAULT '',
	started_at  TIMESTAMP NOT NULL,
	ended_at    TIMESTAMP
);
CREATE TABLE IF NOT EXISTS spray_events (
	id                   INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id           INTEGER NOT NULL DEFAULT 0,
	spray_index          INTEGER NOT NULL DEFAULT 0,
	pattern_name         TEXT NOT NULL DEFAULT '',
	powder_lot           TEXT NOT NULL DEFAULT '',
	started_at           TIMESTAMP NOT NULL,
	ended_at             TIMESTAMP,
	main_flow            REAL NOT NULL DEFAULT 0,
	feeder_flow          REAL NOT NULL DEFAULT 0,
	feeder_speed         TEXT NOT NULL DEFAULT '',
	chamber_pressure     REAL NOT NULL DEFAULT 0,
	nozzle_pressure      REAL NOT NULL DEFAULT 0,
	chamber_pressure_end REAL NOT NULL DEFAULT 0,
	nozzle_pressure_end  REAL NOT NULL DEFAULT 0,
	completed            INTEGER NOT NULL DEFAULT 0,
	error                TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_spray_events_started ON spray_events(started_at);
CREATE INDEX IF NOT EXISTS idx_spray_events_session ON spray_events(session_id);
`

// Session groups the sprays of one sequence run.
type Session struct {
	ID         int64
	SequenceID string
	Operator   string
	StartedAt  time.Time
	EndedAt    time.Time
}

// SprayEvent is one persisted spray with its boundary readings. The
// *_pressure columns are snapshots at spray start; the *_end variants at
// spray end. SessionID is 0 for sprays recorded outside a session.
type SprayEvent struct {
	ID          int64
	SessionID   int64
	SprayIndex  int
	PatternName string
	PowderLot   string

	StartedAt time.Time
	EndedAt   time.Time

	MainFlow    float64
	FeederFlow  float64
	FeederSpeed string

	ChamberPressure    float64
	NozzlePressure     float64
	ChamberPressureEnd float64
	NozzlePressureEnd  float64

	Completed bool
	Error     string
}

// Store is the SQLite-backed spray event log.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the spray history database.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	// SQLite handles one writer at a time.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create history schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// BeginSession opens a new session and returns its ID.
func (s *Store) BeginSession(sequenceID, operator string, at time.Time) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO sessions (sequence_id, operator, started_at) VALUES (?, ?, ?)`,
		sequenceID, operator, at,
	)
	if err != nil {
		return 0, fmt.Errorf("insert session: %w", err)
	}
	return res.LastInsertId()
}

// EndSession records the session end time.
func (s *Store) EndSession(id int64, at time.Time) error {
	res, err := s.db.Exec(`UPDATE sessions SET ended_at = ? WHERE id = ?`, at, id)
	if err != nil {
		return fmt.Errorf("end session %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("end session %d: no such session", id)
	}
	return nil
}

// Session fetches one session by ID.
func (s *Store) Session(id int64) (Session, error) {
	var sess Session
	var ended sql.NullTime
	err := s.db.QueryRow(
		`SELECT id, sequence_id, operator, started_at, ended_at FROM sessions WHERE id = ?`, id,
	).Scan(&sess.ID, &sess.SequenceID, &sess.Operator, &sess.StartedAt, &ended)
	if err != nil {
		return Session{}, fmt.Errorf("scan session %d: %w", id, err)
	}
	if ended.Valid {
		sess.EndedAt = ended.Time
	}
	return sess, nil
}

const eventColumns = `id, session_id, spray_index, pattern_name, powder_lot,
	started_at, ended_at, main_flow, feeder_flow, feeder_speed,
	chamber_pressure, nozzle_pressure, chamber_pressure_end, nozzle_pressure_end,
	completed, error`

// BeginEvent inserts a new in-progress spray and returns its ID.
func (s *Store) BeginEvent(ev SprayEvent) (int64, error) {
	res, err := s.db.Exec(`
		INSERT INTO spray_events (session_id, spray_index, pattern_name, powder_lot,
			started_at, main_flow, feeder_flow, feeder_speed, chamber_pressure, nozzle_pressure)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.SessionID, ev.SprayIndex, ev.PatternName, ev.PowderLot,
		ev.StartedAt, ev.MainFlow, ev.FeederFlow, ev.FeederSpeed,
		ev.ChamberPressure, ev.NozzlePressure,
	)
	if err != nil {
		return 0, fmt.Errorf("insert spray event: %w", err)
	}
	return res.LastInsertId()
}

// FinishEvent marks a spray complete, recording its end time and the
// pressure readings at the end boundary.
func (s *Store) FinishEvent(id int64, endedAt time.Time, chamberEnd, nozzleEnd float64) error {
	res, err := s.db.Exec(`
		UPDATE spray_events
		SET ended_at = ?, chamber_pressure_end = ?, nozzle_pressure_end = ?, completed = 1
		WHERE id = ?`,
		endedAt, chamberEnd, nozzleEnd, id,
	)
	if err != nil {
		return fmt.Errorf("finish spray event %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("finish spray event %d: no such event", id)
	}
	return nil
}

// FailEvent closes a spray without marking it complete, recording why.
func (s *Store) FailEvent(id int64, endedAt time.Time, reason string) error {
	res, err := s.db.Exec(
		`UPDATE spray_events SET ended_at = ?, error = ? WHERE id = ?`,
		endedAt, reason, id,
	)
	if err != nil {
		return fmt.Errorf("fail spray event %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("fail spray event %d: no such event", id)
	}
	return nil
}

// Event fetches one spray event by ID.
func (s *Store) Event(id int64) (SprayEvent, error) {
	row := s.db.QueryRow(
		`SELECT `+eventColumns+` FROM spray_events WHERE id = ?`, id)
	return scanEvent(row)
}

// SessionEvents returns the sprays of one session in spray order.
func (s *Store) SessionEvents(sessionID int64) ([]SprayEvent, error) {
	rows, err := s.db.Query(
		`SELECT `+eventColumns+` FROM spray_events WHERE session_id = ? ORDER BY spray_index, id`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("query session %d events: %w", sessionID, err)
	}
	return collectEvents(rows)
}

// RecentEvents returns up to limit events, newest first.
func (s *Store) RecentEvents(limit int) ([]SprayEvent, error) {
	rows, err := s.db.Query(
		`SELECT `+eventColumns+` FROM spray_events ORDER BY started_at DESC, id DESC LIMIT ?`,
		limit)
	if err != nil {
		return nil, fmt.Errorf("query spray events: %w", err)
	}
	return collectEvents(rows)
}

func collectEvents(rows *sql.Rows) ([]SprayEvent, error) {
	defer rows.Close()
	var out []SprayEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (SprayEvent, error) {
	var ev SprayEvent
	var ended sql.NullTime
	var completed int
	err := row.Scan(&ev.ID, &ev.SessionID, &ev.SprayIndex, &ev.PatternName, &ev.PowderLot,
		&ev.StartedAt, &ended, &ev.MainFlow, &ev.FeederFlow, &ev.FeederSpeed,
		&ev.ChamberPressure, &ev.NozzlePressure, &ev.ChamberPressureEnd, &ev.NozzlePressureEnd,
		&completed, &ev.Error)
	if err != nil {
		return SprayEvent{}, fmt.Errorf("scan spray event: %w", err)
	}
	if ended.Valid {
		ev.EndedAt = ended.Time
	}
	ev.Completed = completed != 0
	return ev, nil
}
