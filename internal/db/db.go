// Package db stores treadmill sessions, per-tick diagnostics and calibration
// runs in SQLite.
package db

import (
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/ballrig/internal/diag"
	"github.com/banshee-data/ballrig/internal/treadmill"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// MigrationsFS returns the embedded migrations rooted at the migrations
// directory.
func MigrationsFS() fs.FS {
	sub, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		panic(err)
	}
	return sub
}

type DB struct {
	*sql.DB
}

// pragmas are applied to every pooled connection through the DSN.
var pragmas = []string{
	"busy_timeout(5000)",
	"journal_mode(WAL)",
	"synchronous(NORMAL)",
	"temp_store(MEMORY)",
}

func dsn(path string) string {
	var b strings.Builder
	b.WriteString("file:")
	b.WriteString(path)
	for i, p := range pragmas {
		if i == 0 {
			b.WriteString("?")
		} else {
			b.WriteString("&")
		}
		b.WriteString("_pragma=")
		b.WriteString(p)
	}
	return b.String()
}

// OpenDB opens the database without touching the schema.
func OpenDB(path string) (*DB, error) {
	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &DB{db}, nil
}

// NewDB opens the database and applies any pending migrations.
func NewDB(path string) (*DB, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	if err := db.MigrateUp(MigrationsFS()); err != nil {
		db.Close()
		return nil, err
	}
	version, _, err := db.MigrateVersion(MigrationsFS())
	if err == nil {
		log.Printf("treadmill database %s at schema version %d", path, version)
	}
	return db, nil
}

// StartSession registers a new ingestion session.
func (db *DB) StartSession(id uuid.UUID, endpoint, variant string, at time.Time) error {
	_, err := db.Exec(
		`INSERT INTO treadmill_sessions (session_id, endpoint, variant, started_at) VALUES (?, ?, ?, ?)`,
		id.String(), endpoint, variant, at.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

// EndSession records the terminal state of a session.
func (db *DB) EndSession(id uuid.UUID, state string, at time.Time) error {
	res, err := db.Exec(
		`UPDATE treadmill_sessions SET ended_at = ?, final_state = ? WHERE session_id = ?`,
		at.UnixNano(), state, id.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("session %s not found", id)
	}
	return nil
}

type Session struct {
	ID         uuid.UUID  `json:"session_id"`
	Endpoint   string     `json:"endpoint"`
	Variant    string     `json:"variant"`
	StartedAt  time.Time  `json:"started_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	FinalState string     `json:"final_state,omitempty"`
	Records    int64      `json:"records"`
}

// Sessions lists the most recent sessions with their diagnostics counts.
func (db *DB) Sessions(limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(`
		SELECT s.session_id, s.endpoint, s.variant, s.started_at, s.ended_at, COALESCE(s.final_state, ''),
			(SELECT COUNT(*) FROM treadmill_diagnostics d WHERE d.session_id = s.session_id)
		FROM treadmill_sessions s
		ORDER BY s.started_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var (
			s       Session
			id      string
			started int64
			ended   sql.NullInt64
		)
		if err := rows.Scan(&id, &s.Endpoint, &s.Variant, &started, &ended, &s.FinalState, &s.Records); err != nil {
			return nil, err
		}
		if s.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("bad session id %q: %w", id, err)
		}
		s.StartedAt = time.Unix(0, started).UTC()
		if ended.Valid {
			t := time.Unix(0, ended.Int64).UTC()
			s.EndedAt = &t
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// WriteRecords inserts a batch of diagnostics in one transaction.
func (db *DB) WriteRecords(records []diag.Record) (err error) {
	if len(records) == 0 {
		return nil
	}
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	stmt, err := tx.Prepare(`INSERT INTO treadmill_diagnostics (
			session_id, recorded_at_ns, timestamp_ms, has_sample, moved,
			pitch, roll, yaw, forward, side, heading_delta, ball_speed,
			pos_x, pos_y, pos_z, heading, next_pos_x, next_pos_y, next_pos_z, next_heading,
			shutter0, shutter1
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range records {
		d := r.Diagnostics
		if _, err = stmt.Exec(
			r.Session.String(), r.RecordedAt.UnixNano(), d.TimestampMs, boolInt(d.HasSample), boolInt(d.Moved),
			d.Pitch, d.Roll, d.Yaw, d.Forward, d.Side, d.HeadingDelta, d.BallSpeed,
			d.Position.X, d.Position.Y, d.Position.Z, d.Heading,
			d.NextPosition.X, d.NextPosition.Y, d.NextPosition.Z, d.NextHeading,
			d.Shutter0, d.Shutter1,
		); err != nil {
			return fmt.Errorf("failed to insert diagnostics: %w", err)
		}
	}
	return tx.Commit()
}

// RecentDiagnostics returns up to limit records for a session, newest first.
func (db *DB) RecentDiagnostics(session uuid.UUID, limit int) ([]diag.Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(`SELECT recorded_at_ns, timestamp_ms, has_sample, moved,
			pitch, roll, yaw, forward, side, heading_delta, ball_speed,
			pos_x, pos_y, pos_z, heading, next_pos_x, next_pos_y, next_pos_z, next_heading,
			shutter0, shutter1
		FROM treadmill_diagnostics
		WHERE session_id = ?
		ORDER BY recorded_at_ns DESC, rowid DESC
		LIMIT ?`, session.String(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []diag.Record
	for rows.Next() {
		var (
			r          = diag.Record{Session: session}
			d          = &r.Diagnostics
			recordedAt int64
		)
		if err := rows.Scan(&recordedAt, &d.TimestampMs, &d.HasSample, &d.Moved,
			&d.Pitch, &d.Roll, &d.Yaw, &d.Forward, &d.Side, &d.HeadingDelta, &d.BallSpeed,
			&d.Position.X, &d.Position.Y, &d.Position.Z, &d.Heading,
			&d.NextPosition.X, &d.NextPosition.Y, &d.NextPosition.Z, &d.NextHeading,
			&d.Shutter0, &d.Shutter1,
		); err != nil {
			return nil, err
		}
		r.RecordedAt = time.Unix(0, recordedAt).UTC()
		records = append(records, r)
	}
	return records, rows.Err()
}

// RecordCalibration stores one finished calibration run.
func (db *DB) RecordCalibration(result treadmill.CalibrationResult, at time.Time) (int64, error) {
	if result.Trials == 0 {
		return 0, errors.New("calibration has no trials")
	}
	scales, err := json.Marshal(result.Scales)
	if err != nil {
		return 0, err
	}
	res, err := db.Exec(
		`INSERT INTO calibration_runs (axis, trials, mean_scale, std_dev, scales_json, recorded_at) VALUES (?, ?, ?, ?, ?, ?)`,
		string(result.Axis), result.Trials, result.Mean, result.StdDev, string(scales), at.UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert calibration run: %w", err)
	}
	return res.LastInsertId()
}

// LatestCalibration returns the newest run for axis, or sql.ErrNoRows.
func (db *DB) LatestCalibration(axis treadmill.Axis) (treadmill.CalibrationResult, error) {
	var (
		result treadmill.CalibrationResult
		scales string
		a      string
	)
	err := db.QueryRow(`SELECT axis, trials, mean_scale, std_dev, scales_json
		FROM calibration_runs WHERE axis = ? ORDER BY run_id DESC LIMIT 1`, string(axis)).
		Scan(&a, &result.Trials, &result.Mean, &result.StdDev, &scales)
	if err != nil {
		return result, err
	}
	result.Axis = treadmill.Axis(a)
	if err := json.Unmarshal([]byte(scales), &result.Scales); err != nil {
		return result, fmt.Errorf("bad scales for %s: %w", axis, err)
	}
	return result, nil
}
