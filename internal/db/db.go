// Package db is the run journal: a SQLite store of runs, sensor health
// events, failsafe transitions and sampled output frames. It is written off
// the fusion tick by a Journal goroutine and read by operators through the
// admin routes.
package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	_ "modernc.org/sqlite"

	"github.com/banshee-data/presence.field/internal/failsafe"
	"github.com/banshee-data/presence.field/internal/health"
)

// Pragmas applied to every pooled connection.
var pragmas = []string{
	"journal_mode(WAL)",
	"busy_timeout(5000)",
	"synchronous(NORMAL)",
	"temp_store(MEMORY)",
	"foreign_keys(ON)",
}

type DB struct {
	*sql.DB
	path string
}

// NewDB opens (creating if needed) the journal at path and migrates it to
// the latest schema.
func NewDB(path string) (*DB, error) {
	q := url.Values{}
	for _, p := range pragmas {
		q.Add("_pragma", p)
	}
	sqlDB, err := sql.Open("sqlite", "file:"+path+"?"+q.Encode())
	if err != nil {
		return nil, err
	}
	db := &DB{DB: sqlDB, path: path}
	if err := db.MigrateUp(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// Path returns the file the journal was opened from.
func (db *DB) Path() string { return db.path }

// Run is one process lifetime of the fusion core.
type Run struct {
	RunID     string     `json:"run_id"`
	Venue     string     `json:"venue"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	EndReason string     `json:"end_reason,omitempty"`
}

// HealthEvent is a journaled sensor state change.
type HealthEvent struct {
	RunID string `json:"run_id"`
	health.Event
}

// TransitionRecord is a journaled failsafe mode change.
type TransitionRecord struct {
	RunID string `json:"run_id"`
	failsafe.Transition
}

// FrameSample is one sampled output frame.
type FrameSample struct {
	RunID      string             `json:"run_id"`
	Seq        uint64             `json:"seq"`
	At         time.Time          `json:"at"`
	Mode       string             `json:"mode"`
	Provenance string             `json:"provenance"`
	Complexity float64            `json:"complexity"`
	Final      bool               `json:"final"`
	Values     map[string]float64 `json:"values"`
}

func nanos(t time.Time) int64 { return t.UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

// StartRun records the start of a run along with the venue config it used.
func (db *DB) StartRun(runID, venue string, startedAt time.Time, config interface{}) error {
	cfg, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to encode run config: %w", err)
	}
	_, err = db.Exec(`INSERT INTO runs (run_id, venue, started_at, config_json) VALUES (?, ?, ?, ?)`,
		runID, venue, nanos(startedAt), string(cfg))
	return err
}

// EndRun marks a run as finished.
func (db *DB) EndRun(runID string, endedAt time.Time, reason string) error {
	res, err := db.Exec(`UPDATE runs SET ended_at = ?, end_reason = ? WHERE run_id = ?`,
		nanos(endedAt), reason, runID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s not found", runID)
	}
	return nil
}

func (db *DB) RecordHealthEvent(runID string, ev health.Event) error {
	_, err := db.Exec(`INSERT INTO health_events (run_id, sensor_id, from_state, to_state, at, reason)
		VALUES (?, ?, ?, ?, ?, ?)`,
		runID, ev.SensorID, string(ev.From), string(ev.To), nanos(ev.At), ev.Reason)
	return err
}

func (db *DB) RecordTransition(runID string, tr failsafe.Transition) error {
	_, err := db.Exec(`INSERT INTO failsafe_transitions (run_id, from_mode, to_mode, at, reason)
		VALUES (?, ?, ?, ?, ?)`,
		runID, string(tr.From), string(tr.To), nanos(tr.At), tr.Reason)
	return err
}

func (db *DB) RecordFrameSample(runID string, f failsafe.OutputFrame) error {
	values, err := json.Marshal(f.Values)
	if err != nil {
		return fmt.Errorf("failed to encode frame values: %w", err)
	}
	final := 0
	if f.Final {
		final = 1
	}
	_, err = db.Exec(`INSERT OR REPLACE INTO frame_samples
		(run_id, seq, at, mode, provenance, complexity, final, values_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, int64(f.Seq), nanos(f.Timestamp), string(f.Mode), f.Provenance(), f.Complexity, final, string(values))
	return err
}

// Runs returns the most recent runs, newest first.
func (db *DB) Runs(limit int) ([]Run, error) {
	rows, err := db.Query(`SELECT run_id, venue, started_at, ended_at, end_reason
		FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			r       Run
			started int64
			ended   sql.NullInt64
			reason  sql.NullString
		)
		if err := rows.Scan(&r.RunID, &r.Venue, &started, &ended, &reason); err != nil {
			return nil, err
		}
		r.StartedAt = fromNanos(started)
		if ended.Valid {
			t := fromNanos(ended.Int64)
			r.EndedAt = &t
		}
		r.EndReason = reason.String
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// HealthEvents returns a run's sensor events in time order.
func (db *DB) HealthEvents(runID string) ([]HealthEvent, error) {
	rows, err := db.Query(`SELECT sensor_id, from_state, to_state, at, reason
		FROM health_events WHERE run_id = ? ORDER BY at, event_id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []HealthEvent
	for rows.Next() {
		var (
			ev       HealthEvent
			from, to string
			at       int64
			reason   sql.NullString
		)
		if err := rows.Scan(&ev.SensorID, &from, &to, &at, &reason); err != nil {
			return nil, err
		}
		ev.RunID = runID
		ev.From, ev.To = health.State(from), health.State(to)
		ev.At = fromNanos(at)
		ev.Reason = reason.String
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Transitions returns a run's failsafe transitions in time order.
func (db *DB) Transitions(runID string) ([]TransitionRecord, error) {
	rows, err := db.Query(`SELECT from_mode, to_mode, at, reason
		FROM failsafe_transitions WHERE run_id = ? ORDER BY at, transition_id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TransitionRecord
	for rows.Next() {
		var (
			tr       TransitionRecord
			from, to string
			at       int64
			reason   sql.NullString
		)
		if err := rows.Scan(&from, &to, &at, &reason); err != nil {
			return nil, err
		}
		tr.RunID = runID
		tr.From, tr.To = failsafe.Mode(from), failsafe.Mode(to)
		tr.At = fromNanos(at)
		tr.Reason = reason.String
		out = append(out, tr)
	}
	return out, rows.Err()
}

// FrameSamples returns a run's sampled frames in sequence order.
func (db *DB) FrameSamples(runID string) ([]FrameSample, error) {
	rows, err := db.Query(`SELECT seq, at, mode, provenance, complexity, final, values_json
		FROM frame_samples WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FrameSample
	for rows.Next() {
		var (
			s      FrameSample
			seq    int64
			at     int64
			final  int
			values string
		)
		if err := rows.Scan(&seq, &at, &s.Mode, &s.Provenance, &s.Complexity, &final, &values); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(values), &s.Values); err != nil {
			return nil, fmt.Errorf("frame %d: %w", seq, err)
		}
		s.RunID = runID
		s.Seq = uint64(seq)
		s.At = fromNanos(at)
		s.Final = final != 0
		out = append(out, s)
	}
	return out, rows.Err()
}
