package telemetry

import (
	"compress/gzip"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/tailscale/tailsql/server/tailsql"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"

	"github.com/stride-robotics/gaitd/internal/monitoring"
	"github.com/stride-robotics/gaitd/internal/policy"
)

//go:embed db/migrations/*.sql
var migrationsFS embed.FS

// Store keeps session rows and per-inference statistics in sqlite.
type Store struct {
	*sql.DB
	path string
}

// OpenStore opens or creates the sqlite database at path and applies any
// pending schema migrations.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("telemetry: open %s: %w", path, err)
	}
	s := &Store{DB: db, path: path}
	if err := s.migrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrateUp() error {
	src, err := iofs.New(migrationsFS, "db/migrations")
	if err != nil {
		return fmt.Errorf("telemetry: load migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(s.DB, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("telemetry: migrate driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("telemetry: migrate instance: %w", err)
	}
	m.Log = &migrateLogger{}
	// Closing m would close the underlying DB connection; leave it for
	// the collector.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("telemetry: migrate up: %w", err)
	}
	return nil
}

// migrateLogger implements migrate.Logger.
type migrateLogger struct{}

func (l *migrateLogger) Printf(format string, v ...interface{}) {
	monitoring.Logf("telemetry: migrate: "+format, v...)
}

func (l *migrateLogger) Verbose() bool { return false }

// SessionMeta describes one daemon run.
type SessionMeta struct {
	Robot      string
	PolicyPath string
	Backend    string
	Interface  string
	Dt         time.Duration
	Decimation int
}

// BeginSession inserts a session row and returns its id.
func (s *Store) BeginSession(meta SessionMeta) (string, error) {
	id := uuid.NewString()
	_, err := s.Exec(
		`INSERT INTO sessions (id, robot, policy_path, backend, interface, dt_us, decimation)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, meta.Robot, meta.PolicyPath, meta.Backend, meta.Interface,
		meta.Dt.Microseconds(), meta.Decimation,
	)
	if err != nil {
		return "", fmt.Errorf("telemetry: begin session: %w", err)
	}
	return id, nil
}

// EndSession stamps the session's end time.
func (s *Store) EndSession(id string) error {
	res, err := s.Exec(
		`UPDATE sessions SET ended_at = UNIXEPOCH('subsec') WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("telemetry: end session: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("telemetry: end session: no session %s", id)
	}
	return nil
}

// TickStats summarizes one inference pass.
type TickStats struct {
	Step      float32
	Latency   time.Duration
	ActionMin float32
	ActionMax float32
	Clipped   int
	Backend   string
}

// RecordInferenceTick appends one inference row under a session.
func (s *Store) RecordInferenceTick(sessionID string, t TickStats) error {
	_, err := s.Exec(
		`INSERT INTO inference_ticks (session_id, step, latency_us, action_min, action_max, clipped, backend)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sessionID, int64(t.Step), t.Latency.Microseconds(),
		float64(t.ActionMin), float64(t.ActionMax), t.Clipped, t.Backend,
	)
	if err != nil {
		return fmt.Errorf("telemetry: record inference tick: %w", err)
	}
	return nil
}

// Session is one stored daemon run. EndedAt is zero while the session is
// still open.
type Session struct {
	ID         string
	StartedAt  time.Time
	EndedAt    time.Time
	Robot      string
	PolicyPath string
	Backend    string
	Interface  string
	Dt         time.Duration
	Decimation int
}

// Sessions returns the most recent sessions, newest first.
func (s *Store) Sessions(limit int) ([]Session, error) {
	rows, err := s.Query(
		`SELECT id, started_at, ended_at, robot, policy_path, backend, interface, dt_us, decimation
		 FROM sessions ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("telemetry: list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("telemetry: list sessions: %w", err)
	}
	return sessions, nil
}

// SessionByID loads one session row.
func (s *Store) SessionByID(id string) (Session, error) {
	rows, err := s.Query(
		`SELECT id, started_at, ended_at, robot, policy_path, backend, interface, dt_us, decimation
		 FROM sessions WHERE id = ?`, id)
	if err != nil {
		return Session{}, fmt.Errorf("telemetry: load session: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return Session{}, fmt.Errorf("telemetry: load session: %w", err)
		}
		return Session{}, fmt.Errorf("telemetry: no session %s", id)
	}
	return scanSession(rows)
}

func scanSession(rows *sql.Rows) (Session, error) {
	var (
		sess    Session
		started float64
		ended   sql.NullFloat64
		dtUs    int64
	)
	if err := rows.Scan(&sess.ID, &started, &ended, &sess.Robot, &sess.PolicyPath,
		&sess.Backend, &sess.Interface, &dtUs, &sess.Decimation); err != nil {
		return Session{}, fmt.Errorf("telemetry: scan session: %w", err)
	}
	sess.StartedAt = unixSeconds(started)
	if ended.Valid {
		sess.EndedAt = unixSeconds(ended.Float64)
	}
	sess.Dt = time.Duration(dtUs) * time.Microsecond
	return sess, nil
}

// InferenceTick is one stored inference pass.
type InferenceTick struct {
	Step      int64
	Latency   time.Duration
	ActionMin float64
	ActionMax float64
	Clipped   int
	Backend   string
	At        time.Time
}

// InferenceTicks returns a session's inference rows in step order.
func (s *Store) InferenceTicks(sessionID string) ([]InferenceTick, error) {
	rows, err := s.Query(
		`SELECT step, latency_us, action_min, action_max, clipped, backend, recorded_at
		 FROM inference_ticks WHERE session_id = ? ORDER BY id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("telemetry: list inference ticks: %w", err)
	}
	defer rows.Close()

	var ticks []InferenceTick
	for rows.Next() {
		var (
			tick      InferenceTick
			latencyUs int64
			at        float64
		)
		if err := rows.Scan(&tick.Step, &latencyUs, &tick.ActionMin, &tick.ActionMax,
			&tick.Clipped, &tick.Backend, &at); err != nil {
			return nil, fmt.Errorf("telemetry: scan inference tick: %w", err)
		}
		tick.Latency = time.Duration(latencyUs) * time.Microsecond
		tick.At = unixSeconds(at)
		ticks = append(ticks, tick)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("telemetry: list inference ticks: %w", err)
	}
	return ticks, nil
}

func unixSeconds(sec float64) time.Time {
	return time.UnixMilli(int64(sec * 1000))
}

// AttachAdminRoutes mounts the store's debug surfaces on mux: a tailsql
// console for live queries and a gzip backup download.
func (s *Store) AttachAdminRoutes(mux *http.ServeMux) error {
	debug := tsweb.Debugger(mux)

	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		return fmt.Errorf("telemetry: tailsql server: %w", err)
	}
	tsql.SetDB("sqlite://"+s.path, s.DB, &tailsql.DBOptions{
		Label: "Gait telemetry",
	})
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())

	debug.Handle("backup", "Create and download a backup of the database now", http.HandlerFunc(s.handleBackup))
	return nil
}

func (s *Store) handleBackup(w http.ResponseWriter, r *http.Request) {
	name := fmt.Sprintf("gaitd-backup-%d.db", time.Now().Unix())
	backupPath := filepath.Join(os.TempDir(), name)
	if _, err := s.Exec("VACUUM INTO ?", backupPath); err != nil {
		http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
		return
	}
	backupFile, err := os.Open(backupPath)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to open backup file: %v", err), http.StatusInternalServerError)
		return
	}
	defer func() {
		backupFile.Close()
		if err := os.Remove(backupPath); err != nil {
			monitoring.Logf("telemetry: remove backup file: %v", err)
		}
	}()

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.gz", name))
	w.Header().Set("Content-Type", "application/octet-stream")

	gz := gzip.NewWriter(w)
	defer gz.Close()
	if _, err := io.Copy(gz, backupFile); err != nil {
		monitoring.Logf("telemetry: stream backup: %v", err)
	}
}

// SessionSink streams inference results into the store under one session
// row. It implements the control runner's InferenceSink.
type SessionSink struct {
	store   *Store
	session string
	clip    *policy.Bounds
}

func NewSessionSink(store *Store, sessionID string, clip *policy.Bounds) *SessionSink {
	return &SessionSink{store: store, session: sessionID, clip: clip}
}

// RecordInference summarizes one result and appends it to the store. Write
// failures are logged, not propagated; losing a statistics row must not
// disturb the control cycle.
func (s *SessionSink) RecordInference(res *policy.Result) {
	stats := TickStats{
		Step:    res.Step,
		Latency: res.Latency,
		Backend: res.Backend,
	}
	if len(res.Action) > 0 {
		stats.ActionMin = res.Action[0]
		stats.ActionMax = res.Action[0]
		for _, a := range res.Action {
			if a < stats.ActionMin {
				stats.ActionMin = a
			}
			if a > stats.ActionMax {
				stats.ActionMax = a
			}
		}
	}
	stats.Clipped = s.clippedCount(res.Action)
	if err := s.store.RecordInferenceTick(s.session, stats); err != nil {
		monitoring.Debugf("telemetry: %v", err)
	}
}

// clippedCount counts action elements resting on a clip bound. Values that
// landed exactly on a bound without being clipped are counted too; the
// distinction is invisible after clipping.
func (s *SessionSink) clippedCount(action []float32) int {
	if s.clip == nil {
		return 0
	}
	pick := func(v []float32, i int) float32 {
		if len(v) == 1 {
			return v[0]
		}
		if i < len(v) {
			return v[i]
		}
		return 0
	}
	n := 0
	for i, a := range action {
		if len(s.clip.Lower) > 0 && a <= pick(s.clip.Lower, i) {
			n++
			continue
		}
		if len(s.clip.Upper) > 0 && a >= pick(s.clip.Upper, i) {
			n++
		}
	}
	return n
}
