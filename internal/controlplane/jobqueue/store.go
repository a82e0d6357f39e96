package jobqueue

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// ErrStateConflict is returned when a state transition's precondition does
// not hold (e.g. removing a job that was already dispatched).
var ErrStateConflict = errors.New("job is not in the required state")

// Store persists per-device job queues in SQLite. The AUTOINCREMENT seq
// column gives a total FIFO order within each device queue.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) a job queue database.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open jobs db: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS device_jobs (
		seq           INTEGER PRIMARY KEY AUTOINCREMENT,
		id            TEXT NOT NULL UNIQUE,
		device_id     TEXT NOT NULL,
		method        TEXT NOT NULL,
		entity        TEXT NOT NULL DEFAULT '',
		message       TEXT NOT NULL DEFAULT '',
		params        TEXT,
		username      TEXT NOT NULL DEFAULT '',
		state         TEXT NOT NULL,
		attempts      INTEGER NOT NULL DEFAULT 0,
		result        TEXT,
		error         TEXT NOT NULL DEFAULT '',
		created_at    TEXT NOT NULL,
		updated_at    TEXT NOT NULL,
		dispatched_at TEXT,
		finished_at   TEXT
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create device_jobs table: %w", err)
	}

	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_device_jobs_device_state ON device_jobs(device_id, state, seq)`)
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_device_jobs_state ON device_jobs(state)`)
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_device_jobs_finished ON device_jobs(finished_at)`)

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Enqueue inserts a new queued job for a device and returns it with its
// assigned id and seq.
func (s *Store) Enqueue(job Job) (*Job, error) {
	if strings.TrimSpace(job.DeviceID) == "" {
		return nil, fmt.Errorf("device_id required")
	}
	if strings.TrimSpace(job.Method) == "" {
		return nil, fmt.Errorf("method required")
	}

	now := time.Now().UTC()
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	job.State = StateQueued
	job.CreatedAt = now
	job.UpdatedAt = now

	res, err := s.db.Exec(`INSERT INTO device_jobs (id, device_id, method, entity, message, params, username, state, attempts, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		job.ID,
		job.DeviceID,
		job.Method,
		job.Entity,
		job.Message,
		nullableBytes(job.Params),
		job.Username,
		job.State,
		now.Format(time.RFC3339Nano),
		now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}
	job.Seq, _ = res.LastInsertId()

	out := job
	return &out, nil
}

// Get returns one job by id.
func (s *Store) Get(id string) (*Job, error) {
	row := s.db.QueryRow(selectJob+` WHERE id = ?`, id)
	return scanJob(row)
}

// NextQueued returns the oldest queued job for a device, or sql.ErrNoRows.
func (s *Store) NextQueued(deviceID string) (*Job, error) {
	row := s.db.QueryRow(selectJob+` WHERE device_id = ? AND state = ? ORDER BY seq ASC LIMIT 1`,
		deviceID, StateQueued)
	return scanJob(row)
}

// MarkDispatched moves a queued job to dispatched and bumps its attempt
// counter. Fails with ErrStateConflict when the job left the queued state
// concurrently (e.g. a Remove raced the worker).
func (s *Store) MarkDispatched(id string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.Exec(`UPDATE device_jobs
		SET state = ?, attempts = attempts + 1, updated_at = ?, dispatched_at = ?
		WHERE id = ? AND state = ?`,
		StateDispatched, now, now, id, StateQueued)
	if err != nil {
		return fmt.Errorf("mark dispatched: %w", err)
	}
	return s.transitionResult(res, id)
}

// Complete finalizes a dispatched job with the device's result.
func (s *Store) Complete(id string, result []byte) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.Exec(`UPDATE device_jobs
		SET state = ?, result = ?, updated_at = ?, finished_at = ?
		WHERE id = ? AND state = ?`,
		StateCompleted, nullableBytes(result), now, now, id, StateDispatched)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return s.transitionResult(res, id)
}

// Fail finalizes a dispatched job with an error message.
func (s *Store) Fail(id, errMsg string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.Exec(`UPDATE device_jobs
		SET state = ?, error = ?, updated_at = ?, finished_at = ?
		WHERE id = ? AND state = ?`,
		StateFailed, errMsg, now, now, id, StateDispatched)
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	return s.transitionResult(res, id)
}

// Remove withdraws a job that has not been dispatched yet. A job already
// sent to the device cannot be removed.
func (s *Store) Remove(id string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.Exec(`UPDATE device_jobs
		SET state = ?, updated_at = ?, finished_at = ?
		WHERE id = ? AND state = ?`,
		StateRemoved, now, now, id, StateQueued)
	if err != nil {
		return fmt.Errorf("remove job: %w", err)
	}
	return s.transitionResult(res, id)
}

// Requeue returns a dispatched job to queued, keeping its seq so it stays at
// the front of the device's queue. Used when delivery ends without a result.
func (s *Store) Requeue(id string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.Exec(`UPDATE device_jobs
		SET state = ?, updated_at = ?, dispatched_at = NULL
		WHERE id = ? AND state = ?`,
		StateQueued, now, id, StateDispatched)
	if err != nil {
		return fmt.Errorf("requeue job: %w", err)
	}
	return s.transitionResult(res, id)
}

// RequeueDispatched returns every dispatched job for a device to queued.
// Called when the device's channel goes away with deliveries in flight.
func (s *Store) RequeueDispatched(deviceID string) (int64, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.Exec(`UPDATE device_jobs
		SET state = ?, updated_at = ?, dispatched_at = NULL
		WHERE device_id = ? AND state = ?`,
		StateQueued, now, deviceID, StateDispatched)
	if err != nil {
		return 0, fmt.Errorf("requeue dispatched: %w", err)
	}
	return res.RowsAffected()
}

// RequeueAllDispatched returns every dispatched job to queued, across all
// devices. Called once at startup: in-flight state does not survive a restart.
func (s *Store) RequeueAllDispatched() (int64, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.Exec(`UPDATE device_jobs
		SET state = ?, updated_at = ?, dispatched_at = NULL
		WHERE state = ?`,
		StateQueued, now, StateDispatched)
	if err != nil {
		return 0, fmt.Errorf("requeue all dispatched: %w", err)
	}
	return res.RowsAffected()
}

// ListByDevice returns a device's jobs, newest first, optionally filtered by
// state.
func (s *Store) ListByDevice(deviceID, state string, limit int) ([]Job, error) {
	limit = normalizeListLimit(limit)

	stmt := selectJob + ` WHERE device_id = ?`
	args := []any{deviceID}
	if state != "" {
		stmt += ` AND state = ?`
		args = append(args, state)
	}
	stmt += ` ORDER BY seq DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(stmt, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Job, 0, limit)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			continue
		}
		out = append(out, *job)
	}
	return out, rows.Err()
}

// CountByState returns the number of jobs in each state.
func (s *Store) CountByState() (map[string]int, error) {
	rows, err := s.db.Query(`SELECT state, COUNT(*) FROM device_jobs GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		out[state] = n
	}
	return out, rows.Err()
}

// PurgeFinishedOlderThan deletes terminal jobs whose finished_at is older
// than age. Returns the number of rows removed.
func (s *Store) PurgeFinishedOlderThan(age time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-age).Format(time.RFC3339Nano)
	res, err := s.db.Exec(`DELETE FROM device_jobs
		WHERE state IN (?, ?, ?) AND finished_at IS NOT NULL AND finished_at < ?`,
		StateCompleted, StateFailed, StateRemoved, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge finished jobs: %w", err)
	}
	return res.RowsAffected()
}

// transitionResult maps a zero-row UPDATE to the right error: ErrStateConflict
// when the job exists in another state, sql.ErrNoRows when it does not exist.
func (s *Store) transitionResult(res sql.Result, id string) error {
	rows, _ := res.RowsAffected()
	if rows > 0 {
		return nil
	}
	var one int
	if err := s.db.QueryRow(`SELECT 1 FROM device_jobs WHERE id = ?`, id).Scan(&one); err != nil {
		return sql.ErrNoRows
	}
	return ErrStateConflict
}

func normalizeListLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

const selectJob = `SELECT seq, id, device_id, method, entity, message, params, username, state, attempts, result, error, created_at, updated_at, dispatched_at, finished_at
	FROM device_jobs`

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(s scanner) (*Job, error) {
	var (
		job                  Job
		params, result       sql.NullString
		createdAt, updatedAt string
		dispatchedAt         sql.NullString
		finishedAt           sql.NullString
	)

	if err := s.Scan(
		&job.Seq,
		&job.ID,
		&job.DeviceID,
		&job.Method,
		&job.Entity,
		&job.Message,
		&params,
		&job.Username,
		&job.State,
		&job.Attempts,
		&result,
		&job.Error,
		&createdAt,
		&updatedAt,
		&dispatchedAt,
		&finishedAt,
	); err != nil {
		return nil, err
	}

	if params.Valid && params.String != "" {
		job.Params = []byte(params.String)
	}
	if result.Valid && result.String != "" {
		job.Result = []byte(result.String)
	}
	job.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	job.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	job.DispatchedAt = parseNullableTime(dispatchedAt)
	job.FinishedAt = parseNullableTime(finishedAt)
	return &job, nil
}

func parseNullableTime(v sql.NullString) *time.Time {
	if !v.Valid || v.String == "" {
		return nil
	}
	ts, err := time.Parse(time.RFC3339Nano, v.String)
	if err != nil {
		return nil
	}
	return &ts
}

func nullableBytes(b []byte) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

// IsNotFound reports whether err is sql.ErrNoRows.
func IsNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
