// Package results persists processed traffic records and job failures
package results

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Spatial-NVR/trafficspeed/internal/database"
	"github.com/Spatial-NVR/trafficspeed/internal/jobs"
)

// ErrNotFound is returned when a record id is unknown
var ErrNotFound = errors.New("record not found")

// DefaultLimit caps List when no limit is given
const DefaultLimit = 100

// ListOptions filters List
type ListOptions struct {
	CameraID int
	Since    *time.Time // window_start >= Since
	Until    *time.Time // window_start < Until
	Limit    int
	Offset   int
}

// Store is the sqlite-backed results repository
type Store struct {
	db     *database.DB
	logger *slog.Logger
}

// NewStore creates a store on a migrated database
func NewStore(db *database.DB) *Store {
	return &Store{
		db:     db,
		logger: slog.Default().With("component", "results"),
	}
}

// Save inserts a result, assigning an id if it has none
func (s *Store) Save(ctx context.Context, r *jobs.Result) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.ProcessedAt.IsZero() {
		r.ProcessedAt = time.Now().UTC()
	}

	samples := r.SpeedSamples
	if samples == nil {
		samples = []float64{}
	}
	encoded, err := json.Marshal(samples)
	if err != nil {
		return fmt.Errorf("failed to encode samples: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO traffic_records (
			id, job_id, camera_id, window_start, window_end,
			vehicle_count, average_speed, p85_speed, stddev_speed, samples,
			frames_read, frames_processed, backend_errors, duration_ms, processed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		r.ID, r.JobID, r.CameraID, nullMillis(r.WindowStart), nullMillis(r.WindowEnd),
		r.VehicleCount, r.AverageSpeed, r.P85Speed, r.StdDevSpeed, string(encoded),
		r.FramesRead, r.FramesProcessed, r.BackendErrors, r.Duration.Milliseconds(), r.ProcessedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to save result for job %s: %w", r.JobID, err)
	}

	s.logger.Debug("Result saved", "job_id", r.JobID, "camera_id", r.CameraID)
	return nil
}

const selectRecord = `
	SELECT id, job_id, camera_id, window_start, window_end,
	       vehicle_count, average_speed, p85_speed, stddev_speed, samples,
	       frames_read, frames_processed, backend_errors, duration_ms, processed_at
	FROM traffic_records`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*jobs.Result, error) {
	r := &jobs.Result{}
	var windowStart, windowEnd sql.NullInt64
	var samples string
	var durationMs, processedAt int64

	err := row.Scan(
		&r.ID, &r.JobID, &r.CameraID, &windowStart, &windowEnd,
		&r.VehicleCount, &r.AverageSpeed, &r.P85Speed, &r.StdDevSpeed, &samples,
		&r.FramesRead, &r.FramesProcessed, &r.BackendErrors, &durationMs, &processedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(samples), &r.SpeedSamples); err != nil {
		return nil, fmt.Errorf("corrupt samples for record %s: %w", r.ID, err)
	}
	r.WindowStart = fromMillis(windowStart)
	r.WindowEnd = fromMillis(windowEnd)
	r.Duration = time.Duration(durationMs) * time.Millisecond
	r.ProcessedAt = time.UnixMilli(processedAt).UTC()
	return r, nil
}

// Get returns one record
func (s *Store) Get(ctx context.Context, id string) (*jobs.Result, error) {
	r, err := scanRecord(s.db.QueryRowContext(ctx, selectRecord+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return r, err
}

// List returns matching records, newest window first, and the total match count
func (s *Store) List(ctx context.Context, opts ListOptions) ([]*jobs.Result, int, error) {
	var conditions []string
	var args []any

	if opts.CameraID != 0 {
		conditions = append(conditions, "camera_id = ?")
		args = append(args, opts.CameraID)
	}
	if opts.Since != nil {
		conditions = append(conditions, "window_start >= ?")
		args = append(args, opts.Since.UnixMilli())
	}
	if opts.Until != nil {
		conditions = append(conditions, "window_start < ?")
		args = append(args, opts.Until.UnixMilli())
	}

	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM traffic_records"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count records: %w", err)
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}

	query := selectRecord + where + " ORDER BY window_start DESC, processed_at DESC LIMIT ? OFFSET ?"
	rows, err := s.db.QueryContext(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	records := []*jobs.Result{}
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, 0, err
		}
		records = append(records, r)
	}
	return records, total, rows.Err()
}

// SaveFailure records a job that could not be processed
func (s *Store) SaveFailure(ctx context.Context, f jobs.Failure) error {
	if f.At.IsZero() {
		f.At = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_failures (job_id, camera_id, kind, message, failed_at)
		VALUES (?, ?, ?, ?, ?)
	`, f.JobID, f.CameraID, f.Kind, f.Message, f.At.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to save failure for job %s: %w", f.JobID, err)
	}
	return nil
}

// ListFailures returns the most recent failures first
func (s *Store) ListFailures(ctx context.Context, limit int) ([]jobs.Failure, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, camera_id, kind, message, failed_at
		FROM job_failures
		ORDER BY failed_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list failures: %w", err)
	}
	defer rows.Close()

	failures := []jobs.Failure{}
	for rows.Next() {
		var f jobs.Failure
		var at int64
		if err := rows.Scan(&f.JobID, &f.CameraID, &f.Kind, &f.Message, &at); err != nil {
			return nil, err
		}
		f.At = time.UnixMilli(at).UTC()
		failures = append(failures, f)
	}
	return failures, rows.Err()
}

func nullMillis(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromMillis(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.UnixMilli(v.Int64).UTC()
}
