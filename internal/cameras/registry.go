// Package cameras stores traffic camera calibration and completes jobs that
// only name a camera
package cameras

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/Spatial-NVR/trafficspeed/internal/database"
	"github.com/Spatial-NVR/trafficspeed/internal/jobs"
)

var (
	// ErrNotFound is returned when a camera id is unknown
	ErrNotFound = errors.New("camera not found")

	// ErrDuplicate is returned when creating a camera with a taken id
	ErrDuplicate = errors.New("camera already exists")
)

// Camera is a registered traffic camera and its calibration
type Camera struct {
	ID               int           `json:"traffic_cam_id"`
	Alias            string        `json:"alias"`
	Lat              float64       `json:"location_lat"`
	Lng              float64       `json:"location_lng"`
	StartLine        jobs.LineSpec `json:"start_ref_line"`
	FinishLine       jobs.LineSpec `json:"finish_ref_line"`
	RefDistance      float64       `json:"ref_distance"`
	TrackOrientation string        `json:"track_orientation"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// Validate checks the calibration
func (c *Camera) Validate() error {
	if strings.TrimSpace(c.Alias) == "" {
		return &jobs.ConfigurationError{Field: "alias", Message: "is required"}
	}
	if c.Lat < -90 || c.Lat > 90 {
		return &jobs.ConfigurationError{Field: "location_lat", Message: "must be between -90 and 90"}
	}
	if c.Lng < -180 || c.Lng > 180 {
		return &jobs.ConfigurationError{Field: "location_lng", Message: "must be between -180 and 180"}
	}
	// Reuse job validation for lines, distance and orientation
	probe := jobs.Job{
		VideoPath:               "-",
		StartLine:               c.StartLine.Line(),
		FinishLine:              c.FinishLine.Line(),
		ReferenceDistanceMeters: c.RefDistance,
		TrackOrientation:        c.TrackOrientation,
	}
	return probe.Validate()
}

// Patch is a partial camera update. Nil fields are left unchanged.
type Patch struct {
	Alias            *string        `json:"alias,omitempty"`
	Lat              *float64       `json:"location_lat,omitempty"`
	Lng              *float64       `json:"location_lng,omitempty"`
	StartLine        *jobs.LineSpec `json:"start_ref_line,omitempty"`
	FinishLine       *jobs.LineSpec `json:"finish_ref_line,omitempty"`
	RefDistance      *float64       `json:"ref_distance,omitempty"`
	TrackOrientation *string        `json:"track_orientation,omitempty"`
}

func (p Patch) apply(c *Camera) {
	if p.Alias != nil {
		c.Alias = *p.Alias
	}
	if p.Lat != nil {
		c.Lat = *p.Lat
	}
	if p.Lng != nil {
		c.Lng = *p.Lng
	}
	if p.StartLine != nil {
		c.StartLine = *p.StartLine
	}
	if p.FinishLine != nil {
		c.FinishLine = *p.FinishLine
	}
	if p.RefDistance != nil {
		c.RefDistance = *p.RefDistance
	}
	if p.TrackOrientation != nil {
		c.TrackOrientation = strings.ToLower(*p.TrackOrientation)
	}
}

// Registry is the sqlite-backed camera store
type Registry struct {
	db     *database.DB
	logger *slog.Logger
}

// NewRegistry creates a registry on a migrated database
func NewRegistry(db *database.DB) *Registry {
	return &Registry{
		db:     db,
		logger: slog.Default().With("component", "cameras"),
	}
}

const selectColumns = `
	SELECT id, alias, lat, lng,
	       start_ax, start_ay, start_bx, start_by,
	       finish_ax, finish_ay, finish_bx, finish_by,
	       ref_distance, track_orientation, created_at, updated_at
	FROM traffic_cams`

type scanner interface {
	Scan(dest ...any) error
}

func scanCamera(row scanner) (*Camera, error) {
	c := &Camera{}
	var createdAt, updatedAt int64
	err := row.Scan(
		&c.ID, &c.Alias, &c.Lat, &c.Lng,
		&c.StartLine.AX, &c.StartLine.AY, &c.StartLine.BX, &c.StartLine.BY,
		&c.FinishLine.AX, &c.FinishLine.AY, &c.FinishLine.BX, &c.FinishLine.BY,
		&c.RefDistance, &c.TrackOrientation, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.CreatedAt = time.Unix(createdAt, 0).UTC()
	c.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return c, nil
}

// List returns every camera ordered by id
func (r *Registry) List(ctx context.Context) ([]*Camera, error) {
	rows, err := r.db.QueryContext(ctx, selectColumns+` ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list cameras: %w", err)
	}
	defer rows.Close()

	cams := []*Camera{}
	for rows.Next() {
		c, err := scanCamera(rows)
		if err != nil {
			return nil, err
		}
		cams = append(cams, c)
	}
	return cams, rows.Err()
}

// Get returns one camera
func (r *Registry) Get(ctx context.Context, id int) (*Camera, error) {
	c, err := scanCamera(r.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get camera %d: %w", id, err)
	}
	return c, nil
}

// Create validates and inserts a camera. A zero ID is assigned by the database.
func (r *Registry) Create(ctx context.Context, c *Camera) (*Camera, error) {
	c.TrackOrientation = strings.ToLower(c.TrackOrientation)
	if c.TrackOrientation == "" {
		c.TrackOrientation = jobs.OrientationHorizontal
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}

	var id any
	if c.ID != 0 {
		id = c.ID
	}

	now := time.Now().Unix()
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO traffic_cams (
			id, alias, lat, lng,
			start_ax, start_ay, start_bx, start_by,
			finish_ax, finish_ay, finish_bx, finish_by,
			ref_distance, track_orientation, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		id, c.Alias, c.Lat, c.Lng,
		c.StartLine.AX, c.StartLine.AY, c.StartLine.BX, c.StartLine.BY,
		c.FinishLine.AX, c.FinishLine.AY, c.FinishLine.BX, c.FinishLine.BY,
		c.RefDistance, c.TrackOrientation, now, now,
	)
	if err != nil {
		var sqlErr sqlite3.Error
		if errors.As(err, &sqlErr) && sqlErr.Code == sqlite3.ErrConstraint {
			return nil, fmt.Errorf("%w: %d", ErrDuplicate, c.ID)
		}
		return nil, fmt.Errorf("failed to create camera: %w", err)
	}

	newID, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}

	r.logger.Info("Camera created", "camera_id", newID, "alias", c.Alias)
	return r.Get(ctx, int(newID))
}

// Update applies a partial update and returns the stored camera
func (r *Registry) Update(ctx context.Context, id int, patch Patch) (*Camera, error) {
	c, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	patch.apply(c)
	if err := c.Validate(); err != nil {
		return nil, err
	}

	_, err = r.db.ExecContext(ctx, `
		UPDATE traffic_cams SET
			alias = ?, lat = ?, lng = ?,
			start_ax = ?, start_ay = ?, start_bx = ?, start_by = ?,
			finish_ax = ?, finish_ay = ?, finish_bx = ?, finish_by = ?,
			ref_distance = ?, track_orientation = ?, updated_at = ?
		WHERE id = ?
	`,
		c.Alias, c.Lat, c.Lng,
		c.StartLine.AX, c.StartLine.AY, c.StartLine.BX, c.StartLine.BY,
		c.FinishLine.AX, c.FinishLine.AY, c.FinishLine.BX, c.FinishLine.BY,
		c.RefDistance, c.TrackOrientation, time.Now().Unix(), id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update camera %d: %w", id, err)
	}

	r.logger.Info("Camera updated", "camera_id", id)
	return r.Get(ctx, id)
}

// Delete removes a camera
func (r *Registry) Delete(ctx context.Context, id int) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM traffic_cams WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete camera %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}

	r.logger.Info("Camera deleted", "camera_id", id)
	return nil
}

// Enrich fills a job's missing calibration from its camera. Jobs that
// already carry both lines and a distance are left untouched.
func (r *Registry) Enrich(ctx context.Context, job *jobs.Job) error {
	if job.HasCalibration() {
		return nil
	}
	if job.CameraID == 0 {
		return &jobs.ConfigurationError{Field: "traffic_cam_id", Message: "required when calibration is not supplied"}
	}

	c, err := r.Get(ctx, job.CameraID)
	if err != nil {
		return err
	}

	if job.StartLine.Degenerate() {
		job.StartLine = c.StartLine.Line()
		job.TrackOrientation = c.TrackOrientation
	}
	if job.FinishLine.Degenerate() {
		job.FinishLine = c.FinishLine.Line()
	}
	if job.ReferenceDistanceMeters <= 0 {
		job.ReferenceDistanceMeters = c.RefDistance
	}
	return nil
}
