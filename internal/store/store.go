// Package store archives finished jobs and measurements in PostgreSQL.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/andresmejia3/pulse/internal/registry"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when an archived row does not exist.
var ErrNotFound = errors.New("not found in archive")

// Store manages the PostgreSQL connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// New establishes a connection pool and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{pool: pool}, nil
}

// initSchema creates the necessary tables if they don't exist (Auto-Migration).
func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	query := `
		CREATE TABLE IF NOT EXISTS measurements (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			notes TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			archived_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS measurement_samples (
			id BIGSERIAL PRIMARY KEY,
			measurement_id TEXT REFERENCES measurements(id) ON DELETE CASCADE,
			ts TIMESTAMPTZ NOT NULL,
			bpm DOUBLE PRECISION NOT NULL,
			confidence DOUBLE PRECISION NOT NULL
		);
		CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			source TEXT NOT NULL,
			measurement_id TEXT,
			state TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			overlay_path TEXT NOT NULL DEFAULT '',
			frames INT NOT NULL DEFAULT 0,
			last_bpm DOUBLE PRECISION NOT NULL,
			last_confidence DOUBLE PRECISION NOT NULL,
			elapsed DOUBLE PRECISION NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS measurement_samples_mid_idx ON measurement_samples (measurement_id);
	`
	_, err := pool.Exec(ctx, query)
	return err
}

// Close releases every pooled connection.
func (s *Store) Close() {
	s.pool.Close()
}

// SaveJob upserts a job snapshot.
func (s *Store) SaveJob(ctx context.Context, j registry.Job) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (id, source, measurement_id, state, error, overlay_path, frames, last_bpm, last_confidence, elapsed, created_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state, error = EXCLUDED.error, overlay_path = EXCLUDED.overlay_path,
			frames = EXCLUDED.frames, last_bpm = EXCLUDED.last_bpm,
			last_confidence = EXCLUDED.last_confidence, elapsed = EXCLUDED.elapsed
	`, j.ID, j.Source, j.MeasurementID, string(j.State), j.Error, j.OutputPath, j.Frames,
		j.LastBPM, j.LastConfidence, j.Elapsed, j.CreatedAt)
	return err
}

// ListJobs returns archived jobs, newest first.
func (s *Store) ListJobs(ctx context.Context) ([]registry.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, source, COALESCE(measurement_id, ''), state, error, overlay_path, frames,
		       last_bpm, last_confidence, elapsed, created_at
		FROM jobs ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []registry.Job
	for rows.Next() {
		var j registry.Job
		var state string
		if err := rows.Scan(&j.ID, &j.Source, &j.MeasurementID, &state, &j.Error, &j.OutputPath,
			&j.Frames, &j.LastBPM, &j.LastConfidence, &j.Elapsed, &j.CreatedAt); err != nil {
			return nil, err
		}
		j.State = registry.JobState(state)
		j.Done = j.State == registry.JobDone || j.State == registry.JobFailed
		if j.State == registry.JobDone {
			j.Progress = 1
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// SaveMeasurement replaces the archived copy of m, samples included.
func (s *Store) SaveMeasurement(ctx context.Context, m registry.Measurement) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO measurements (id, name, notes, created_at, archived_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, notes = EXCLUDED.notes, archived_at = NOW()
	`, m.ID, m.Name, m.Notes, m.CreatedAt)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, "DELETE FROM measurement_samples WHERE measurement_id = $1", m.ID); err != nil {
		return err
	}

	rows := make([][]any, len(m.Samples))
	for i, smp := range m.Samples {
		rows[i] = []any{m.ID, smp.At, smp.BPM, smp.Confidence}
	}
	_, err = tx.CopyFrom(ctx,
		pgx.Identifier{"measurement_samples"},
		[]string{"measurement_id", "ts", "bpm", "confidence"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// MeasurementSummary is one row of the archive listing.
type MeasurementSummary struct {
	ID        string
	Name      string
	Samples   int
	MeanBPM   float64
	CreatedAt time.Time
}

// ListMeasurements summarizes archived measurements, newest first.
func (s *Store) ListMeasurements(ctx context.Context) ([]MeasurementSummary, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT m.id, m.name, COUNT(s.id), COALESCE(AVG(s.bpm), 0), m.created_at
		FROM measurements m
		LEFT JOIN measurement_samples s ON s.measurement_id = m.id
		GROUP BY m.id
		ORDER BY m.created_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MeasurementSummary
	for rows.Next() {
		var m MeasurementSummary
		if err := rows.Scan(&m.ID, &m.Name, &m.Samples, &m.MeanBPM, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// GetMeasurement loads an archived measurement with its samples.
func (s *Store) GetMeasurement(ctx context.Context, id string) (registry.Measurement, error) {
	var m registry.Measurement
	err := s.pool.QueryRow(ctx, "SELECT id, name, notes, created_at FROM measurements WHERE id = $1", id).
		Scan(&m.ID, &m.Name, &m.Notes, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}

	rows, err := s.pool.Query(ctx, "SELECT ts, bpm, confidence FROM measurement_samples WHERE measurement_id = $1 ORDER BY ts, id", id)
	if err != nil {
		return m, err
	}
	defer rows.Close()
	for rows.Next() {
		var smp registry.Sample
		if err := rows.Scan(&smp.At, &smp.BPM, &smp.Confidence); err != nil {
			return m, err
		}
		m.Samples = append(m.Samples, smp)
	}
	return m, rows.Err()
}

// RenameMeasurement updates the name of an archived measurement.
func (s *Store) RenameMeasurement(ctx context.Context, id, name string) error {
	tag, err := s.pool.Exec(ctx, "UPDATE measurements SET name = $1 WHERE id = $2", name, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Reset drops all application tables to clear the database state.
// This is useful for development to force a schema refresh without migrations.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		DROP TABLE IF EXISTS measurement_samples CASCADE;
		DROP TABLE IF EXISTS measurements CASCADE;
		DROP TABLE IF EXISTS jobs CASCADE;
	`)
	return err
}
