package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/andresmejia3/pulse/internal/registry"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// newTestStore starts a throwaway Postgres container. It requires Docker and
// skips when it is unavailable.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	ctx := context.Background()

	// We wrap this in a function to recover from panics inside testcontainers (e.g. socket not found)
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("testcontainers panicked: %v", r)
			}
		}()
		cli, err := testcontainers.NewDockerClientWithOpts(ctx)
		if err != nil {
			return err
		}
		defer cli.Close()
		_, err = cli.Ping(ctx)
		return err
	}()
	if err != nil {
		t.Skipf("Docker not available, skipping integration test: %v", err)
	}

	pgContainer, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("pulse_test"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
		testcontainers.WithLogger(noopLogger{}),
	)
	if err != nil {
		t.Fatalf("Failed to start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Errorf("Failed to terminate container: %v", err)
		}
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Failed to get connection string: %v", err)
	}

	// Initialize Store (runs migrations)
	s, err := New(ctx, connStr)
	if err != nil {
		t.Fatalf("Failed to connect to store: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func TestStoreIntegration(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// --- Measurements ---

	m := registry.Measurement{ID: "m-1", Name: "rest", Notes: "seated", CreatedAt: created}
	for i := 0; i < 3; i++ {
		m.Samples = append(m.Samples, registry.Sample{At: created.Add(time.Duration(i) * time.Second), BPM: 60 + float64(i), Confidence: 0.5})
	}
	if err := s.SaveMeasurement(ctx, m); err != nil {
		t.Fatalf("SaveMeasurement failed: %v", err)
	}

	// Saving again replaces samples instead of duplicating them
	m.Samples = m.Samples[:2]
	if err := s.SaveMeasurement(ctx, m); err != nil {
		t.Fatalf("SaveMeasurement (update) failed: %v", err)
	}

	got, err := s.GetMeasurement(ctx, "m-1")
	if err != nil {
		t.Fatalf("GetMeasurement failed: %v", err)
	}
	if len(got.Samples) != 2 {
		t.Fatalf("Expected 2 samples, got %d", len(got.Samples))
	}
	if got.Samples[1].BPM != 61 {
		t.Errorf("Expected second sample bpm 61, got %v", got.Samples[1].BPM)
	}

	list, err := s.ListMeasurements(ctx)
	if err != nil {
		t.Fatalf("ListMeasurements failed: %v", err)
	}
	if len(list) != 1 || list[0].Samples != 2 || list[0].MeanBPM != 60.5 {
		t.Errorf("Unexpected listing: %+v", list)
	}

	if err := s.RenameMeasurement(ctx, "m-1", "after run"); err != nil {
		t.Fatalf("RenameMeasurement failed: %v", err)
	}
	if err := s.RenameMeasurement(ctx, "missing", "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	if _, err := s.GetMeasurement(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	// --- Jobs ---

	job := registry.Job{
		ID: "job-1", Source: "clip.mp4", State: registry.JobRunning,
		LastBPM: -1, CreatedAt: created,
	}
	if err := s.SaveJob(ctx, job); err != nil {
		t.Fatalf("SaveJob failed: %v", err)
	}
	job.State, job.OutputPath, job.Frames, job.LastBPM = registry.JobDone, "out.mp4", 300, 72
	if err := s.SaveJob(ctx, job); err != nil {
		t.Fatalf("SaveJob (update) failed: %v", err)
	}
	jobs, err := s.ListJobs(ctx)
	if err != nil {
		t.Fatalf("ListJobs failed: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("Expected 1 job, got %d", len(jobs))
	}
	if j := jobs[0]; j.State != registry.JobDone || !j.Done || j.Frames != 300 || j.LastBPM != 72 || j.MeasurementID != "" {
		t.Errorf("Unexpected archived job: %+v", j)
	}

	// --- Reset ---

	if err := s.Reset(ctx); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if _, err := s.ListJobs(ctx); err == nil {
		t.Error("Expected an error listing jobs after reset")
	}
}

type noopLogger struct{}

func (n noopLogger) Printf(format string, v ...interface{}) {}
