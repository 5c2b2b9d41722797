// Package registry holds the process-wide job and measurement state shared
// between sessions and the HTTP layer. Every method takes the registry's lock
// for the duration of the mutation or copy; callers only ever see snapshots.
package registry

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned for unknown job or measurement ids.
	ErrNotFound = errors.New("not found")
	// ErrJobDone is returned when a finished job is mutated.
	ErrJobDone = errors.New("job already finished")
)

// JobState follows created -> running -> done | failed.
type JobState string

const (
	JobCreated JobState = "created"
	JobRunning JobState = "running"
	JobDone    JobState = "done"
	JobFailed  JobState = "failed"
)

// JobConfig is fixed at submission.
type JobConfig struct {
	Crop bool    `json:"crop"`
	Zoom float64 `json:"zoom"`
}

// DefaultZoom is the crop zoom used when none is given.
const DefaultZoom = 1.4

// Job is a batch video analysis.
type Job struct {
	ID             string    `json:"id"`
	State          JobState  `json:"state"`
	Source         string    `json:"source"`
	MeasurementID  string    `json:"measurement_id,omitempty"`
	Progress       float64   `json:"progress"`
	Done           bool      `json:"done"`
	Error          string    `json:"error,omitempty"`
	OutputPath     string    `json:"overlay_path,omitempty"`
	LastBPM        float64   `json:"last_bpm"`
	LastConfidence float64   `json:"last_conf"`
	Frames         int       `json:"frames"`
	Elapsed        float64   `json:"elapsed,omitempty"`
	Config         JobConfig `json:"cfg"`
	CreatedAt      time.Time `json:"created_at"`
}

// Jobs is the lock-guarded job table.
type Jobs struct {
	mu   sync.Mutex
	jobs map[string]*Job
	now  func() time.Time
}

// NewJobs returns an empty job registry.
func NewJobs() *Jobs {
	return &Jobs{jobs: make(map[string]*Job), now: time.Now}
}

// Create registers a new job in the created state.
func (r *Jobs) Create(source, measurementID string, cfg JobConfig) Job {
	if cfg.Zoom <= 0 {
		cfg.Zoom = DefaultZoom
	}
	j := &Job{
		ID:            uuid.NewString(),
		State:         JobCreated,
		Source:        source,
		MeasurementID: measurementID,
		LastBPM:       -1,
		Config:        cfg,
		CreatedAt:     r.now(),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[j.ID] = j
	return *j
}

// Get returns a snapshot of the job.
func (r *Jobs) Get(id string) (Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	return *j, nil
}

// List returns snapshots of every job, oldest first.
func (r *Jobs) List() []Job {
	r.mu.Lock()
	out := make([]Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		out = append(out, *j)
	}
	r.mu.Unlock()

	sort.Slice(out, func(a, b int) bool {
		if out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].ID < out[b].ID
		}
		return out[a].CreatedAt.Before(out[b].CreatedAt)
	})
	return out
}

// Start moves a created job to running.
func (r *Jobs) Start(id string) error {
	return r.mutate(id, func(j *Job) {
		j.State = JobRunning
	})
}

// Report records progress and the latest metrics. Progress never decreases
// and is capped at 1.
func (r *Jobs) Report(id string, progress, bpm, confidence float64, frames int) error {
	return r.mutate(id, func(j *Job) {
		j.State = JobRunning
		if progress > j.Progress {
			j.Progress = min(progress, 1)
		}
		j.LastBPM = bpm
		j.LastConfidence = confidence
		j.Frames = frames
	})
}

// Finish marks the job done with its output artifact.
func (r *Jobs) Finish(id, outputPath string, elapsed time.Duration) error {
	return r.mutate(id, func(j *Job) {
		j.State = JobDone
		j.Done = true
		j.Progress = 1
		j.OutputPath = outputPath
		j.Elapsed = elapsed.Seconds()
	})
}

// Fail marks the job done with an error message. Progress is left where it stalled.
func (r *Jobs) Fail(id, message string, elapsed time.Duration) error {
	return r.mutate(id, func(j *Job) {
		j.State = JobFailed
		j.Done = true
		j.Error = message
		j.Elapsed = elapsed.Seconds()
	})
}

// Delete removes a job. A running job aborts at its next progress report.
func (r *Jobs) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[id]; !ok {
		return ErrNotFound
	}
	delete(r.jobs, id)
	return nil
}

func (r *Jobs) mutate(id string, fn func(*Job)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if j.Done {
		return ErrJobDone
	}
	fn(j)
	return nil
}
