package registry

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobLifecycle(t *testing.T) {
	r := NewJobs()
	j := r.Create("/tmp/in.mp4", "", JobConfig{Crop: true})

	assert.Equal(t, JobCreated, j.State)
	assert.Equal(t, DefaultZoom, j.Config.Zoom)
	assert.Equal(t, -1.0, j.LastBPM)

	require.NoError(t, r.Start(j.ID))
	require.NoError(t, r.Report(j.ID, 0.5, 72, 0.4, 10))
	require.NoError(t, r.Report(j.ID, 0.3, 73, 0.5, 11)) // stale progress ignored

	got, err := r.Get(j.ID)
	require.NoError(t, err)
	assert.Equal(t, JobRunning, got.State)
	assert.Equal(t, 0.5, got.Progress)
	assert.Equal(t, 73.0, got.LastBPM)

	require.NoError(t, r.Finish(j.ID, "/tmp/out.mp4", 2*time.Second))
	got, _ = r.Get(j.ID)
	assert.True(t, got.Done)
	assert.Equal(t, JobDone, got.State)
	assert.Equal(t, 1.0, got.Progress)
	assert.Equal(t, "/tmp/out.mp4", got.OutputPath)
	assert.Equal(t, 2.0, got.Elapsed)

	// Terminal jobs are immutable.
	assert.ErrorIs(t, r.Report(j.ID, 0.9, 1, 1, 1), ErrJobDone)
	assert.ErrorIs(t, r.Fail(j.ID, "late", 0), ErrJobDone)
}

func TestJobFailure(t *testing.T) {
	r := NewJobs()
	j := r.Create("bad.mp4", "", JobConfig{})
	require.NoError(t, r.Report(j.ID, 0.25, -1, 0, 3))
	require.NoError(t, r.Fail(j.ID, "decoder exited", time.Second))

	got, err := r.Get(j.ID)
	require.NoError(t, err)
	assert.Equal(t, JobFailed, got.State)
	assert.True(t, got.Done)
	assert.Equal(t, "decoder exited", got.Error)
	assert.Equal(t, 0.25, got.Progress)
}

func TestJobProgressCapped(t *testing.T) {
	r := NewJobs()
	j := r.Create("x", "", JobConfig{})
	require.NoError(t, r.Report(j.ID, 3, 0, 0, 1))
	got, _ := r.Get(j.ID)
	assert.Equal(t, 1.0, got.Progress)
}

func TestJobsUnknownID(t *testing.T) {
	r := NewJobs()
	_, err := r.Get("nope")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, r.Start("nope"), ErrNotFound)
	assert.ErrorIs(t, r.Delete("nope"), ErrNotFound)
}

func TestJobSnapshotIsCopy(t *testing.T) {
	r := NewJobs()
	j := r.Create("x", "", JobConfig{})
	snap, _ := r.Get(j.ID)
	snap.Progress = 0.9
	got, _ := r.Get(j.ID)
	assert.Equal(t, 0.0, got.Progress)
}

func TestMeasurementCRUD(t *testing.T) {
	r := NewMeasurements()
	m := r.Create("", "n")
	assert.Equal(t, DefaultName, m.Name)
	assert.Empty(t, m.Samples)

	name := "Resting"
	updated, err := r.Update(m.ID, MeasurementPatch{Name: &name})
	require.NoError(t, err)
	assert.Equal(t, "Resting", updated.Name)
	assert.Equal(t, "n", updated.Notes)

	require.NoError(t, r.Append(m.ID, Sample{At: time.Unix(1, 0), BPM: 70, Confidence: 0.3}))
	require.NoError(t, r.Append(m.ID, Sample{At: time.Unix(2, 0), BPM: 71, Confidence: 0.4}))

	list := r.List()
	require.Len(t, list, 1)
	require.Len(t, list[0].Samples, 2)
	assert.Equal(t, 71.0, list[0].Samples[1].BPM)

	// Snapshots must not alias registry storage.
	list[0].Samples[0].BPM = 999
	got, _ := r.Get(m.ID)
	assert.Equal(t, 70.0, got.Samples[0].BPM)

	deleted, err := r.Delete(m.ID)
	require.NoError(t, err)
	assert.Len(t, deleted.Samples, 2)
	assert.ErrorIs(t, r.Append(m.ID, Sample{}), ErrNotFound)
	_, err = r.Update(m.ID, MeasurementPatch{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMeasurementConcurrentAppend(t *testing.T) {
	r := NewMeasurements()
	m := r.Create("shared", "")

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				_ = r.Append(m.ID, Sample{BPM: float64(i)})
			}
		}()
	}
	wg.Wait()

	got, _ := r.Get(m.ID)
	assert.Len(t, got.Samples, 800)
}
