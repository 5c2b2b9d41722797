package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultName is used for measurements created without a name.
const DefaultName = "Unnamed"

// Sample is one heart-rate observation contributed by a session.
type Sample struct {
	At         time.Time `json:"ts"`
	BPM        float64   `json:"bpm"`
	Confidence float64   `json:"confidence"`
}

// Measurement aggregates samples from any session that references its id.
type Measurement struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Notes     string    `json:"notes,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	Samples   []Sample  `json:"samples"`
}

// MeasurementPatch carries optional field updates; nil leaves a field unchanged.
type MeasurementPatch struct {
	Name  *string `json:"name"`
	Notes *string `json:"notes"`
}

// Measurements is the lock-guarded measurement table.
type Measurements struct {
	mu    sync.Mutex
	items map[string]*Measurement
	now   func() time.Time
}

// NewMeasurements returns an empty measurement registry.
func NewMeasurements() *Measurements {
	return &Measurements{items: make(map[string]*Measurement), now: time.Now}
}

// Create registers a new, empty measurement.
func (r *Measurements) Create(name, notes string) Measurement {
	if name == "" {
		name = DefaultName
	}
	m := &Measurement{
		ID:        uuid.NewString(),
		Name:      name,
		Notes:     notes,
		CreatedAt: r.now(),
		Samples:   []Sample{},
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[m.ID] = m
	return m.clone()
}

// Get returns a deep copy of the measurement.
func (r *Measurements) Get(id string) (Measurement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.items[id]
	if !ok {
		return Measurement{}, ErrNotFound
	}
	return m.clone(), nil
}

// Update applies a patch to name and notes.
func (r *Measurements) Update(id string, p MeasurementPatch) (Measurement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.items[id]
	if !ok {
		return Measurement{}, ErrNotFound
	}
	if p.Name != nil {
		m.Name = *p.Name
	}
	if p.Notes != nil {
		m.Notes = *p.Notes
	}
	return m.clone(), nil
}

// Delete removes the measurement and returns its final state.
func (r *Measurements) Delete(id string) (Measurement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.items[id]
	if !ok {
		return Measurement{}, ErrNotFound
	}
	delete(r.items, id)
	return m.clone(), nil
}

// List returns deep copies of every measurement, oldest first.
func (r *Measurements) List() []Measurement {
	r.mu.Lock()
	out := make([]Measurement, 0, len(r.items))
	for _, m := range r.items {
		out = append(out, m.clone())
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

// Append adds a sample. Unknown ids are reported with ErrNotFound so a
// session can keep running after its measurement was deleted.
func (r *Measurements) Append(id string, s Sample) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.items[id]
	if !ok {
		return ErrNotFound
	}
	m.Samples = append(m.Samples, s)
	return nil
}

func (m *Measurement) clone() Measurement {
	c := *m
	c.Samples = append([]Sample(nil), m.Samples...)
	if c.Samples == nil {
		c.Samples = []Sample{}
	}
	return c
}
