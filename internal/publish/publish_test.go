package publish

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	subjects []string
	payloads [][]byte
}

func (r *recorder) Publish(subj string, data []byte) error {
	r.subjects = append(r.subjects, subj)
	r.payloads = append(r.payloads, data)
	return nil
}

func TestNATSPublishesJSONOnSessionSubject(t *testing.T) {
	rec := &recorder{}
	p := &NATS{conn: rec, prefix: DefaultPrefix}

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	err := p.Publish(context.Background(), Metric{Session: "abc", Mode: "live", At: at, BPM: 72, Confidence: 0.5})
	require.NoError(t, err)

	require.Len(t, rec.subjects, 1)
	assert.Equal(t, "pulse.metrics.abc", rec.subjects[0])

	var got Metric
	require.NoError(t, json.Unmarshal(rec.payloads[0], &got))
	assert.Equal(t, 72.0, got.BPM)
	assert.Equal(t, "live", got.Mode)
	assert.True(t, at.Equal(got.At))

	p.Close() // no live connection: must not panic
}

func TestNop(t *testing.T) {
	var p Publisher = Nop{}
	assert.NoError(t, p.Publish(context.Background(), Metric{}))
	p.Close()
}
