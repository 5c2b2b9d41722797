package cmd

import (
	"bufio"
	"bytes"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/andresmejia3/pulse/internal/registry"
	"github.com/andresmejia3/pulse/internal/store"
)

func TestFmtTime(t *testing.T) {
	tests := []struct {
		seconds float64
		want    string
	}{
		{0, "00:00:00"},
		{65, "00:01:05"},
		{3661, "01:01:01"},
	}

	for _, tt := range tests {
		if got := fmtTime(tt.seconds); got != tt.want {
			t.Errorf("fmtTime(%v) = %v, want %v", tt.seconds, got, tt.want)
		}
	}
}

func TestValidateAnalyzeFlags(t *testing.T) {
	// Create a temp file for valid input
	tmpFile, err := os.CreateTemp("", "video.mp4")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(tmpFile.Name())
	tmpFile.Close()

	tmpDir := t.TempDir()

	tests := []struct {
		name    string
		opts    Options
		wantErr bool
	}{
		{
			name:    "Valid options",
			opts:    Options{InputPath: tmpFile.Name(), Zoom: 1.4, NumEngines: 2},
			wantErr: false,
		},
		{
			name:    "Input file does not exist",
			opts:    Options{InputPath: "nonexistent.mp4", Zoom: 1.4},
			wantErr: true,
		},
		{
			name:    "Input is directory",
			opts:    Options{InputPath: tmpDir, Zoom: 1.4},
			wantErr: true,
		},
		{
			name:    "Invalid zoom",
			opts:    Options{InputPath: tmpFile.Name(), Zoom: 0},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := validateAnalyzeFlags(&tt.opts); (err != nil) != tt.wantErr {
				t.Errorf("validateAnalyzeFlags() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}

	negative := Options{InputPath: tmpFile.Name(), Zoom: 1, NumEngines: -3}
	if err := validateAnalyzeFlags(&negative); err != nil || negative.NumEngines != 0 {
		t.Errorf("Expected negative engines clamped to 0, got %d (%v)", negative.NumEngines, err)
	}
}

func TestSummarize(t *testing.T) {
	if _, _, ok := summarize(nil); ok {
		t.Error("Expected no summary for an empty measurement")
	}
	mean, sd, ok := summarize([]registry.Sample{{BPM: 60}, {BPM: 70}, {BPM: 80}})
	if !ok || mean != 70 {
		t.Errorf("summarize() mean = %v, ok = %v", mean, ok)
	}
	if sd < 8.16 || sd > 8.17 {
		t.Errorf("summarize() sd = %v, want ~8.165", sd)
	}
}

func TestWriteTables(t *testing.T) {
	created := time.Date(2026, 1, 2, 3, 4, 0, 0, time.UTC)

	var buf bytes.Buffer
	writeMeasurements(&buf, []store.MeasurementSummary{
		{ID: "m1", Name: "rest", Samples: 3, MeanBPM: 64.25, CreatedAt: created},
		{ID: "m2", Name: "Unnamed", CreatedAt: created},
	})
	out := buf.String()
	for _, want := range []string{"MEAN BPM", "rest", "64.2", "--"} {
		if !strings.Contains(out, want) {
			t.Errorf("measurement table missing %q:\n%s", want, out)
		}
	}

	buf.Reset()
	writeJobs(&buf, []registry.Job{
		{ID: "j1", State: registry.JobDone, Frames: 300, LastBPM: 71.9, Elapsed: 65, Source: "clip.mp4"},
		{ID: "j2", State: registry.JobFailed, LastBPM: -1, Source: "broken.mp4"},
	})
	out = buf.String()
	for _, want := range []string{"done", "71.9", "00:01:05", "failed", "broken.mp4"} {
		if !strings.Contains(out, want) {
			t.Errorf("job table missing %q:\n%s", want, out)
		}
	}
}

func TestWriteMeasurement(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	m := registry.Measurement{
		ID:        "m1",
		Name:      "rest",
		Notes:     "after coffee",
		CreatedAt: at,
		Samples:   []registry.Sample{{At: at, BPM: 60, Confidence: 0.3}, {At: at, BPM: 80, Confidence: 0.45}},
	}

	var buf bytes.Buffer
	writeMeasurement(&buf, m)
	out := buf.String()
	for _, want := range []string{"rest", "after coffee", "70.0 ± 10.0 (2 samples)", "CONFIDENCE", "80.0", "0.45"} {
		if !strings.Contains(out, want) {
			t.Errorf("measurement detail missing %q:\n%s", want, out)
		}
	}

	buf.Reset()
	writeMeasurement(&buf, registry.Measurement{ID: "m2", Name: "Unnamed", CreatedAt: at})
	if !strings.Contains(buf.String(), "no samples") || strings.Contains(buf.String(), "CONFIDENCE") {
		t.Errorf("empty measurement rendered unexpectedly:\n%s", buf.String())
	}
}

func TestConfirm(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"y\n", true},
		{"YES\n", true},
		{"n\n", false},
		{"\n", false},
		{"", false},
	}
	for _, tt := range tests {
		var out bytes.Buffer
		got := confirm(&out, bufio.NewReader(strings.NewReader(tt.input)), "Proceed?")
		if got != tt.want {
			t.Errorf("confirm(%q) = %v, want %v", tt.input, got, tt.want)
		}
		if !strings.Contains(out.String(), "[y/N]") {
			t.Errorf("prompt not written: %q", out.String())
		}
	}
}
