// Package server exposes measurements, batch jobs and the live stream over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/andresmejia3/pulse/internal/detect"
	"github.com/andresmejia3/pulse/internal/publish"
	"github.com/andresmejia3/pulse/internal/registry"
	"github.com/andresmejia3/pulse/internal/rppg"
	"github.com/andresmejia3/pulse/internal/session"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const maxUpload = 512 << 20

// MeasurementArchiver persists measurements when they are deleted.
type MeasurementArchiver interface {
	SaveMeasurement(ctx context.Context, m registry.Measurement) error
}

// Server holds the shared registries. Every live socket gets its own
// Estimator; batch jobs go through Runner.
type Server struct {
	Jobs         *registry.Jobs
	Measurements *registry.Measurements
	Runner       *session.Runner
	Locator      detect.Locator
	Publisher    publish.Publisher
	Archive      MeasurementArchiver // optional
	Logger       *zap.Logger
	Estimator    rppg.Config
	UploadDir    string

	// MaxMessageBytes caps inbound socket messages; 0 means session.MaxMessageBytes.
	MaxMessageBytes int64

	// ctx outlives requests; batch jobs run under it.
	ctx      context.Context
	upgrader websocket.Upgrader
}

// New wires a Server. ctx bounds the lifetime of submitted jobs.
func New(ctx context.Context, s Server) *Server {
	srv := s
	srv.ctx = ctx
	if srv.Logger == nil {
		srv.Logger = zap.NewNop()
	}
	if srv.Publisher == nil {
		srv.Publisher = publish.Nop{}
	}
	if srv.Locator == nil {
		srv.Locator = detect.Center{}
	}
	if srv.MaxMessageBytes <= 0 {
		srv.MaxMessageBytes = session.MaxMessageBytes
	}
	srv.upgrader = websocket.Upgrader{
		ReadBufferSize:  64 * 1024,
		WriteBufferSize: 64 * 1024,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}
	return &srv
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/measurements", s.createMeasurement)
	mux.HandleFunc("GET /api/measurements", s.listMeasurements)
	mux.HandleFunc("GET /api/measurements/{id}", s.getMeasurement)
	mux.HandleFunc("PATCH /api/measurements/{id}", s.updateMeasurement)
	mux.HandleFunc("DELETE /api/measurements/{id}", s.deleteMeasurement)
	mux.HandleFunc("POST /api/upload", s.upload)
	mux.HandleFunc("GET /api/progress/{id}", s.progress)
	mux.HandleFunc("GET /api/download/{id}", s.download)
	mux.HandleFunc("GET /api/jobs", s.listJobs)
	mux.HandleFunc("GET /ws/stream", s.stream)
	return s.logRequests(mux)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.Logger.Debug("Request", zap.String("method", r.Method), zap.String("path", r.URL.Path), zap.Duration("took", time.Since(start)))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"ok": false, "error": msg})
}

func (s *Server) createMeasurement(w http.ResponseWriter, r *http.Request) {
	var req registry.MeasurementPatch
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	var name, notes string
	if req.Name != nil {
		name = *req.Name
	}
	if req.Notes != nil {
		notes = *req.Notes
	}
	m := s.Measurements.Create(name, notes)
	s.Logger.Info("Measurement created", zap.String("measurement_id", m.ID))
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "id": m.ID})
}

func (s *Server) listMeasurements(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "items": s.Measurements.List()})
}

func (s *Server) getMeasurement(w http.ResponseWriter, r *http.Request) {
	m, err := s.Measurements.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "measurement": m})
}

func (s *Server) updateMeasurement(w http.ResponseWriter, r *http.Request) {
	var req registry.MeasurementPatch
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	_, err := s.Measurements.Update(r.PathValue("id"), req)
	if err != nil {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) deleteMeasurement(w http.ResponseWriter, r *http.Request) {
	m, err := s.Measurements.Delete(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if s.Archive != nil {
		if err := s.Archive.SaveMeasurement(r.Context(), m); err != nil {
			s.Logger.Warn("Archive measurement failed", zap.String("measurement_id", m.ID), zap.Error(err))
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUpload)
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing file: "+err.Error())
		return
	}
	defer file.Close()

	cfg := registry.JobConfig{Crop: parseBool(r.FormValue("crop"))}
	if z := r.FormValue("zoom"); z != "" {
		v, err := strconv.ParseFloat(z, 64)
		if err != nil || v <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid zoom %q", z))
			return
		}
		cfg.Zoom = v
	}
	mid := r.FormValue("mid")
	if mid != "" {
		if _, err := s.Measurements.Get(mid); err != nil {
			writeError(w, http.StatusBadRequest, "unknown measurement")
			return
		}
	}

	if err := os.MkdirAll(s.UploadDir, 0755); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	ext := strings.ToLower(filepath.Ext(header.Filename))
	if ext == "" {
		ext = ".mp4"
	}
	path := filepath.Join(s.UploadDir, uuid.NewString()+ext)
	if err := saveUpload(path, file); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	job := s.Runner.Submit(s.ctx, path, mid, cfg)
	s.Logger.Info("Job submitted", zap.String("job_id", job.ID), zap.String("upload", header.Filename), zap.Bool("crop", cfg.Crop))
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "job_id": job.ID})
}

func saveUpload(path string, src io.Reader) error {
	dst, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create upload: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(path)
		return fmt.Errorf("save upload: %w", err)
	}
	return dst.Close()
}

func parseBool(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "on", "yes":
		return true
	}
	return false
}

type jobResponse struct {
	OK bool `json:"ok"`
	registry.Job
}

func (s *Server) progress(w http.ResponseWriter, r *http.Request) {
	job, err := s.Jobs.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown job")
		return
	}
	writeJSON(w, http.StatusOK, jobResponse{OK: true, Job: job})
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "items": s.Jobs.List()})
}

func (s *Server) download(w http.ResponseWriter, r *http.Request) {
	job, err := s.Jobs.Get(r.PathValue("id"))
	if err != nil || job.State != registry.JobDone || job.OutputPath == "" {
		writeError(w, http.StatusNotFound, "not ready")
		return
	}
	if _, err := os.Stat(job.OutputPath); err != nil {
		writeError(w, http.StatusNotFound, "file missing")
		return
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(job.OutputPath)))
	http.ServeFile(w, r, job.OutputPath)
}

// stream runs one live session per socket until the client leaves.
func (s *Server) stream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Logger.Warn("Upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()
	conn.SetReadLimit(s.MaxMessageBytes)

	id := uuid.NewString()
	log := s.Logger.With(zap.String("session_id", id))
	log.Info("Live session started", zap.String("remote", r.RemoteAddr))

	d := &session.Driver{
		ID:           id,
		Mode:         "live",
		Estimator:    rppg.New(s.Estimator),
		Locator:      s.Locator,
		Measurements: s.Measurements,
		Publisher:    s.Publisher,
		Logger:       log,
	}
	err = d.Run(r.Context(), session.NewLiveSource(conn), session.NewLiveSink(conn))
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Warn("Live session failed", zap.Error(err))
		session.SendError(conn, err)
		return
	}
	log.Info("Live session ended")
}
