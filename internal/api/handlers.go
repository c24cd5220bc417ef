package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/qsmgw/internal/jobs"
	"github.com/mattjoyce/qsmgw/internal/options"
	"github.com/mattjoyce/qsmgw/internal/session"
	"github.com/mattjoyce/qsmgw/internal/upload"
)

// Multipart field names of POST /api/run_start.
const (
	fieldMagFiles = "mag_files"
	fieldMagPaths = "mag_paths"
	fieldPhFiles  = "ph_files"
	fieldPhPaths  = "ph_paths"

	multipartMemory = 32 << 20
)

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	counts := map[string]int{}
	for _, st := range s.sessions.List() {
		counts[string(st.Status)]++
	}

	resp := HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Sessions:      counts,
	}
	if s.engine != nil {
		resp.EngineAlive = s.engine.Alive()
		resp.EngineGeneration = s.engine.Generation()
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleRunStart handles POST /api/run_start. Uploads are staged before the
// response is written; the run itself continues in the background.
func (s *Server) handleRunStart(w http.ResponseWriter, r *http.Request) {
	if s.config.MaxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxUploadBytes)
	}
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("upload exceeds %d bytes", tooLarge.Limit))
			return
		}
		s.writeError(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	form := r.MultipartForm
	req := jobs.Request{
		InputA: jobs.Input{
			Sources:  upload.FromMultipart(form.File[fieldMagFiles]),
			RelPaths: form.Value[fieldMagPaths],
		},
		InputB: jobs.Input{
			Sources:  upload.FromMultipart(form.File[fieldPhFiles]),
			RelPaths: form.Value[fieldPhPaths],
		},
		Options: optionFields(form.Value),
	}

	sub, err := s.sessions.Submit(r.Context(), req)
	switch {
	case errors.Is(err, upload.ErrInputMismatch):
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, jobs.ErrShuttingDown):
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		s.logger.Error("failed to start run", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to start run")
		return
	}

	respondJSON(w, http.StatusOK, RunStartResponse{
		OK:        sub.Accepted,
		SessionID: sub.Session.ID,
		Status:    string(sub.Session.Status),
		Error:     sub.Session.Error,
	})
}

// optionFields picks the recognized option keys out of the form; the option
// table decides defaults for anything missing.
func optionFields(values map[string][]string) map[string]string {
	raw := make(map[string]string)
	for _, d := range options.Definitions {
		if v, ok := values[d.Name]; ok && len(v) > 0 {
			raw[d.Name] = v[0]
		}
	}
	return raw
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	all := s.sessions.List()
	resp := SessionListResponse{Sessions: make([]StatusResponse, 0, len(all))}
	for _, sess := range all {
		resp.Sessions = append(resp.Sessions, statusResponse(sess))
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Status(chi.URLParam(r, "sessionID"))
	if err != nil {
		s.writeSessionError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, statusResponse(sess))
}

func statusResponse(sess session.Session) StatusResponse {
	resp := StatusResponse{
		SessionID:  sess.ID,
		Status:     string(sess.Status),
		Cancelled:  sess.Cancelled,
		CreatedAt:  sess.CreatedAt,
		StartedAt:  sess.StartedAt,
		FinishedAt: sess.FinishedAt,
	}
	if sess.Options.Len() > 0 {
		resp.Options = sess.Options
	}
	switch sess.Status {
	case session.StatusDone:
		resp.DownloadURL = "/api/download/" + sess.ID
		resp.Digest = sess.Digest
	case session.StatusError:
		resp.Error = sess.Error
	}
	return resp
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Stop(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		s.writeSessionError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, StopResponse{OK: true, Status: string(sess.Status)})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	sess, err := s.sessions.Artifact(id)
	if err != nil {
		s.writeSessionError(w, err)
		return
	}

	f, err := os.Open(sess.ArchivePath)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "artifact not available")
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to read artifact")
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="qsm_out_%s.zip"`, id))
	if sess.Digest != "" {
		w.Header().Set("X-Content-Blake3", sess.Digest)
	}
	http.ServeContent(w, r, "", info.ModTime(), f)
}

// writeSessionError maps orchestration errors onto HTTP statuses.
func (s *Server) writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, jobs.ErrNoArtifact):
		s.writeError(w, http.StatusNotFound, "artifact not available")
	default:
		s.logger.Error("session request failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, strings.TrimSpace(err.Error()))
	}
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
