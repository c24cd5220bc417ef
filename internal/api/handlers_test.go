package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"iter"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/qsmgw/internal/events"
	"github.com/mattjoyce/qsmgw/internal/jobs"
	"github.com/mattjoyce/qsmgw/internal/options"
	"github.com/mattjoyce/qsmgw/internal/session"
	"github.com/mattjoyce/qsmgw/internal/sessionlog"
	"github.com/mattjoyce/qsmgw/internal/upload"
)

// fakeSessions implements SessionService for testing
type fakeSessions struct {
	submitFunc   func(ctx context.Context, req jobs.Request) (jobs.Submission, error)
	sessions     map[string]session.Session
	stopFunc     func(ctx context.Context, id string) (session.Session, error)
	tailChunks   []sessionlog.Chunk
	artifactFunc func(id string) (session.Session, error)
}

func (f *fakeSessions) Submit(ctx context.Context, req jobs.Request) (jobs.Submission, error) {
	return f.submitFunc(ctx, req)
}

func (f *fakeSessions) Status(id string) (session.Session, error) {
	s, ok := f.sessions[id]
	if !ok {
		return session.Session{}, session.ErrNotFound
	}
	return s, nil
}

func (f *fakeSessions) List() []session.Session {
	out := make([]session.Session, 0, len(f.sessions))
	for _, s := range f.sessions {
		out = append(out, s)
	}
	return out
}

func (f *fakeSessions) Stop(ctx context.Context, id string) (session.Session, error) {
	return f.stopFunc(ctx, id)
}

func (f *fakeSessions) Tail(ctx context.Context, id string) (iter.Seq[sessionlog.Chunk], error) {
	if _, ok := f.sessions[id]; !ok {
		return nil, session.ErrNotFound
	}
	return func(yield func(sessionlog.Chunk) bool) {
		for _, c := range f.tailChunks {
			if !yield(c) {
				return
			}
		}
	}, nil
}

func (f *fakeSessions) Artifact(id string) (session.Session, error) {
	return f.artifactFunc(id)
}

type fakeEngine struct {
	alive bool
	gen   uint64
}

func (e fakeEngine) Alive() bool        { return e.alive }
func (e fakeEngine) Generation() uint64 { return e.gen }

func newTestServer(svc *fakeSessions) *Server {
	return New(Config{Listen: "127.0.0.1:0", MaxUploadBytes: 1 << 20}, svc, fakeEngine{alive: true, gen: 2}, events.NewHub(16), nil)
}

type part struct {
	field, filename, body string
}

func multipartBody(t *testing.T, parts []part) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, p := range parts {
		if p.filename == "" {
			require.NoError(t, mw.WriteField(p.field, p.body))
			continue
		}
		fw, err := mw.CreateFormFile(p.field, p.filename)
		require.NoError(t, err)
		_, err = fw.Write([]byte(p.body))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestHandlePing(t *testing.T) {
	server := newTestServer(&fakeSessions{})
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/ping", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())
}

func TestHandleHealthz(t *testing.T) {
	server := newTestServer(&fakeSessions{sessions: map[string]session.Session{
		"a": {ID: "a", Status: session.StatusRunning},
		"b": {ID: "b", Status: session.StatusDone},
		"c": {ID: "c", Status: session.StatusDone},
	}})
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var resp HealthzResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.True(t, resp.EngineAlive)
	assert.Equal(t, uint64(2), resp.EngineGeneration)
	assert.Equal(t, map[string]int{"running": 1, "done": 2}, resp.Sessions)
}

func TestHandleRunStart_Success(t *testing.T) {
	var got jobs.Request
	svc := &fakeSessions{submitFunc: func(ctx context.Context, req jobs.Request) (jobs.Submission, error) {
		got = req
		return jobs.Submission{
			Session:  session.Session{ID: "abc123def456", Status: session.StatusPending},
			Accepted: true,
		}, nil
	}}
	body, contentType := multipartBody(t, []part{
		{field: fieldMagFiles, filename: "IM1.dcm", body: "m"},
		{field: fieldMagPaths, body: "mag/IM1.dcm"},
		{field: fieldPhFiles, filename: "IM1.dcm", body: "p"},
		{field: fieldPhPaths, body: "ph/IM1.dcm"},
		{field: "bkg_rm", body: "vsharp"},
		{field: "not_an_option", body: "x"},
	})
	req := httptest.NewRequest(http.MethodPost, "/api/run_start", body)
	req.Header.Set("Content-Type", contentType)
	rr := httptest.NewRecorder()
	newTestServer(svc).Handler().ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var resp RunStartResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.True(t, resp.OK)
	assert.Equal(t, "abc123def456", resp.SessionID)
	assert.Equal(t, "pending", resp.Status)

	assert.Len(t, got.InputA.Sources, 1)
	assert.Equal(t, []string{"mag/IM1.dcm"}, got.InputA.RelPaths)
	assert.Equal(t, []string{"ph/IM1.dcm"}, got.InputB.RelPaths)
	assert.Equal(t, map[string]string{"bkg_rm": "vsharp"}, got.Options)
}

func TestHandleRunStart_NoDataRoot(t *testing.T) {
	svc := &fakeSessions{submitFunc: func(ctx context.Context, req jobs.Request) (jobs.Submission, error) {
		return jobs.Submission{Session: session.Session{
			ID:     "abc123def456",
			Status: session.StatusError,
			Error:  "no DICOM data root found in mag upload",
		}}, nil
	}}
	body, contentType := multipartBody(t, []part{{field: fieldMagPaths, body: "x"}})
	req := httptest.NewRequest(http.MethodPost, "/api/run_start", body)
	req.Header.Set("Content-Type", contentType)
	rr := httptest.NewRecorder()
	newTestServer(svc).Handler().ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	var resp RunStartResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.False(t, resp.OK)
	assert.Equal(t, "error", resp.Status)
	assert.Contains(t, resp.Error, "no DICOM data root")
}

func TestHandleRunStart_ErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"mismatch", upload.ErrInputMismatch, http.StatusBadRequest},
		{"shutting down", jobs.ErrShuttingDown, http.StatusServiceUnavailable},
		{"internal", errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &fakeSessions{submitFunc: func(ctx context.Context, req jobs.Request) (jobs.Submission, error) {
				return jobs.Submission{}, tt.err
			}}
			body, contentType := multipartBody(t, []part{{field: fieldMagPaths, body: "x"}})
			req := httptest.NewRequest(http.MethodPost, "/api/run_start", body)
			req.Header.Set("Content-Type", contentType)
			rr := httptest.NewRecorder()
			newTestServer(svc).Handler().ServeHTTP(rr, req)
			assert.Equal(t, tt.code, rr.Code)
		})
	}
}

func TestHandleRunStart_NotMultipart(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/run_start", strings.NewReader("{}"))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	newTestServer(&fakeSessions{}).Handler().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHandleRunStart_TooLarge(t *testing.T) {
	body, contentType := multipartBody(t, []part{
		{field: fieldMagFiles, filename: "big.dcm", body: strings.Repeat("x", 2<<20)},
	})
	req := httptest.NewRequest(http.MethodPost, "/api/run_start", body)
	req.Header.Set("Content-Type", contentType)
	rr := httptest.NewRecorder()
	newTestServer(&fakeSessions{}).Handler().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
}

func TestHandleStatus(t *testing.T) {
	finished := time.Now().UTC()
	svc := &fakeSessions{sessions: map[string]session.Session{
		"done1": {ID: "done1", Status: session.StatusDone, Digest: "d1g", FinishedAt: &finished},
		"err1":  {ID: "err1", Status: session.StatusError, Error: "engine exited with status 3"},
		"run1":  {ID: "run1", Status: session.StatusRunning, Options: options.Parse(nil)},
	}}
	h := newTestServer(svc).Handler()

	get := func(id string) (int, StatusResponse) {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/status/"+id, nil))
		var resp StatusResponse
		_ = json.Unmarshal(rr.Body.Bytes(), &resp)
		return rr.Code, resp
	}

	code, resp := get("done1")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "/api/download/done1", resp.DownloadURL)
	assert.Equal(t, "d1g", resp.Digest)
	assert.Empty(t, resp.Error)

	code, resp = get("err1")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "engine exited with status 3", resp.Error)
	assert.Empty(t, resp.DownloadURL)

	code, resp = get("run1")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "running", resp.Status)
	assert.NotNil(t, resp.Options)

	code, _ = get("missing")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestHandleListSessions(t *testing.T) {
	svc := &fakeSessions{sessions: map[string]session.Session{
		"a": {ID: "a", Status: session.StatusPending},
	}}
	rr := httptest.NewRecorder()
	newTestServer(svc).Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/sessions", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var resp SessionListResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Len(t, resp.Sessions, 1)
	assert.Equal(t, "a", resp.Sessions[0].SessionID)
}

func TestHandleStop(t *testing.T) {
	svc := &fakeSessions{stopFunc: func(ctx context.Context, id string) (session.Session, error) {
		if id != "run1" {
			return session.Session{}, session.ErrNotFound
		}
		return session.Session{ID: id, Status: session.StatusStopped}, nil
	}}
	h := newTestServer(svc).Handler()

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/stop/run1", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"ok":true,"status":"stopped"}`, rr.Body.String())

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/stop/nope", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/stop/run1", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestHandleDownload(t *testing.T) {
	archive := filepath.Join(t.TempDir(), "out.zip")
	require.NoError(t, os.WriteFile(archive, []byte("PK\x03\x04zipdata"), 0o644))

	svc := &fakeSessions{artifactFunc: func(id string) (session.Session, error) {
		switch id {
		case "done1":
			return session.Session{ID: id, Status: session.StatusDone, ArchivePath: archive, Digest: "abc"}, nil
		case "run1":
			return session.Session{}, jobs.ErrNoArtifact
		case "gone":
			return session.Session{ID: id, Status: session.StatusDone, ArchivePath: archive + ".missing"}, nil
		}
		return session.Session{}, session.ErrNotFound
	}}
	h := newTestServer(svc).Handler()

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/download/done1", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/zip", rr.Header().Get("Content-Type"))
	assert.Equal(t, `attachment; filename="qsm_out_done1.zip"`, rr.Header().Get("Content-Disposition"))
	assert.Equal(t, "abc", rr.Header().Get("X-Content-Blake3"))
	assert.Equal(t, "PK\x03\x04zipdata", rr.Body.String())

	for _, id := range []string{"run1", "gone", "unknown"} {
		rr = httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/download/"+id, nil))
		assert.Equal(t, http.StatusNotFound, rr.Code, id)
	}
}

func TestHandleLog_StreamsThenEnds(t *testing.T) {
	svc := &fakeSessions{
		sessions: map[string]session.Session{"run1": {ID: "run1"}},
		tailChunks: []sessionlog.Chunk{
			{Data: "[10:00:00] session run1 started\n[10:00:01] staging uploads\n"},
			{Data: "[10:00:05] done\n"},
			{End: true, Status: "done"},
		},
	}
	rr := httptest.NewRecorder()
	newTestServer(svc).Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/log/run1", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "text/event-stream", rr.Header().Get("Content-Type"))
	want := "data: [10:00:00] session run1 started\n" +
		"data: [10:00:01] staging uploads\n\n" +
		"data: [10:00:05] done\n\n" +
		"event: end\ndata: done\n\n"
	assert.Equal(t, want, rr.Body.String())
}

func TestHandleLog_UnknownSession(t *testing.T) {
	rr := httptest.NewRecorder()
	newTestServer(&fakeSessions{}).Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/log/nope", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestHandleEvents_ReplaysSinceLastEventID(t *testing.T) {
	server := newTestServer(&fakeSessions{})
	server.events.Publish("session.created", map[string]string{"session_id": "a"})
	server.events.Publish("session.running", map[string]string{"session_id": "a"})
	server.events.Publish("session.done", map[string]string{"session_id": "a"})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/events", nil).WithContext(ctx)
	req.Header.Set("Last-Event-ID", "1")
	rr := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		server.Handler().ServeHTTP(rr, req)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("events handler did not return after context cancel")
	}

	body := rr.Body.String()
	assert.NotContains(t, body, "session.created")
	assert.Contains(t, body, "id: 2\nevent: session.running\n")
	assert.Contains(t, body, "id: 3\nevent: session.done\n")
}

func TestParseLastEventID(t *testing.T) {
	assert.Equal(t, int64(0), parseLastEventID(""))
	assert.Equal(t, int64(0), parseLastEventID("abc"))
	assert.Equal(t, int64(0), parseLastEventID("-4"))
	assert.Equal(t, int64(42), parseLastEventID("42"))
}

func TestOpenAPIDocumentsOptions(t *testing.T) {
	rr := httptest.NewRecorder()
	newTestServer(&fakeSessions{}).Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/openapi.json", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var doc struct {
		Paths map[string]json.RawMessage `json:"paths"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &doc))
	for _, p := range []string{"/api/run_start", "/api/status/{sessionID}", "/api/log/{sessionID}", "/api/stop/{sessionID}", "/api/download/{sessionID}"} {
		assert.Contains(t, doc.Paths, p)
	}

	schema := runStartSchema(options.Definitions)
	props := schema["properties"].(map[string]any)
	bkg := props["bkg_rm"].(map[string]any)
	assert.Equal(t, "string", bkg["type"])
	assert.Equal(t, "pdf", bkg["default"])
	assert.Equal(t, "integer", props["cgs_num"].(map[string]any)["type"])
	assert.Equal(t, "number", props["fit_thr"].(map[string]any)["type"])
}
