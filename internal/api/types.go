package api

import "time"

// RunStartResponse is returned by POST /api/run_start.
type RunStartResponse struct {
	OK        bool   `json:"ok"`
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

// StatusResponse is returned by GET /api/status/{id}.
type StatusResponse struct {
	SessionID   string     `json:"session_id"`
	Status      string     `json:"status"`
	DownloadURL string     `json:"download_url,omitempty"`
	Digest      string     `json:"digest,omitempty"`
	Error       string     `json:"error,omitempty"`
	Cancelled   bool       `json:"cancelled,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	Options     any        `json:"options,omitempty"`
}

// StopResponse is returned by POST /api/stop/{id}.
type StopResponse struct {
	OK     bool   `json:"ok"`
	Status string `json:"status"`
}

// SessionListResponse is returned by GET /api/sessions.
type SessionListResponse struct {
	Sessions []StatusResponse `json:"sessions"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status           string         `json:"status"`
	UptimeSeconds    int64          `json:"uptime_seconds"`
	Sessions         map[string]int `json:"sessions"`
	EngineAlive      bool           `json:"engine_alive"`
	EngineGeneration uint64         `json:"engine_generation"`
}
