package protocol

import "github.com/mattjoyce/qsmgw/internal/options"

// Version is the only wire version the engine adapter speaks.
const Version = 1

// Request is the envelope written to the engine's stdin for one computation.
type Request struct {
	Protocol  int         `json:"protocol"`
	SessionID string      `json:"session_id"`
	InputA    string      `json:"path_mag"`
	InputB    string      `json:"path_ph"`
	OutDir    string      `json:"path_out"`
	Options   options.Set `json:"options"`
}

// Response is the final JSON line the engine prints on stdout.
type Response struct {
	Status string     `json:"status"` // ok | error
	Error  string     `json:"error,omitempty"`
	Output string     `json:"output,omitempty"`
	Logs   []LogEntry `json:"logs,omitempty"`
}

// LogEntry is a structured message reported by the engine.
type LogEntry struct {
	Level   string `json:"level"` // info | warn | error | debug
	Message string `json:"message"`
}
