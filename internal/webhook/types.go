package webhook

import (
	"time"

	"github.com/mattjoyce/qsmgw/internal/session"
)

// Config holds the resolved notifier settings.
type Config struct {
	Timeout   time.Duration
	Attempts  int
	Endpoints []Endpoint
}

// Endpoint is one receiver of completion notifications.
type Endpoint struct {
	URL             string
	Secret          string
	SignatureHeader string

	// Statuses limits delivery to these terminal statuses; nil means all.
	Statuses map[session.Status]bool
}

func (e Endpoint) wants(status session.Status) bool {
	return len(e.Statuses) == 0 || e.Statuses[status]
}

// Payload is the JSON body of every notification.
type Payload struct {
	Event      string     `json:"event"`
	SessionID  string     `json:"session_id"`
	Status     string     `json:"status"`
	Error      string     `json:"error,omitempty"`
	Digest     string     `json:"digest,omitempty"`
	Cancelled  bool       `json:"cancelled,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

const (
	DefaultSignatureHeader = "X-QSMGW-Signature-256"
	DefaultTimeout         = 10 * time.Second
	DefaultQueueSize       = 64
)

const (
	userAgent    = "qsmgw-webhook/1"
	retryWaitMin = 500 * time.Millisecond
	retryWaitMax = 5 * time.Second
)
