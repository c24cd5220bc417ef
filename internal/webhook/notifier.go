package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/mattjoyce/qsmgw/internal/session"
)

type delivery struct {
	endpoint  Endpoint
	sessionID string
	status    session.Status
	body      []byte
}

// Notifier queues a signed notification for every terminal registry change
// and delivers them from Run.
type Notifier struct {
	cfg    Config
	client *retryablehttp.Client // retries up to cfg.Attempts
	once   *retryablehttp.Client // single attempt, used while draining
	logger *slog.Logger
	queue  chan delivery
}

var _ session.Recorder = (*Notifier)(nil)

// New creates a notifier. It delivers nothing until Run is started.
func New(cfg Config, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Attempts < 1 {
		cfg.Attempts = 1
	}
	logger = logger.With("component", "webhook")
	httpClient := cleanhttp.DefaultPooledClient()
	httpClient.Timeout = cfg.Timeout

	client := newRetryClient(httpClient, logger)
	client.RetryMax = cfg.Attempts - 1
	once := newRetryClient(httpClient, logger)
	once.RetryMax = 0

	return &Notifier{
		cfg:    cfg,
		client: client,
		once:   once,
		logger: logger,
		queue:  make(chan delivery, DefaultQueueSize),
	}
}

func newRetryClient(httpClient *http.Client, logger *slog.Logger) *retryablehttp.Client {
	c := retryablehttp.NewClient()
	c.HTTPClient = httpClient
	c.RetryWaitMin = retryWaitMin
	c.RetryWaitMax = retryWaitMax
	c.Backoff = retryablehttp.LinearJitterBackoff
	c.Logger = logger
	return c
}

// Record enqueues s for every interested endpoint once it is terminal.
// It never blocks; a full queue drops the notification.
func (n *Notifier) Record(_ context.Context, s session.Session) error {
	if !s.Status.IsTerminal() {
		return nil
	}

	body, err := json.Marshal(Payload{
		Event:      "session." + string(s.Status),
		SessionID:  s.ID,
		Status:     string(s.Status),
		Error:      s.Error,
		Digest:     s.Digest,
		Cancelled:  s.Cancelled,
		CreatedAt:  s.CreatedAt,
		FinishedAt: s.FinishedAt,
	})
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	for _, ep := range n.cfg.Endpoints {
		if !ep.wants(s.Status) {
			continue
		}
		select {
		case n.queue <- delivery{endpoint: ep, sessionID: s.ID, status: s.Status, body: body}:
		default:
			n.logger.Warn("notification queue full, dropping",
				"session_id", s.ID, "url", ep.URL)
		}
	}
	return nil
}

// Run delivers queued notifications until ctx is cancelled.
func (n *Notifier) Run(ctx context.Context) error {
	n.logger.Info("webhook notifier started", "endpoints", len(n.cfg.Endpoints))
	for {
		select {
		case <-ctx.Done():
			n.drain()
			return nil
		case d := <-n.queue:
			if err := n.deliver(ctx, d); err != nil {
				n.logger.Error("notification failed",
					"session_id", d.sessionID, "status", d.status, "url", d.endpoint.URL, "error", err)
			}
		}
	}
}

// drain makes one attempt for each queued notification, bounded by a
// single timeout.
func (n *Notifier) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.Timeout)
	defer cancel()
	for {
		select {
		case d := <-n.queue:
			if err := n.post(ctx, n.once, d); err != nil {
				n.logger.Warn("notification dropped at shutdown",
					"session_id", d.sessionID, "url", d.endpoint.URL, "error", err)
			}
		default:
			return
		}
	}
}

// deliver sends d, retrying transport errors, 429 and 5xx responses up to
// the configured attempts. Other 4xx responses fail at once.
func (n *Notifier) deliver(ctx context.Context, d delivery) error {
	if err := n.post(ctx, n.client, d); err != nil {
		return err
	}
	n.logger.Debug("notification delivered", "session_id", d.sessionID, "url", d.endpoint.URL)
	return nil
}

func (n *Notifier) post(ctx context.Context, client *retryablehttp.Client, d delivery) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, d.endpoint.URL, d.body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set(d.endpoint.SignatureHeader, Sign(d.body, d.endpoint.Secret))

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("receiver returned %s", resp.Status)
	}
	return nil
}
