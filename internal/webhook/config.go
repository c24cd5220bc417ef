package webhook

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/mattjoyce/qsmgw/internal/config"
	"github.com/mattjoyce/qsmgw/internal/session"
)

// FromGlobalConfig converts the notify section into a notifier Config,
// applying defaults and rejecting unusable endpoints.
func FromGlobalConfig(nc config.NotifyConfig) (Config, error) {
	cfg := Config{
		Timeout:   nc.Timeout,
		Attempts:  nc.Attempts,
		Endpoints: make([]Endpoint, 0, len(nc.Endpoints)),
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Attempts < 1 {
		cfg.Attempts = 1
	}

	for i, ep := range nc.Endpoints {
		u, err := url.Parse(ep.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return Config{}, fmt.Errorf("notify endpoint %d: url %q must be an absolute http(s) URL", i, ep.URL)
		}
		if ep.Secret == "" {
			return Config{}, fmt.Errorf("notify endpoint %q: no secret configured", ep.URL)
		}

		out := Endpoint{
			URL:             u.String(),
			Secret:          ep.Secret,
			SignatureHeader: ep.SignatureHeader,
		}
		if out.SignatureHeader == "" {
			out.SignatureHeader = DefaultSignatureHeader
		}
		if len(ep.Statuses) > 0 {
			out.Statuses = make(map[session.Status]bool, len(ep.Statuses))
			for _, raw := range ep.Statuses {
				st := session.Status(strings.ToLower(strings.TrimSpace(raw)))
				if !st.IsTerminal() {
					return Config{}, fmt.Errorf("notify endpoint %q: status %q is not terminal", ep.URL, raw)
				}
				out.Statuses[st] = true
			}
		}
		cfg.Endpoints = append(cfg.Endpoints, out)
	}
	return cfg, nil
}
