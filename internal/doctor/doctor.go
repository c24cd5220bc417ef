// Package doctor runs operational checks on a loaded qsmgw configuration:
// things config.Load cannot know, such as whether the engine executable
// resolves or the sessions root is usable.
package doctor

import (
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/mattjoyce/qsmgw/internal/config"
	"github.com/mattjoyce/qsmgw/internal/storage"
	"github.com/mattjoyce/qsmgw/internal/webhook"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

var envVarRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Doctor checks a config against the host it will run on.
type Doctor struct {
	cfg      *config.Config
	lookPath func(string) (string, error)
	probe    func(string) (storage.Filesystem, error)
}

// New creates a Doctor for a loaded config.
func New(cfg *config.Config) *Doctor {
	return &Doctor{cfg: cfg, lookPath: exec.LookPath, probe: storage.Probe}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateEngine(r)
	d.validateAPI(r)
	d.validateState(r)
	d.validateLocator(r)
	d.validateNotify(r)
	d.warnRetention(r)
	d.warnMissingEnvVars(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// validateEngine checks that the engine executable resolves.
func (d *Doctor) validateEngine(r *Result) {
	cmd := d.cfg.Engine.Command
	if cmd == "" {
		d.addError(r, "engine", "engine.command", "engine.command is required")
		return
	}
	path, err := d.lookPath(cmd)
	if err != nil {
		d.addError(r, "engine", "engine.command", fmt.Sprintf("cannot resolve %q: %v", cmd, err))
		return
	}
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		d.addError(r, "engine", "engine.command", fmt.Sprintf("%q is a directory", path))
	}
	if d.cfg.Engine.KillGrace > time.Minute {
		d.addWarning(r, "engine", "engine.kill_grace",
			fmt.Sprintf("kill_grace %s delays every stop by up to that long", d.cfg.Engine.KillGrace))
	}
	if !d.cfg.Engine.WarmStart {
		d.addWarning(r, "engine", "engine.warm_start",
			"warm_start disabled; the first session pays engine initialization")
	}
}

// validateAPI checks the listener and upload limits.
func (d *Doctor) validateAPI(r *Result) {
	if _, _, err := net.SplitHostPort(d.cfg.API.Listen); err != nil {
		d.addError(r, "api", "api.listen", fmt.Sprintf("invalid listen address %q: %v", d.cfg.API.Listen, err))
	}
	if d.cfg.API.MaxUploadBytes <= 0 {
		d.addWarning(r, "api", "api.max_upload_bytes", "uploads are unbounded")
	}
	if d.cfg.API.StopWait == 0 {
		d.addWarning(r, "api", "api.stop_wait", "stop requests return before the session settles")
	}
}

// validateState checks the sqlite file and sessions root locations.
func (d *Doctor) validateState(r *Result) {
	d.checkDir(r, "state.path", filepath.Dir(d.cfg.State.Path))
	d.checkDir(r, "state.sessions_dir", d.cfg.State.SessionsDir)

	db, _ := filepath.Abs(d.cfg.State.Path)
	root, _ := filepath.Abs(d.cfg.State.SessionsDir)
	if db != "" && root != "" && filepath.Dir(db) == root {
		d.addWarning(r, "state", "state.path", "database lives directly in the sessions root")
	}

	if fs, err := d.probe(d.cfg.State.Path); err == nil && fs.Network {
		d.addError(r, "state", "state.path", fmt.Sprintf("database is on network filesystem %s; use local disk", fs.Type))
	}
	if fs, err := d.probe(d.cfg.State.SessionsDir); err == nil && fs.Network {
		d.addWarning(r, "state", "state.sessions_dir",
			fmt.Sprintf("sessions root is on %s; the instance lock may not exclude other hosts", fs.Type))
	}
}

func (d *Doctor) checkDir(r *Result, field, dir string) {
	info, err := os.Stat(dir)
	switch {
	case os.IsNotExist(err):
		d.addWarning(r, "state", field, fmt.Sprintf("%s does not exist yet and will be created", dir))
	case err != nil:
		d.addError(r, "state", field, fmt.Sprintf("cannot stat %s: %v", dir, err))
	case !info.IsDir():
		d.addError(r, "state", field, fmt.Sprintf("%s is not a directory", dir))
	default:
		probe, err := os.CreateTemp(dir, ".qsmgw-doctor-*")
		if err != nil {
			d.addError(r, "state", field, fmt.Sprintf("%s is not writable: %v", dir, err))
			return
		}
		probe.Close()
		_ = os.Remove(probe.Name())
	}
}

// validateLocator checks the payload recognition patterns.
func (d *Doctor) validateLocator(r *Result) {
	for i, p := range d.cfg.Locator.Patterns {
		if !doublestar.ValidatePattern(p) {
			d.addError(r, "locator", fmt.Sprintf("locator.patterns[%d]", i), fmt.Sprintf("invalid pattern %q", p))
		}
	}
	if d.cfg.Locator.Magic == "" {
		d.addWarning(r, "locator", "locator.magic", "no magic marker; only file names are used to find data")
	}
}

func (d *Doctor) validateNotify(r *Result) {
	if _, err := webhook.FromGlobalConfig(d.cfg.Notify); err != nil {
		d.addError(r, "notify", "notify.endpoints", err.Error())
		return
	}
	for i, ep := range d.cfg.Notify.Endpoints {
		u, _ := url.Parse(ep.URL)
		if u.Scheme != "http" {
			continue
		}
		if ip := net.ParseIP(u.Hostname()); u.Hostname() == "localhost" || (ip != nil && ip.IsLoopback()) {
			continue
		}
		d.addWarning(r, "notify", fmt.Sprintf("notify.endpoints[%d].url", i),
			"plain http to a remote host; session ids and digests travel unencrypted")
	}
}

func (d *Doctor) warnRetention(r *Result) {
	if !d.cfg.Retention.Enabled {
		d.addWarning(r, "retention", "retention.enabled", "retention disabled; session directories are kept until pruned")
		return
	}
	if d.cfg.Retention.MaxAge < time.Hour {
		d.addWarning(r, "retention", "retention.max_age",
			fmt.Sprintf("max_age %s may remove outputs before clients download them", d.cfg.Retention.MaxAge))
	}
}

// warnMissingEnvVars warns about ${VAR} references left unresolved.
func (d *Doctor) warnMissingEnvVars(r *Result) {
	fields := map[string]string{
		"state.path":         d.cfg.State.Path,
		"state.sessions_dir": d.cfg.State.SessionsDir,
	}
	for i, arg := range d.cfg.Engine.Args {
		fields[fmt.Sprintf("engine.args[%d]", i)] = arg
	}
	for field, v := range fields {
		for _, m := range envVarRe.FindAllStringSubmatch(v, -1) {
			if os.Getenv(m[1]) == "" {
				d.addWarning(r, "env_vars", field, fmt.Sprintf("environment variable ${%s} not set", m[1]))
			}
		}
	}
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	switch {
	case r.Valid && len(r.Warnings) == 0:
		b.WriteString("Configuration valid.\n")
		return b.String()
	case r.Valid:
		fmt.Fprintf(&b, "Configuration valid (%d warning(s))\n", len(r.Warnings))
	default:
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		writeIssue(&b, "ERROR", e)
	}
	for _, w := range r.Warnings {
		writeIssue(&b, "WARN ", w)
	}
	return b.String()
}

func writeIssue(b *strings.Builder, label string, i Issue) {
	if i.Field != "" {
		fmt.Fprintf(b, "  %s [%s] %s: %s\n", label, i.Category, i.Field, i.Message)
		return
	}
	fmt.Fprintf(b, "  %s [%s] %s\n", label, i.Category, i.Message)
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
