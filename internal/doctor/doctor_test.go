package doctor

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mattjoyce/qsmgw/internal/config"
	"github.com/mattjoyce/qsmgw/internal/storage"
)

func validConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Defaults()
	cfg.Engine.Command = "/bin/sh"
	cfg.State.SessionsDir = dir
	cfg.Retention.Enabled = true
	cfg.Retention.Interval = time.Hour
	cfg.Retention.MaxAge = 24 * time.Hour
	cfg.State.Path = filepath.Join(t.TempDir(), "state.db")
	return cfg
}

func newDoctor(cfg *config.Config) *Doctor {
	d := New(cfg)
	d.lookPath = func(name string) (string, error) {
		if name == "/bin/sh" {
			return name, nil
		}
		return "", errors.New("executable file not found in $PATH")
	}
	d.probe = func(path string) (storage.Filesystem, error) {
		return storage.Filesystem{Inspected: path, Type: "ext4"}, nil
	}
	return d
}

func hasIssue(issues []Issue, field string) bool {
	for _, i := range issues {
		if i.Field == field {
			return true
		}
	}
	return false
}

func TestValidate_ValidConfig(t *testing.T) {
	t.Parallel()
	r := newDoctor(validConfig(t)).Validate()
	if !r.Valid {
		t.Fatalf("expected valid, got errors: %v", r.Errors)
	}
	if len(r.Warnings) != 0 {
		t.Fatalf("expected no warnings, got %v", r.Warnings)
	}
}

func TestValidate_EngineNotFound(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.Engine.Command = "qsm-engine-missing"
	r := newDoctor(cfg).Validate()
	if r.Valid {
		t.Fatalf("expected invalid")
	}
	if !hasIssue(r.Errors, "engine.command") {
		t.Fatalf("expected engine.command error, got %v", r.Errors)
	}
}

func TestValidate_EngineEmpty(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.Engine.Command = ""
	r := newDoctor(cfg).Validate()
	if !hasIssue(r.Errors, "engine.command") {
		t.Fatalf("expected engine.command error, got %v", r.Errors)
	}
}

func TestValidate_BadListen(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.API.Listen = "8080"
	r := newDoctor(cfg).Validate()
	if !hasIssue(r.Errors, "api.listen") {
		t.Fatalf("expected api.listen error, got %v", r.Errors)
	}
}

func TestValidate_SessionsDirIsFile(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	file := filepath.Join(t.TempDir(), "not-a-dir")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg.State.SessionsDir = file
	r := newDoctor(cfg).Validate()
	if !hasIssue(r.Errors, "state.sessions_dir") {
		t.Fatalf("expected sessions_dir error, got %v", r.Errors)
	}
}

func TestValidate_MissingDirsWarn(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.State.SessionsDir = filepath.Join(t.TempDir(), "later")
	r := newDoctor(cfg).Validate()
	if !r.Valid {
		t.Fatalf("missing dirs should only warn, got %v", r.Errors)
	}
	if !hasIssue(r.Warnings, "state.sessions_dir") {
		t.Fatalf("expected sessions_dir warning, got %v", r.Warnings)
	}
}

func TestValidate_InvalidPattern(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.Locator.Patterns = []string{"*.dcm", "[unclosed"}
	r := newDoctor(cfg).Validate()
	if !hasIssue(r.Errors, "locator.patterns[1]") {
		t.Fatalf("expected pattern error, got %v", r.Errors)
	}
}

func TestValidate_RetentionWarnings(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.Retention.Enabled = false
	r := newDoctor(cfg).Validate()
	if !hasIssue(r.Warnings, "retention.enabled") {
		t.Fatalf("expected retention warning, got %v", r.Warnings)
	}

	cfg = validConfig(t)
	cfg.Retention.MaxAge = time.Minute
	r = newDoctor(cfg).Validate()
	if !hasIssue(r.Warnings, "retention.max_age") {
		t.Fatalf("expected max_age warning, got %v", r.Warnings)
	}
}

func TestValidate_Notify(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.Notify.Endpoints = []config.NotifyEndpoint{
		{URL: "http://127.0.0.1:9000/hook", Secret: "s"},
		{URL: "http://lab.example.org/hook", Secret: "s"},
		{URL: "https://lab.example.org/hook", Secret: "s"},
	}
	r := newDoctor(cfg).Validate()
	if !r.Valid {
		t.Fatalf("expected valid, got %v", r.Errors)
	}
	if hasIssue(r.Warnings, "notify.endpoints[0].url") || hasIssue(r.Warnings, "notify.endpoints[2].url") {
		t.Fatalf("unexpected notify warning: %v", r.Warnings)
	}
	if !hasIssue(r.Warnings, "notify.endpoints[1].url") {
		t.Fatalf("expected plain http warning, got %v", r.Warnings)
	}

	cfg = validConfig(t)
	cfg.Notify.Endpoints = []config.NotifyEndpoint{{URL: "hooks/relative", Secret: "s"}}
	r = newDoctor(cfg).Validate()
	if r.Valid || !hasIssue(r.Errors, "notify.endpoints") {
		t.Fatalf("expected notify error, got %v", r.Errors)
	}
}

func TestValidate_NetworkFilesystems(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	d := newDoctor(cfg)
	d.probe = func(path string) (storage.Filesystem, error) {
		return storage.Filesystem{Inspected: path, Type: "nfs", Network: true}, nil
	}
	r := d.Validate()
	if r.Valid || !hasIssue(r.Errors, "state.path") {
		t.Fatalf("expected database error, got %v", r.Errors)
	}
	if !hasIssue(r.Warnings, "state.sessions_dir") {
		t.Fatalf("expected sessions_dir warning, got %v", r.Warnings)
	}
}

func TestValidate_UnresolvedEnvVar(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.Engine.Args = []string{"--license", "${QSMGW_DOCTOR_TEST_UNSET}"}
	r := newDoctor(cfg).Validate()
	if !hasIssue(r.Warnings, "engine.args[1]") {
		t.Fatalf("expected env var warning, got %v", r.Warnings)
	}
}

func TestFormatHuman(t *testing.T) {
	t.Parallel()
	out := FormatHuman(&Result{Valid: true})
	if out != "Configuration valid.\n" {
		t.Fatalf("unexpected output %q", out)
	}

	out = FormatHuman(&Result{
		Valid:    false,
		Errors:   []Issue{{Category: "engine", Field: "engine.command", Message: "missing"}},
		Warnings: []Issue{{Category: "retention", Message: "disabled"}},
	})
	if !strings.Contains(out, "Configuration invalid (1 error(s), 1 warning(s))") {
		t.Fatalf("missing summary: %q", out)
	}
	if !strings.Contains(out, "ERROR [engine] engine.command: missing") {
		t.Fatalf("missing error line: %q", out)
	}
	if !strings.Contains(out, "WARN  [retention] disabled") {
		t.Fatalf("missing warning line: %q", out)
	}
}

func TestFormatJSON(t *testing.T) {
	t.Parallel()
	out, err := FormatJSON(&Result{Valid: true})
	if err != nil {
		t.Fatalf("FormatJSON: %v", err)
	}
	if !strings.Contains(out, `"valid": true`) {
		t.Fatalf("unexpected JSON: %s", out)
	}
}
