package config

import "time"

// Config represents the complete qsmgw configuration.
type Config struct {
	Service   ServiceConfig     `yaml:"service"`
	API       APIConfig         `yaml:"api"`
	State     StateConfig       `yaml:"state"`
	Engine    EngineConfig      `yaml:"engine"`
	Locator   LocatorConfig     `yaml:"locator"`
	Retention RetentionConfig   `yaml:"retention"`
	Notify    NotifyConfig      `yaml:"notify"`
	Options   map[string]string `yaml:"options,omitempty"` // default overrides for the option table
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Listen          string        `yaml:"listen"`
	MaxUploadBytes  int64         `yaml:"max_upload_bytes"`
	LogPollInterval time.Duration `yaml:"log_poll_interval"`
	// StopWait bounds how long a stop request waits for the runner to settle
	// before reporting the session status.
	StopWait time.Duration `yaml:"stop_wait"`
}

// StateConfig defines where session state lives on disk.
type StateConfig struct {
	Path        string `yaml:"path"`         // sqlite session history
	SessionsDir string `yaml:"sessions_dir"` // per-session directories
}

// EngineConfig describes the external engine executable.
type EngineConfig struct {
	Command     string        `yaml:"command"`
	Args        []string      `yaml:"args,omitempty"`
	WarmStart   bool          `yaml:"warm_start"`
	InitTimeout time.Duration `yaml:"init_timeout"`
	KillGrace   time.Duration `yaml:"kill_grace"`
}

// LocatorConfig tunes payload recognition for the data root locator.
type LocatorConfig struct {
	Patterns    []string `yaml:"patterns"`
	MagicOffset int      `yaml:"magic_offset"`
	Magic       string   `yaml:"magic"`
}

// RetentionConfig controls the session directory janitor.
type RetentionConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	MaxAge   time.Duration `yaml:"max_age"`
}

// NotifyConfig lists outbound webhooks posted when a session finishes.
type NotifyConfig struct {
	Timeout   time.Duration    `yaml:"timeout"`
	Attempts  int              `yaml:"attempts"`
	Endpoints []NotifyEndpoint `yaml:"endpoints,omitempty"`
}

// NotifyEndpoint is one receiver. Statuses filters which terminal statuses
// are delivered; empty means all of them.
type NotifyEndpoint struct {
	URL             string   `yaml:"url"`
	Secret          string   `yaml:"secret"`
	SignatureHeader string   `yaml:"signature_header,omitempty"`
	Statuses        []string `yaml:"statuses,omitempty"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "qsmgw",
			LogLevel:  "info",
			LogFormat: "json",
		},
		API: APIConfig{
			Listen:          "0.0.0.0:8080",
			MaxUploadBytes:  8 << 30,
			LogPollInterval: 500 * time.Millisecond,
			StopWait:        30 * time.Second,
		},
		State: StateConfig{
			Path:        "./data/state.db",
			SessionsDir: "./sessions",
		},
		Engine: EngineConfig{
			WarmStart:   true,
			InitTimeout: 2 * time.Minute,
			KillGrace:   5 * time.Second,
		},
		Locator: LocatorConfig{
			Patterns:    []string{"*.dcm", "*.DCM", "*.ima", "*.IMA"},
			MagicOffset: 128,
			Magic:       "DICM",
		},
		Retention: RetentionConfig{
			Enabled:  false,
			Interval: time.Hour,
			MaxAge:   7 * 24 * time.Hour,
		},
		Notify: NotifyConfig{
			Timeout:  10 * time.Second,
			Attempts: 3,
		},
	}
}
