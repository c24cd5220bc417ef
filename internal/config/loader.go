package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/mattjoyce/qsmgw/internal/options"
	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses configuration from a file. A directory argument is
// resolved to the config.yaml inside it. Fields absent from the file keep
// their Defaults() values.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	return cfg, nil
}

// Parse decodes YAML bytes over Defaults() and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Defaults()
	interpolated := interpolateEnv(string(data))
	if err := yaml.Unmarshal([]byte(interpolated), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// interpolateEnv replaces ${VAR} with the environment value. Unset variables
// are left in place so validation can report them.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[strings.ToLower(cfg.Service.LogLevel)] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	switch strings.ToLower(cfg.Service.LogFormat) {
	case "json", "text":
	default:
		return fmt.Errorf("service.log_format must be json or text (got %q)", cfg.Service.LogFormat)
	}

	if cfg.API.Listen == "" {
		return fmt.Errorf("api.listen is required")
	}
	if cfg.API.LogPollInterval <= 0 {
		return fmt.Errorf("api.log_poll_interval must be positive")
	}
	if cfg.API.StopWait < 0 {
		return fmt.Errorf("api.stop_wait must not be negative")
	}

	if cfg.State.Path == "" {
		return fmt.Errorf("state.path is required")
	}
	if cfg.State.SessionsDir == "" {
		return fmt.Errorf("state.sessions_dir is required")
	}

	if envVarPattern.MatchString(cfg.Engine.Command) {
		matches := envVarPattern.FindStringSubmatch(cfg.Engine.Command)
		return fmt.Errorf("engine.command: environment variable ${%s} is not set", matches[1])
	}
	if cfg.Engine.InitTimeout <= 0 {
		return fmt.Errorf("engine.init_timeout must be positive")
	}

	if len(cfg.Locator.Patterns) == 0 && cfg.Locator.Magic == "" {
		return fmt.Errorf("locator needs at least one pattern or a magic marker")
	}
	if cfg.Locator.MagicOffset < 0 {
		return fmt.Errorf("locator.magic_offset must not be negative")
	}

	if cfg.Retention.Enabled {
		if cfg.Retention.Interval <= 0 {
			return fmt.Errorf("retention.interval must be positive")
		}
		if cfg.Retention.MaxAge <= 0 {
			return fmt.Errorf("retention.max_age must be positive")
		}
	}

	if cfg.Notify.Attempts < 1 {
		return fmt.Errorf("notify.attempts must be at least 1")
	}
	for i, ep := range cfg.Notify.Endpoints {
		if ep.URL == "" {
			return fmt.Errorf("notify.endpoints[%d].url is required", i)
		}
		if ep.Secret == "" {
			return fmt.Errorf("notify.endpoints[%d].secret is required", i)
		}
		if m := envVarPattern.FindStringSubmatch(ep.Secret); m != nil {
			return fmt.Errorf("notify.endpoints[%d].secret: environment variable ${%s} is not set", i, m[1])
		}
	}

	if _, err := options.NewTable(cfg.Options); err != nil {
		return fmt.Errorf("options: %w", err)
	}
	return nil
}
