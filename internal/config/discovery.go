package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// DiscoverConfigPath finds a config file by checking standard locations.
// Priority order: $QSMGW_CONFIG, ~/.config/qsmgw/config.yaml,
// /etc/qsmgw/config.yaml, ./config.yaml.
func DiscoverConfigPath() (string, error) {
	for _, candidate := range candidatePaths() {
		if candidate == "" {
			continue
		}
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("no config found (checked: $QSMGW_CONFIG, ~/.config/qsmgw, /etc/qsmgw, ./config.yaml)")
}

func candidatePaths() []string {
	paths := []string{os.Getenv("QSMGW_CONFIG")}
	if homeDir, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(homeDir, ".config", "qsmgw", "config.yaml"))
	}
	return append(paths, "/etc/qsmgw/config.yaml", "./config.yaml")
}
