package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func newVersionCmd() *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version metadata",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return writeVersion(cmd.OutOrStdout(), currentVersionInfo(), jsonOut)
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output version metadata as JSON")
	return cmd
}

func writeVersion(w io.Writer, info versionInfo, jsonOut bool) error {
	if jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			return fmt.Errorf("render version JSON: %w", err)
		}
		_, err = fmt.Fprintln(w, string(data))
		return err
	}
	_, err := fmt.Fprintf(w, "qsmgw %s\ncommit: %s\nbuilt_at: %s\n", info.Version, info.Commit, info.BuildTime)
	return err
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}
	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	commit := strings.TrimSpace(gitCommit)
	if commit == "" || commit == "unknown" {
		commit = strings.TrimSpace(readBuildSetting("vcs.revision"))
	}
	if commit != "" {
		info.Commit = shortenCommit(commit)
	}

	built := strings.TrimSpace(buildDate)
	if built == "" || built == "unknown" {
		built = strings.TrimSpace(readBuildSetting("vcs.time"))
	}
	if normalized, ok := normalizeBuildTimeUTC(built); ok {
		info.BuildTime = normalized
	}
	return info
}

func shortenCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}

func normalizeBuildTimeUTC(raw string) (string, bool) {
	if raw == "" || raw == "unknown" {
		return "", false
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return "", false
	}
	return t.UTC().Format(time.RFC3339), true
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return setting.Value
		}
	}
	return ""
}
