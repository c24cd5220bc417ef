package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/qsmgw/internal/config"
)

const defaultAPIURL = "http://127.0.0.1:8080"

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	apiURL     string
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:   "qsmgw",
		Short: "QSM session gateway",
		Long: `qsmgw accepts paired magnitude/phase DICOM uploads over HTTP, runs them
one at a time through a single external reconstruction engine, and serves the
run log and zipped output per session.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "Configuration file (default: discovered)")
	root.PersistentFlags().StringVar(&g.apiURL, "api-url", envOr("QSMGW_API_URL", defaultAPIURL), "Gateway base URL for client commands")

	root.AddCommand(
		newServeCmd(g),
		newSubmitCmd(g),
		newStatusCmd(g),
		newStopCmd(g),
		newWatchCmd(g),
		newSessionsCmd(g),
		newConfigCmd(g),
		newVersionCmd(),
	)
	return root
}

// loadConfig resolves --config (or discovery) and loads it.
func (g *globalFlags) loadConfig() (*config.Config, string, error) {
	path := g.configPath
	if path == "" {
		discovered, err := config.DiscoverConfigPath()
		if err != nil {
			return nil, "", err
		}
		path = discovered
		fmt.Fprintf(os.Stderr, "Using discovered config: %s\n", path)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, path, nil
}

func (g *globalFlags) baseURL() string {
	return strings.TrimRight(g.apiURL, "/")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
