package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/qsmgw/internal/config"
	"github.com/mattjoyce/qsmgw/internal/doctor"
)

func newConfigCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Validate and fingerprint configuration",
	}
	cmd.AddCommand(newConfigCheckCmd(g), newConfigHashCmd(g))
	return cmd
}

func newConfigCheckCmd(g *globalFlags) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Load the configuration and check it against this host",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, err := g.loadConfig()
			if err != nil {
				return err
			}
			result := doctor.New(cfg).Validate()
			out := cmd.OutOrStdout()
			if jsonOut {
				text, err := doctor.FormatJSON(result)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, text)
			} else {
				fmt.Fprintf(out, "config: %s\n", path)
				fmt.Fprintf(out, "engine: %s\n", cfg.Engine.Command)
				fmt.Fprint(out, doctor.FormatHuman(result))
			}
			if !result.Valid {
				return fmt.Errorf("configuration has %d error(s)", len(result.Errors))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output the check result as JSON")
	return cmd
}

func newConfigHashCmd(g *globalFlags) *cobra.Command {
	var verify string
	cmd := &cobra.Command{
		Use:   "hash",
		Short: "Print the BLAKE3 digest of the configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := g.configFile()
			if err != nil {
				return err
			}
			if verify != "" {
				if err := config.VerifyDigest(path, verify); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "hash OK: %s\n", path)
				return nil
			}
			sum, err := config.Digest(path)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s  %s\n", sum, path)
			return nil
		},
	}
	cmd.Flags().StringVar(&verify, "verify", "", "Expected digest; fail if the file differs")
	return cmd
}

// configFile resolves --config (or discovery) to a file, accepting a
// directory that holds config.yaml.
func (g *globalFlags) configFile() (string, error) {
	path := g.configPath
	if path == "" {
		discovered, err := config.DiscoverConfigPath()
		if err != nil {
			return "", err
		}
		path = discovered
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		path = filepath.Join(path, "config.yaml")
	}
	return path, nil
}
