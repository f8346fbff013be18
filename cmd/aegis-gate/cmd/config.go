package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Aegis-Gate/aegisgate/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Long: `Print the effective configuration as YAML, after file loading,
environment overrides, and defaults. Secrets are redacted.

Useful for checking what a running gateway would actually use:
  aegis-gate --config /etc/aegis-gate/aegis-gate.yaml config`,
	RunE: runConfig,
}

func init() {
	rootCmd.AddCommand(configCmd)
}

func runConfig(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadRaw()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	cfg.SetDevDefaults()

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "WARNING: %v\n\n", err)
	}

	// Never print the legacy secret.
	if cfg.Auth.LegacySecret != "" {
		cfg.Auth.LegacySecret = "[redacted]"
	}

	if file := config.FileUsed(); file != "" {
		fmt.Fprintf(os.Stderr, "# loaded from %s\n", file)
	} else {
		fmt.Fprintln(os.Stderr, "# no config file found; defaults and environment only")
	}

	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to render config: %w", err)
	}
	fmt.Print(string(out))
	return nil
}
