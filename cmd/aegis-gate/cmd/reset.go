package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Aegis-Gate/aegisgate/internal/config"
)

var (
	resetIncludeKey bool
	resetForce      bool
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset AegisGate to a clean state",
	Long: `Reset AegisGate by removing the SQLite database.

This clears all users, roles, grants, upstream servers, guards, origin
policy, signing keys, and the audit log. On next start, AegisGate will
boot fresh and seed a new admin account.

The encryption key file is kept by default; pass --include-key to
remove it too.

Examples:
  # Reset the database (interactive confirmation)
  aegis-gate reset

  # Reset everything without prompting
  aegis-gate reset --include-key --force`,
	RunE: runReset,
}

func init() {
	resetCmd.Flags().BoolVar(&resetIncludeKey, "include-key", false, "Also remove the encryption key file")
	resetCmd.Flags().BoolVar(&resetForce, "force", false, "Skip confirmation prompt")
	rootCmd.AddCommand(resetCmd)
}

func runReset(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadRaw()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	type target struct {
		path string
		desc string
	}
	targets := []target{
		{cfg.Database.Path, "database"},
		{cfg.Database.Path + "-wal", "database WAL"},
		{cfg.Database.Path + "-shm", "database shared memory"},
	}
	if resetIncludeKey {
		targets = append(targets, target{cfg.Auth.EncryptionKeyFile, "encryption key"})
	}

	var existing []target
	for _, t := range targets {
		if _, err := os.Stat(t.path); err == nil {
			existing = append(existing, t)
		}
	}
	if len(existing) == 0 {
		fmt.Fprintln(os.Stderr, "Nothing to reset — no state files found.")
		return nil
	}

	fmt.Fprintln(os.Stderr, "The following will be removed:")
	for _, t := range existing {
		fmt.Fprintf(os.Stderr, "  - %s (%s)\n", t.path, t.desc)
	}

	if !resetForce {
		fmt.Fprint(os.Stderr, "\nProceed? [y/N] ")
		var answer string
		fmt.Scanln(&answer) //nolint:errcheck // interactive prompt, error irrelevant
		if answer != "y" && answer != "Y" {
			fmt.Fprintln(os.Stderr, "Aborted.")
			return nil
		}
	}

	var failed int
	for _, t := range existing {
		if err := os.Remove(t.path); err != nil {
			fmt.Fprintf(os.Stderr, "  ERROR removing %s: %v\n", t.path, err)
			failed++
		} else {
			fmt.Fprintf(os.Stderr, "  Removed %s\n", t.path)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d file(s) could not be removed", failed)
	}

	fmt.Fprintln(os.Stderr, "\nReset complete. AegisGate will start fresh on next launch.")
	return nil
}
