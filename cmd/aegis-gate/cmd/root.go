// Package cmd provides the CLI commands for aegis-gate.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Aegis-Gate/aegisgate/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "aegis-gate",
	Short: "AegisGate - MCP Security Gateway",
	Long: `AegisGate is a security gateway for Model Context Protocol (MCP) servers.

It sits between MCP clients and upstream MCP servers, providing
authentication, role-based access control, per-tool guard expressions,
session management, and audit logging over the Streamable HTTP
transport.

Quick start:
  1. Run: aegis-gate serve
  2. Log in with the seeded admin account and change its password.
  3. Register upstream servers via the admin API.

Configuration:
  Config is loaded from aegis-gate.yaml in the current directory,
  $HOME/.aegis-gate/, or /etc/aegis-gate/.

  Environment variables can override config values with the AEGIS_GATE_
  prefix. Example: AEGIS_GATE_SERVER_PORT=9090

Commands:
  serve       Start the gateway
  config      Print the effective configuration
  reset       Reset to clean state (remove database and key file)
  version     Print version information`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./aegis-gate.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
