package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	version    string = "dev"
	commit     string = "unknown"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "chatbridge",
	Short: "Bridge a messaging session to a correlated command protocol",
	Long: `chatbridge drives one messaging session through an automation driver
and exposes it to any number of subscribers over websocket or TCP.

Subscribers send correlated commands (getContacts, getChats, getQRCode,
getChatMessages, sendMessage, sendMedia, searchMessages) and receive
responses plus session events (qr, authenticated, ready, auth_failure,
disconnected, message).

Quick Start:
  chatbridge serve --upstream "stdio:node driver.js"
  chatbridge serve --config chatbridge.toml`,
	Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), rootCmd.Version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a TOML config file")
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)
	rootCmd.AddCommand(versionCmd)
}
