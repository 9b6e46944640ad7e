// Package commands implements the rtftpd CLI.
package commands

import (
	"github.com/spf13/cobra"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"

	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:   "rtftpd",
	Short: "rtftpd - read-only TFTP server for network boot",
	Long: `rtftpd serves files to network-booting clients over TFTP (RFC 1350).

It resolves each request against a per-client local directory, a shared
"default" directory, and, if neither has the file, an NBD-backed guest
filesystem attached on demand via libguestfs.

Use "rtftpd [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and runs it. Called
// once from main.main.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)

	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

// GetConfigFile returns the --config flag value.
func GetConfigFile() string {
	return cfgFile
}
