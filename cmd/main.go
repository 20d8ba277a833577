package main

import (
	"os"

	"github.com/spf13/cobra"

	"codespace-userd/cmd/install"
	"codespace-userd/cmd/keygen"
	"codespace-userd/cmd/serve"
	"codespace-userd/cmd/token"
	"codespace-userd/cmd/uninstall"
	"codespace-userd/cmd/version"
)

var (
	verbose    bool
	configPath string
)

var rootCmd = &cobra.Command{
	Use:   "codespace-userd",
	Short: "codespace-userd - provisions Unix codespace accounts over HTTP",
	Long: `codespace-userd is a privileged daemon that provisions and tears down
Unix user accounts (home directory, SSH keypair, permissions) on request
through a small HTTP API. It also ships the key generation and host
installation tooling the daemon needs.`,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")

	rootCmd.AddCommand(serve.NewServeCommand(&verbose, &configPath))
	rootCmd.AddCommand(keygen.NewKeygenCommand(&verbose, &configPath))
	rootCmd.AddCommand(token.NewTokenCommand(&verbose, &configPath))
	rootCmd.AddCommand(install.NewInstallCommand(&verbose, &configPath))
	rootCmd.AddCommand(uninstall.NewUninstallCommand(&verbose, &configPath))
	rootCmd.AddCommand(version.NewVersionCommand())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
