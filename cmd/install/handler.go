package install

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"codespace-userd/internal/config"
)

// NewInstallCommand creates the install command
func NewInstallCommand(verbose *bool, configPath *string) *cobra.Command {
	var (
		serviceName string
		serviceUser string
	)

	cmd := &cobra.Command{
		Use:   "install",
		Short: "Install codespace-userd on this host",
		Long: `Install codespace-userd with complete host setup including:
- Binary installation to /usr/local/bin/codespace-userd
- Default config creation (if not exists)
- Service user creation
- Sudoers drop-in granting the service user the account-management commands
- API keypair generation
- Systemd service creation

This command does NOT automatically start the service - edit the config
file first, then enable and start the systemd unit yourself.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInstall(*verbose, *configPath, serviceName, serviceUser)
		},
	}

	cmd.Flags().StringVar(&serviceName, "service-name", "codespace-userd", "Name for the systemd service")
	cmd.Flags().StringVar(&serviceUser, "user", "codespace-userd", "User to run the service as")

	return cmd
}

func runInstall(verbose bool, configPath string, serviceName, serviceUser string) error {
	logger := logrus.New()
	if verbose {
		logger.SetLevel(logrus.DebugLevel)
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}

	if configPath == "" {
		configPath = defaultConfigPath
	}

	logger.WithFields(logrus.Fields{
		"service_name": serviceName,
		"service_user": serviceUser,
		"config_path":  configPath,
	}).Info("Starting codespace-userd installation")

	logger.Info("Step 1: Installing binary and default config")
	if err := installBinaryAndConfig(configPath, logger); err != nil {
		return fmt.Errorf("failed to install binary and config: %w", err)
	}

	logger.Info("Step 2: Validating configuration")
	cfg, err := config.LoadWithOverrides(configPath, nil)
	if err != nil {
		logger.WithError(err).Error("Configuration validation failed")
		logger.Info("Edit the configuration file and try again: sudo nano " + configPath)
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	logger.Info("Step 3: Creating service user")
	if err := createServiceUser(serviceUser, logger); err != nil {
		return fmt.Errorf("failed to create service user: %w", err)
	}

	logger.Info("Step 4: Writing sudoers drop-in")
	if err := writeSudoersDropIn(serviceUser, logger); err != nil {
		return fmt.Errorf("failed to write sudoers drop-in: %w", err)
	}

	logger.Info("Step 5: Creating directories")
	if err := createDirectories(cfg, serviceUser, logger); err != nil {
		return fmt.Errorf("failed to create directories: %w", err)
	}

	logger.Info("Step 6: Generating API keys")
	if err := generateAPIKeys(cfg.KeyPath, logger); err != nil {
		return fmt.Errorf("failed to generate API keys: %w", err)
	}

	logger.Info("Step 7: Creating systemd service")
	if err := createSystemdService(serviceName, serviceUser, configPath, logger); err != nil {
		return fmt.Errorf("failed to create systemd service: %w", err)
	}

	fmt.Println("\nInstallation complete.")
	fmt.Printf("1. Review the config: sudo nano %s\n", configPath)
	fmt.Printf("2. Issue a token:     codespace-userd token --key-path %s\n", cfg.KeyPath)
	fmt.Printf("3. Start the service: sudo systemctl enable --now %s\n", serviceName)

	return nil
}
