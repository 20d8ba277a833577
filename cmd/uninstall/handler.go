package uninstall

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// NewUninstallCommand creates the uninstall command
func NewUninstallCommand(verbose *bool, configPath *string) *cobra.Command {
	var (
		serviceName string
		serviceUser string
		force       bool
	)

	cmd := &cobra.Command{
		Use:   "uninstall",
		Short: "Remove the codespace-userd installation",
		Long: `Remove everything the install command set up:
- Stop and disable the systemd service
- Remove the unit file and sudoers drop-in
- Remove the configuration directory (including API keys)
- Remove the service user and the installed binary

Provisioned accounts and their home directories are NOT touched; delete
those through the API before uninstalling if you want them gone.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUninstall(*verbose, serviceName, serviceUser, force)
		},
	}

	cmd.Flags().StringVar(&serviceName, "service-name", "codespace-userd", "Name of the systemd service to remove")
	cmd.Flags().StringVar(&serviceUser, "user", "codespace-userd", "Service user to remove")
	cmd.Flags().BoolVar(&force, "force", false, "Skip the confirmation prompt")

	return cmd
}

func runUninstall(verbose bool, serviceName, serviceUser string, force bool) error {
	logger := logrus.New()
	if verbose {
		logger.SetLevel(logrus.DebugLevel)
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}

	if !force {
		fmt.Println("WARNING: This will remove the codespace-userd service, its configuration, and its API keys.")
		fmt.Print("Continue? [y/N]: ")
		var answer string
		if _, err := fmt.Scanln(&answer); err != nil || (answer != "y" && answer != "Y") {
			fmt.Println("Aborted.")
			return nil
		}
	}

	logger.WithFields(logrus.Fields{
		"service_name": serviceName,
		"service_user": serviceUser,
	}).Info("Starting uninstallation")

	// Stop and disable the service if present
	if exec.Command("systemctl", "is-active", serviceName).Run() == nil {
		logger.Info("Service is running, stopping...")
		if err := exec.Command("sudo", "systemctl", "stop", serviceName).Run(); err != nil {
			logger.WithError(err).Warn("Failed to stop service")
		}
	}
	if exec.Command("systemctl", "is-enabled", serviceName).Run() == nil {
		if err := exec.Command("sudo", "systemctl", "disable", serviceName).Run(); err != nil {
			logger.WithError(err).Warn("Failed to disable service")
		}
	}

	removals := []string{
		fmt.Sprintf("/etc/systemd/system/%s.service", serviceName),
		"/etc/sudoers.d/codespace-userd",
		"/etc/codespace-userd",
		"/var/log/codespace-userd",
		"/usr/local/bin/codespace-userd",
	}
	for _, path := range removals {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := exec.Command("sudo", "rm", "-rf", path).Run(); err != nil {
			logger.WithError(err).WithField("path", path).Warn("Failed to remove path")
		} else {
			logger.WithField("path", path).Info("Removed")
		}
	}

	if err := exec.Command("sudo", "systemctl", "daemon-reload").Run(); err != nil {
		logger.WithError(err).Warn("Failed to reload systemd daemon")
	}

	if exec.Command("id", serviceUser).Run() == nil {
		if err := exec.Command("sudo", "userdel", serviceUser).Run(); err != nil {
			logger.WithError(err).WithField("user", serviceUser).Warn("Failed to remove service user")
		} else {
			logger.WithField("user", serviceUser).Info("Service user removed")
		}
	}

	logger.Info("Uninstallation complete")
	return nil
}
