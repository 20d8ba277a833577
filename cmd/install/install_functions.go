package install

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"codespace-userd/types"
)

const (
	defaultConfigPath = "/etc/codespace-userd/config.yaml"
	installedBinary   = "/usr/local/bin/codespace-userd"
	sudoersDropIn     = "/etc/sudoers.d/codespace-userd"
)

// provisioningCommands are the external programs the workflow invokes; the
// sudoers drop-in grants exactly these to the service user.
var provisioningCommands = []string{
	"/usr/sbin/useradd",
	"/usr/sbin/userdel",
	"/usr/sbin/chpasswd",
	"/usr/bin/passwd",
	"/usr/bin/ssh-keygen",
	"/usr/bin/mkdir",
	"/usr/bin/rm",
	"/usr/bin/cp",
	"/usr/bin/cat",
	"/usr/bin/chown",
	"/usr/bin/chmod",
	"/usr/bin/test",
	"/usr/bin/id",
}

const defaultConfig = `# codespace-userd configuration
version: "1.0"
listenAddr: ":8080"
baseDir: /home/codespace
shell: /bin/bash
hostSuffix: codespace
keyPath: /etc/codespace-userd/keys
logPath: /var/log/codespace-userd/service.log
stepTimeoutMs: 30000
useSudo: true
dryRun: false
authDisabled: false
`

// installBinaryAndConfig copies the running executable into place and seeds
// a default config file if none exists yet.
func installBinaryAndConfig(configPath string, logger *logrus.Logger) error {
	executablePath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to detect executable path: %w", err)
	}
	executablePath, err = filepath.EvalSymlinks(executablePath)
	if err != nil {
		return fmt.Errorf("failed to resolve executable path: %w", err)
	}

	if executablePath != installedBinary {
		logger.WithFields(logrus.Fields{
			"from": executablePath,
			"to":   installedBinary,
		}).Info("Installing binary")

		if err := exec.Command("sudo", "cp", executablePath, installedBinary).Run(); err != nil {
			return fmt.Errorf("failed to copy binary to %s: %w", installedBinary, err)
		}
		if err := exec.Command("sudo", "chmod", "755", installedBinary).Run(); err != nil {
			return fmt.Errorf("failed to set binary permissions: %w", err)
		}
	}

	if _, err := os.Stat(configPath); err == nil {
		logger.WithField("path", configPath).Info("Config already exists, leaving it untouched")
		return nil
	}

	configDir := filepath.Dir(configPath)
	if err := exec.Command("sudo", "mkdir", "-p", configDir).Run(); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", configDir, err)
	}

	if err := writeRootFile(configPath, defaultConfig, "644"); err != nil {
		return fmt.Errorf("failed to write default config: %w", err)
	}

	logger.WithField("path", configPath).Info("Default config created")
	return nil
}

// createServiceUser creates the system service user if it doesn't exist
func createServiceUser(serviceUser string, logger *logrus.Logger) error {
	if exec.Command("id", serviceUser).Run() == nil {
		logger.WithField("user", serviceUser).Info("Service user already exists")
		return nil
	}

	cmd := exec.Command("sudo", "useradd",
		"--system",
		"--shell", "/usr/sbin/nologin",
		"--home-dir", "/nonexistent",
		"--no-create-home",
		serviceUser)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("failed to create user %s: %w", serviceUser, err)
	}

	logger.WithField("user", serviceUser).Info("Service user created")
	return nil
}

// writeSudoersDropIn grants the service user passwordless access to exactly
// the commands the provisioning workflow runs.
func writeSudoersDropIn(serviceUser string, logger *logrus.Logger) error {
	rule := fmt.Sprintf("%s ALL=(root) NOPASSWD: %s\n", serviceUser, strings.Join(provisioningCommands, ", "))

	if err := writeRootFile(sudoersDropIn, rule, "440"); err != nil {
		return err
	}

	// visudo -c validates the whole sudoers setup including our drop-in
	if output, err := exec.Command("sudo", "visudo", "-c").CombinedOutput(); err != nil {
		_ = exec.Command("sudo", "rm", "-f", sudoersDropIn).Run()
		return fmt.Errorf("sudoers validation failed, drop-in removed: %w\n%s", err, output)
	}

	logger.WithField("path", sudoersDropIn).Info("Sudoers drop-in written")
	return nil
}

// createDirectories creates the key, log, and base directories
func createDirectories(cfg *types.Config, serviceUser string, logger *logrus.Logger) error {
	type dir struct {
		path  string
		owner string
		mode  string
	}

	dirs := []dir{
		{cfg.BaseDir, "root:root", "755"},
		{cfg.KeyPath, serviceUser + ":" + serviceUser, "700"},
	}
	if cfg.LogPath != "" {
		dirs = append(dirs, dir{filepath.Dir(cfg.LogPath), serviceUser + ":" + serviceUser, "755"})
	}

	for _, d := range dirs {
		if d.path == "" {
			continue
		}

		logger.WithField("dir", d.path).Info("Creating directory")

		if err := exec.Command("sudo", "mkdir", "-p", d.path).Run(); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", d.path, err)
		}
		if err := exec.Command("sudo", "chown", d.owner, d.path).Run(); err != nil {
			return fmt.Errorf("failed to set ownership for %s: %w", d.path, err)
		}
		if err := exec.Command("sudo", "chmod", d.mode, d.path).Run(); err != nil {
			return fmt.Errorf("failed to set permissions for %s: %w", d.path, err)
		}
	}

	return nil
}

// generateAPIKeys generates the JWK keypair using the keygen command
func generateAPIKeys(keyPath string, logger *logrus.Logger) error {
	privateKeyPath := filepath.Join(keyPath, "jwk.private.json")
	if _, err := os.Stat(privateKeyPath); err == nil {
		logger.Info("API keys already exist")
		return nil
	}

	cmd := exec.Command("sudo", installedBinary, "keygen", "--key-path", keyPath)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("failed to generate API keys: %w\nOutput: %s", err, string(output))
	}

	logger.Info("API keys generated")
	return nil
}

// createSystemdService writes the unit file and reloads systemd
func createSystemdService(serviceName, serviceUser, configPath string, logger *logrus.Logger) error {
	unitPath := fmt.Sprintf("/etc/systemd/system/%s.service", serviceName)
	unit := generateSystemdUnit(serviceName, serviceUser, configPath)

	if err := writeRootFile(unitPath, unit, "644"); err != nil {
		return fmt.Errorf("failed to write unit file: %w", err)
	}

	if err := exec.Command("sudo", "systemctl", "daemon-reload").Run(); err != nil {
		return fmt.Errorf("failed to reload systemd: %w", err)
	}

	logger.WithField("path", unitPath).Info("Systemd service created")
	return nil
}

func generateSystemdUnit(serviceName, serviceUser, configPath string) string {
	return fmt.Sprintf(`[Unit]
Description=codespace-userd - Unix account provisioning API
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
User=%s
Group=%s
ExecStart=%s serve --config %s
Restart=always
RestartSec=5s
StandardOutput=journal
StandardError=journal
SyslogIdentifier=%s

NoNewPrivileges=no
ProtectKernelTunables=true
ProtectKernelModules=true
ProtectControlGroups=true

[Install]
WantedBy=multi-user.target
`, serviceUser, serviceUser, installedBinary, configPath, serviceName)
}

// writeRootFile writes content to a root-owned path via a temp file and
// sudo mv, since the installer itself may run unprivileged.
func writeRootFile(path, content, mode string) error {
	tempFile := filepath.Join(os.TempDir(), filepath.Base(path))
	if err := os.WriteFile(tempFile, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write temporary file: %w", err)
	}

	if err := exec.Command("sudo", "mv", tempFile, path).Run(); err != nil {
		return fmt.Errorf("failed to move file into place: %w", err)
	}
	if err := exec.Command("sudo", "chown", "root:root", path).Run(); err != nil {
		return fmt.Errorf("failed to set ownership on %s: %w", path, err)
	}
	if err := exec.Command("sudo", "chmod", mode, path).Run(); err != nil {
		return fmt.Errorf("failed to set permissions on %s: %w", path, err)
	}
	return nil
}
