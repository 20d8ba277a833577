package serve

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"codespace-userd/internal/command"
	"codespace-userd/internal/config"
	"codespace-userd/internal/logging"
	"codespace-userd/internal/provision"
	"codespace-userd/internal/server"
	"codespace-userd/internal/token"
)

const shutdownGrace = 10 * time.Second

// NewServeCommand creates the serve command
func NewServeCommand(verbose *bool, configPath *string) *cobra.Command {
	var (
		listenAddr    string
		baseDir       string
		shell         string
		hostSuffix    string
		keyPath       string
		logPath       string
		stepTimeoutMs int
		useSudo       bool
		dryRun        bool
		authDisabled  bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the provisioning HTTP server",
		Long: `Start the codespace-userd HTTP server that provisions and tears down
Unix user accounts on request. The process needs enough privilege to run
useradd, chpasswd, ssh-keygen, chown, chmod, and userdel - either run it
as root or enable useSudo with a matching sudoers drop-in (see install).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(
				*verbose, *configPath,
				listenAddr, baseDir, shell, hostSuffix,
				keyPath, logPath, stepTimeoutMs,
				useSudo, dryRun, authDisabled,
			)
		},
	}

	cmd.Flags().StringVar(&listenAddr, "listen-addr", "", "Address to listen on (e.g. :8080)")
	cmd.Flags().StringVar(&baseDir, "base-dir", "", "Root directory for provisioned home directories")
	cmd.Flags().StringVar(&shell, "shell", "", "Login shell assigned to provisioned accounts")
	cmd.Flags().StringVar(&hostSuffix, "host-suffix", "", "Comment suffix for generated SSH keys")
	cmd.Flags().StringVar(&keyPath, "key-path", "", "Directory holding the API auth JWK files")
	cmd.Flags().StringVar(&logPath, "log-path", "", "Path to store log files (for daemon mode)")
	cmd.Flags().IntVar(&stepTimeoutMs, "step-timeout", 0, "Per-command deadline in milliseconds")
	cmd.Flags().BoolVar(&useSudo, "sudo", false, "Prefix every external command with sudo")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Log commands but don't execute them (safe testing mode)")
	cmd.Flags().BoolVar(&authDisabled, "no-auth", false, "Serve the API without bearer-token verification")

	return cmd
}

func runServe(
	verbose bool, configPath string,
	listenAddr, baseDir, shell, hostSuffix string,
	keyPath, logPath string, stepTimeoutMs int,
	useSudo, dryRun, authDisabled bool,
) error {
	flagOverrides := map[string]interface{}{
		"listenAddr":    listenAddr,
		"baseDir":       baseDir,
		"shell":         shell,
		"hostSuffix":    hostSuffix,
		"keyPath":       keyPath,
		"logPath":       logPath,
		"stepTimeoutMs": stepTimeoutMs,
		"useSudo":       useSudo,
		"dryRun":        dryRun,
		"authDisabled":  authDisabled,
	}

	cfg, err := config.LoadWithOverrides(configPath, flagOverrides)
	if err != nil {
		logger := logrus.New()
		if verbose {
			logger.SetLevel(logrus.DebugLevel)
		}
		logger.WithError(err).Error("Failed to load configuration")
		return err
	}

	logger := logging.SetupLoggerFromConfig(verbose, cfg)

	var verifier server.Verifier
	if cfg.AuthDisabled {
		logger.Warn("API authentication is disabled; anyone who can reach the listener can manage accounts")
	} else {
		manager := token.NewManager(logger)
		if err := manager.LoadPublicKey(cfg.KeyPath); err != nil {
			logger.WithError(err).Error("Failed to load API verification key")
			logger.Errorf("Generate keys first: codespace-userd keygen --key-path %s", cfg.KeyPath)
			logger.Error("Or run with --no-auth for local testing")
			return err
		}
		verifier = manager
	}

	runner := command.NewExecRunner(logger, cfg.UseSudo, cfg.DryRun)
	workflow := provision.New(runner, logger, cfg)
	srv := server.New(cfg, workflow, verifier, logger)

	logger.WithFields(logrus.Fields{
		"version":       cfg.Version,
		"listenAddr":    cfg.ListenAddr,
		"baseDir":       cfg.BaseDir,
		"shell":         cfg.Shell,
		"hostSuffix":    cfg.HostSuffix,
		"stepTimeoutMs": cfg.StepTimeoutMs,
		"useSudo":       cfg.UseSudo,
		"dryRun":        cfg.DryRun,
		"authDisabled":  cfg.AuthDisabled,
	}).Info("Starting codespace-userd")

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		logger.WithError(err).Error("Server stopped with error")
		return err
	case sig := <-sigChan:
		logger.WithField("signal", sig.String()).Info("Received shutdown signal, shutting down gracefully...")
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.WithError(err).Warn("Graceful shutdown did not complete")
		return err
	}

	logger.Info("codespace-userd stopped")
	return nil
}
