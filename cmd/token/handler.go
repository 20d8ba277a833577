package token

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"codespace-userd/internal/config"
	"codespace-userd/internal/token"
)

// NewTokenCommand creates the token command
func NewTokenCommand(verbose *bool, configPath *string) *cobra.Command {
	var (
		keyPath string
		subject string
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an API bearer token",
		Long: `Sign a bearer token with the private JWK so an operator or another
service can call the provisioning API. The token is printed to stdout.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runToken(*verbose, *configPath, keyPath, subject, ttl)
		},
	}

	cmd.Flags().StringVar(&keyPath, "key-path", "", "Directory holding the JWK key files")
	cmd.Flags().StringVar(&subject, "subject", "operator", "Subject claim embedded in the token")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")

	return cmd
}

func runToken(verbose bool, configPath, keyPath, subject string, ttl time.Duration) error {
	logger := logrus.New()
	if verbose {
		logger.SetLevel(logrus.DebugLevel)
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}

	if keyPath == "" {
		cfg, err := config.LoadWithOverrides(configPath, nil)
		if err != nil {
			logger.WithError(err).Error("Failed to load configuration")
			return err
		}
		keyPath = cfg.KeyPath
	}

	manager := token.NewManager(logger)
	if err := manager.LoadPrivateKey(keyPath); err != nil {
		logger.WithError(err).Error("Failed to load signing key")
		return err
	}

	raw, err := manager.Issue(subject, ttl)
	if err != nil {
		logger.WithError(err).Error("Failed to issue token")
		return err
	}

	fmt.Println(raw)
	return nil
}
