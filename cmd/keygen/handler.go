package keygen

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"codespace-userd/internal/config"
	"codespace-userd/internal/token"
)

// NewKeygenCommand creates the keygen command
func NewKeygenCommand(verbose *bool, configPath *string) *cobra.Command {
	var (
		keyPath string
		force   bool
	)

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate the API auth keypair",
		Long: `Generate the ES384 JWK keypair codespace-userd uses to verify API
bearer tokens. Run this once before starting the server; issue tokens
afterwards with the token command.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeygen(*verbose, *configPath, keyPath, force)
		},
	}

	cmd.Flags().StringVar(&keyPath, "key-path", "", "Directory to store the JWK key files")
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite existing keys")

	return cmd
}

func runKeygen(verbose bool, configPath, keyPath string, force bool) error {
	logger := logrus.New()
	if verbose {
		logger.SetLevel(logrus.DebugLevel)
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}

	// Fall back to the configured key path when no flag is given
	if keyPath == "" {
		cfg, err := config.LoadWithOverrides(configPath, nil)
		if err != nil {
			logger.WithError(err).Error("Failed to load configuration")
			return err
		}
		keyPath = cfg.KeyPath
	}
	if keyPath == "" {
		keyPath = "."
	}

	privateKeyPath := filepath.Join(keyPath, token.PrivateKeyFile)
	publicKeyPath := filepath.Join(keyPath, token.PublicKeyFile)

	if !force {
		if _, err := os.Stat(privateKeyPath); err == nil {
			logger.WithField("path", privateKeyPath).Error("Private key already exists")
			logger.Error("Use --force to overwrite existing keys; existing tokens will stop verifying")
			return fmt.Errorf("keys already exist at %s", keyPath)
		}
	}

	manager := token.NewManager(logger)
	if err := manager.GenerateKeyPair(keyPath); err != nil {
		logger.WithError(err).Error("Failed to generate keypair")
		return err
	}

	fmt.Println("API keypair generated successfully")
	fmt.Printf("Location:    %s\n", keyPath)
	fmt.Printf("Private key: %s\n", privateKeyPath)
	fmt.Printf("Public key:  %s\n", publicKeyPath)
	fmt.Println("\nNext steps:")
	fmt.Printf("1. Issue an operator token: codespace-userd token --key-path %s --subject <name>\n", keyPath)
	fmt.Printf("2. Start the server: codespace-userd serve --key-path %s\n", keyPath)

	return nil
}
