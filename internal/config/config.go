package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"codespace-userd/types"
)

// LoadWithOverrides loads configuration from file and environment with
// command-line flag overrides applied on top
func LoadWithOverrides(configPath string, flagOverrides map[string]interface{}) (*types.Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("codespace-userd")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/codespace-userd")
	}

	v.SetEnvPrefix("CODESPACE_USERD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Config file is optional; env and defaults are enough to run
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	// Apply flag overrides (only set non-empty/non-zero values)
	for key, value := range flagOverrides {
		switch val := value.(type) {
		case string:
			if val != "" {
				v.Set(key, value)
			}
		case int:
			if val != 0 {
				v.Set(key, value)
			}
		case bool:
			if val {
				v.Set(key, value)
			}
		default:
			if value != nil {
				v.Set(key, value)
			}
		}
	}

	config := &types.Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Load loads configuration from file and environment only
func Load() (*types.Config, error) {
	return LoadWithOverrides("", nil)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("version", "1.0")
	v.SetDefault("listenAddr", ":8080")
	v.SetDefault("baseDir", "/home/codespace")
	v.SetDefault("shell", "/bin/bash")
	v.SetDefault("hostSuffix", "codespace")
	v.SetDefault("keyPath", "/etc/codespace-userd/keys")
	v.SetDefault("logPath", "")
	v.SetDefault("stepTimeoutMs", 30000) // 30 seconds default
	v.SetDefault("useSudo", false)
	v.SetDefault("dryRun", false)
	v.SetDefault("authDisabled", false)
}

func validateConfig(config *types.Config) error {
	if config.ListenAddr == "" {
		return fmt.Errorf("listenAddr is required")
	}

	if config.BaseDir == "" {
		return fmt.Errorf("baseDir is required")
	}
	if !filepath.IsAbs(config.BaseDir) {
		return fmt.Errorf("baseDir must be an absolute path, got %q", config.BaseDir)
	}

	if config.Shell == "" {
		return fmt.Errorf("shell is required")
	}
	if !filepath.IsAbs(config.Shell) {
		return fmt.Errorf("shell must be an absolute path, got %q", config.Shell)
	}

	if config.HostSuffix == "" {
		return fmt.Errorf("hostSuffix is required")
	}

	if config.StepTimeoutMs < 0 {
		return fmt.Errorf("stepTimeoutMs must be non-negative")
	}

	if !config.AuthDisabled && config.KeyPath == "" {
		return fmt.Errorf("keyPath is required unless authDisabled is set")
	}

	return nil
}
