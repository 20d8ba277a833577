package types

import "time"

// Config holds the daemon configuration
type Config struct {
	Version       string `json:"version" yaml:"version"`
	ListenAddr    string `json:"listenAddr" yaml:"listenAddr"`
	BaseDir       string `json:"baseDir" yaml:"baseDir"`       // root under which every account home directory is nested
	Shell         string `json:"shell" yaml:"shell"`           // login shell assigned to provisioned accounts
	HostSuffix    string `json:"hostSuffix" yaml:"hostSuffix"` // comment suffix for generated SSH keys (<username>@<suffix>)
	KeyPath       string `json:"keyPath" yaml:"keyPath"`       // directory holding the API auth JWK files
	LogPath       string `json:"logPath" yaml:"logPath"`
	StepTimeoutMs int    `json:"stepTimeoutMs" yaml:"stepTimeoutMs"` // deadline applied to each external command
	UseSudo       bool   `json:"useSudo" yaml:"useSudo"`             // prefix every external command with sudo
	DryRun        bool   `json:"dryRun" yaml:"dryRun"`               // log commands but don't execute them
	AuthDisabled  bool   `json:"authDisabled" yaml:"authDisabled"`   // serve the API without bearer-token verification
}

// GetLogPath satisfies the logging setup interface
func (c *Config) GetLogPath() string {
	return c.LogPath
}

// StepTimeout returns the per-command deadline as a duration
func (c *Config) StepTimeout() time.Duration {
	return time.Duration(c.StepTimeoutMs) * time.Millisecond
}
