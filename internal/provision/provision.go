// Package provision drives the user-lifecycle workflow: the ordered sequence
// of OS mutations that creates a codespace account (home directory, OS user,
// SSH keypair, permission hardening) and the compensating cleanup that runs
// when a step fails partway through. The OS user database and filesystem are
// the system of record; no state is kept here.
package provision

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"

	"codespace-userd/internal/command"
	"codespace-userd/types"
)

// CreatedAccount is the creation response. TempPassword exists only here;
// it is set via chpasswd and never re-derivable afterwards.
type CreatedAccount struct {
	Username      string `json:"username"`
	TempPassword  string `json:"tempPassword"`
	HomeDirectory string `json:"homeDirectory"`
	SSHPublicKey  string `json:"sshPublicKey"`
	Fingerprint   string `json:"fingerprint,omitempty"`
}

// Account is the inspection response, derived live from OS state.
type Account struct {
	Username      string `json:"username"`
	HomeDirectory string `json:"homeDirectory"`
	SSHPublicKey  string `json:"sshPublicKey"`
	Fingerprint   string `json:"fingerprint,omitempty"`
	IsActive      bool   `json:"isActive"`
}

// Service runs the provisioning workflow through a command runner.
type Service struct {
	runner command.Runner
	logger *logrus.Logger
	cfg    *types.Config
}

func New(runner command.Runner, logger *logrus.Logger, cfg *types.Config) *Service {
	return &Service{
		runner: runner,
		logger: logger,
		cfg:    cfg,
	}
}

// Create provisions a new account: home directory, OS user, one-time
// password, RSA-4096 keypair, and permission hardening, in that order. A
// failing step aborts the pipeline and triggers best-effort cleanup of
// whatever was already created; the step's error is surfaced to the caller.
func (s *Service) Create(ctx context.Context, username string) (*CreatedAccount, error) {
	if err := validateUsername(username); err != nil {
		return nil, err
	}

	exists, err := s.accountExists(ctx, username)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, &ConflictError{Username: username}
	}

	home := s.homeDir(username)
	sshDir := filepath.Join(home, ".ssh")
	keyFile := filepath.Join(sshDir, "id_rsa")
	authorizedKeys := filepath.Join(sshDir, "authorized_keys")

	s.logger.WithFields(logrus.Fields{
		"username": username,
		"home":     home,
	}).Info("Provisioning user account")

	var homeCreated, userCreated bool
	fail := func(stepErr error) (*CreatedAccount, error) {
		s.compensate(ctx, username, home, homeCreated, userCreated)
		return nil, stepErr
	}

	// mkdir -p creates the base directory, home, and .ssh in one pass.
	if err := s.runStep(ctx, "create home directory", "", "mkdir", "-p", sshDir); err != nil {
		return fail(err)
	}
	homeCreated = true

	if err := s.runStep(ctx, "create account", "", "useradd",
		"--home-dir", home,
		"--shell", s.cfg.Shell,
		username); err != nil {
		return fail(err)
	}
	userCreated = true

	password, err := generatePassword(passwordLength)
	if err != nil {
		return fail(fmt.Errorf("failed to generate password: %w", err))
	}
	if err := s.runStep(ctx, "set password", username+":"+password+"\n", "chpasswd"); err != nil {
		return fail(err)
	}

	comment := username + "@" + s.cfg.HostSuffix
	if err := s.runStep(ctx, "generate ssh keypair", "", "ssh-keygen",
		"-t", "rsa",
		"-b", "4096",
		"-N", "",
		"-C", comment,
		"-f", keyFile); err != nil {
		return fail(err)
	}

	if err := s.runStep(ctx, "install authorized_keys", "", "cp", keyFile+".pub", authorizedKeys); err != nil {
		return fail(err)
	}

	hardening := []struct {
		step string
		args []string
	}{
		{"set home ownership", []string{"chown", "-R", username + ":" + username, home}},
		{"set home permissions", []string{"chmod", "700", home}},
		{"set .ssh permissions", []string{"chmod", "700", sshDir}},
		{"set private key permissions", []string{"chmod", "600", keyFile}},
		{"set authorized_keys permissions", []string{"chmod", "600", authorizedKeys}},
	}
	for _, h := range hardening {
		if err := s.runStep(ctx, h.step, "", h.args[0], h.args[1:]...); err != nil {
			return fail(err)
		}
	}

	publicKey, err := s.readPublicKey(ctx, keyFile+".pub")
	if err != nil {
		return fail(err)
	}

	s.logger.WithFields(logrus.Fields{
		"username": username,
		"home":     home,
	}).Info("User account provisioned successfully")

	return &CreatedAccount{
		Username:      username,
		TempPassword:  password,
		HomeDirectory: home,
		SSHPublicKey:  publicKey,
		Fingerprint:   keyFingerprint(publicKey),
	}, nil
}

// GetInfo inspects an existing account. A missing public key file is not an
// error; the key field is simply empty.
func (s *Service) GetInfo(ctx context.Context, username string) (*Account, error) {
	exists, err := s.accountExists(ctx, username)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, &NotFoundError{Username: username}
	}

	home := s.homeDir(username)

	publicKey := ""
	keyResult, err := s.exec(ctx, "", "cat", filepath.Join(home, ".ssh", "id_rsa.pub"))
	if err != nil {
		return nil, &CommandError{Step: "read public key", ExitCode: -1, Stderr: err.Error()}
	}
	if keyResult.ExitCode == 0 {
		publicKey = strings.TrimRight(keyResult.Stdout, "\r\n")
	}

	locked, err := s.accountLocked(ctx, username)
	if err != nil {
		return nil, err
	}

	return &Account{
		Username:      username,
		HomeDirectory: home,
		SSHPublicKey:  publicKey,
		Fingerprint:   keyFingerprint(publicKey),
		IsActive:      !locked,
	}, nil
}

// Delete removes the account and its home directory. userdel --remove
// cascades to the home directory; the explicit rm afterwards is a safety
// net for the case where the cascade did not happen.
func (s *Service) Delete(ctx context.Context, username string) error {
	exists, err := s.accountExists(ctx, username)
	if err != nil {
		return err
	}
	if !exists {
		return &NotFoundError{Username: username}
	}

	s.logger.WithField("username", username).Info("Deleting user account")

	if err := s.runStep(ctx, "remove account", "", "userdel", "--remove", username); err != nil {
		return err
	}

	home := s.homeDir(username)
	present, err := s.pathExists(ctx, home)
	if err != nil {
		return err
	}
	if present {
		if err := s.runStep(ctx, "remove home directory", "", "rm", "-rf", home); err != nil {
			return err
		}
	}

	s.logger.WithField("username", username).Info("User account deleted")
	return nil
}

// compensate reverses the completed creation steps in reverse order. Its own
// failures are collected for the operator log, never surfaced to the caller.
func (s *Service) compensate(ctx context.Context, username, home string, homeCreated, userCreated bool) {
	// The original context may already be expired or canceled; cleanup
	// still deserves its own deadline per step.
	ctx = context.WithoutCancel(ctx)

	s.logger.WithField("username", username).Warn("Provisioning failed, cleaning up partial state")

	var errs *multierror.Error

	if userCreated {
		if err := s.runStep(ctx, "cleanup: remove account", "", "userdel", "--remove", username); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	if homeCreated {
		present, err := s.pathExists(ctx, home)
		if err != nil {
			errs = multierror.Append(errs, err)
		} else if present {
			if err := s.runStep(ctx, "cleanup: remove home directory", "", "rm", "-rf", home); err != nil {
				errs = multierror.Append(errs, err)
			}
		}
	}

	if err := errs.ErrorOrNil(); err != nil {
		s.logger.WithError(err).WithField("username", username).Error("Cleanup left residual state behind; a retry for this username may conflict")
		return
	}

	s.logger.WithField("username", username).Info("Partial state cleaned up")
}

func (s *Service) homeDir(username string) string {
	return filepath.Join(s.cfg.BaseDir, username)
}

// accountExists probes the OS user database via the exit code of id(1).
func (s *Service) accountExists(ctx context.Context, username string) (bool, error) {
	result, err := s.exec(ctx, "", "id", username)
	if err != nil {
		return false, &CommandError{Step: "check account existence", ExitCode: -1, Stderr: err.Error()}
	}
	return result.ExitCode == 0, nil
}

// accountLocked derives lock state from the status field of passwd -S.
// The second field is L (locked), NP (no password), or P (usable password).
func (s *Service) accountLocked(ctx context.Context, username string) (bool, error) {
	result, err := s.exec(ctx, "", "passwd", "-S", username)
	if err != nil {
		return false, &CommandError{Step: "query account status", ExitCode: -1, Stderr: err.Error()}
	}
	if result.ExitCode != 0 {
		return false, &CommandError{Step: "query account status", ExitCode: result.ExitCode, Stderr: strings.TrimSpace(result.Stderr)}
	}

	fields := strings.Fields(result.Stdout)
	if len(fields) < 2 {
		return false, &CommandError{Step: "query account status", ExitCode: 0, Stderr: fmt.Sprintf("unexpected passwd -S output: %q", strings.TrimSpace(result.Stdout))}
	}

	status := fields[1]
	return status == "L" || status == "LK", nil
}

func (s *Service) pathExists(ctx context.Context, path string) (bool, error) {
	result, err := s.exec(ctx, "", "test", "-d", path)
	if err != nil {
		return false, &CommandError{Step: "check directory existence", ExitCode: -1, Stderr: err.Error()}
	}
	return result.ExitCode == 0, nil
}

func (s *Service) readPublicKey(ctx context.Context, path string) (string, error) {
	result, err := s.exec(ctx, "", "cat", path)
	if err != nil {
		return "", &CommandError{Step: "read public key", ExitCode: -1, Stderr: err.Error()}
	}
	if result.ExitCode != 0 {
		return "", &CommandError{Step: "read public key", ExitCode: result.ExitCode, Stderr: strings.TrimSpace(result.Stderr)}
	}
	return strings.TrimRight(result.Stdout, "\r\n"), nil
}

// runStep executes one pipeline step, converting any failure into a
// CommandError named after the step.
func (s *Service) runStep(ctx context.Context, step, stdin, name string, args ...string) error {
	result, err := s.exec(ctx, stdin, name, args...)
	if err != nil {
		return &CommandError{Step: step, ExitCode: -1, Stderr: err.Error()}
	}
	if result.ExitCode != 0 {
		return &CommandError{Step: step, ExitCode: result.ExitCode, Stderr: strings.TrimSpace(result.Stderr)}
	}
	return nil
}

// exec applies the configured per-step deadline around a runner call.
func (s *Service) exec(ctx context.Context, stdin, name string, args ...string) (command.Result, error) {
	if timeout := s.cfg.StepTimeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return s.runner.Run(ctx, stdin, name, args...)
}

// keyFingerprint returns the SHA256 fingerprint of an authorized-keys style
// public key, or empty if the key is absent or unparseable.
func keyFingerprint(publicKey string) string {
	if publicKey == "" {
		return ""
	}
	parsed, _, _, _, err := ssh.ParseAuthorizedKey([]byte(publicKey))
	if err != nil {
		return ""
	}
	return ssh.FingerprintSHA256(parsed)
}
