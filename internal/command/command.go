// Package command runs external programs and captures their outcome.
// Every OS mutation the daemon performs goes through the Runner interface
// so workflows can be tested against a fake without touching the host.
package command

import (
	"context"
	"os/exec"
	"strings"

	"github.com/sirupsen/logrus"
)

// Result is the uniform return shape of every external command invocation.
// Exit code 0 is success, anything else is a step-level failure.
type Result struct {
	ExitCode int    `json:"exitCode"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// Runner executes an external program. A non-zero exit code is reported in
// the Result, not as an error; the error return is reserved for failures to
// run the program at all (missing binary, expired context).
type Runner interface {
	Run(ctx context.Context, stdin string, name string, args ...string) (Result, error)
}

// ExecRunner runs commands on the local host via os/exec.
type ExecRunner struct {
	logger *logrus.Logger
	sudo   bool
	dryRun bool
}

// NewExecRunner creates a runner. With sudo set, every command is prefixed
// with sudo. With dryRun set, commands are logged but not executed.
func NewExecRunner(logger *logrus.Logger, sudo, dryRun bool) *ExecRunner {
	return &ExecRunner{
		logger: logger,
		sudo:   sudo,
		dryRun: dryRun,
	}
}

func (r *ExecRunner) Run(ctx context.Context, stdin string, name string, args ...string) (Result, error) {
	if r.sudo {
		args = append([]string{name}, args...)
		name = "sudo"
	}

	if r.dryRun {
		r.logger.WithFields(logrus.Fields{
			"command": name,
			"args":    args,
		}).Info("DRY-RUN: Would execute command (no actual changes made)")
		return Result{}, nil
	}

	r.logger.WithFields(logrus.Fields{
		"command": name,
		"args":    args,
	}).Debug("Executing command")

	cmd := exec.CommandContext(ctx, name, args...)
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	result := Result{
		ExitCode: exitCode(err),
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return result, ctxErr
	}

	if err != nil {
		if _, ok := err.(*exec.ExitError); ok {
			// The command ran and failed; the exit code carries the outcome.
			return result, nil
		}
		return result, err
	}

	return result, nil
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return -1
}
