package provision

import "fmt"

// ValidationError reports a username that fails the admission rules.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid username: " + e.Reason
}

// NotFoundError reports an operation against an account that does not exist.
type NotFoundError struct {
	Username string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("user %s does not exist", e.Username)
}

// ConflictError reports a creation attempt for an already-existing account.
type ConflictError struct {
	Username string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("user %s already exists", e.Username)
}

// CommandError reports an external command that could not be run or exited
// non-zero, carrying the command's stderr for diagnosis.
type CommandError struct {
	Step     string
	ExitCode int
	Stderr   string
}

func (e *CommandError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("%s failed with exit code %d", e.Step, e.ExitCode)
	}
	return fmt.Sprintf("%s failed with exit code %d: %s", e.Step, e.ExitCode, e.Stderr)
}
