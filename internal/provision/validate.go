package provision

import "regexp"

const (
	minUsernameLength = 3
	maxUsernameLength = 32
)

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// validateUsername checks the admission rules in order; the first failure wins.
func validateUsername(username string) error {
	if username == "" {
		return &ValidationError{Reason: "username must not be empty"}
	}
	if len(username) < minUsernameLength || len(username) > maxUsernameLength {
		return &ValidationError{Reason: "username must be between 3 and 32 characters"}
	}
	if !usernamePattern.MatchString(username) {
		return &ValidationError{Reason: "username may only contain letters, digits, hyphens, and underscores"}
	}
	return nil
}
