package session

import (
	"fmt"
	"regexp"
)

// Names double as tmux session names, so '.' and ':' are excluded.
var validName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)

const maxNameLen = 64

func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: name cannot be empty", ErrInvalidName)
	}
	if len(name) > maxNameLen {
		return fmt.Errorf("%w: name too long (max %d chars)", ErrInvalidName, maxNameLen)
	}
	if !validName.MatchString(name) {
		return fmt.Errorf("%w: %q must start with a letter or digit and contain only letters, digits, dashes, or underscores", ErrInvalidName, name)
	}
	return nil
}
