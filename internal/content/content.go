package content

import (
	"errors"
	"regexp"

	"github.com/microcosm-cc/bluemonday"
)

var (
	policy = bluemonday.StrictPolicy()

	usernameRegex = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)
)

// Sanitize strips all HTML from user input. Message bodies and display
// names are plain text; anything tag-shaped is attacker input.
func Sanitize(input string) string {
	return policy.Sanitize(input)
}

// ValidateUsername checks that the username contains only allowed
// characters (alphanumeric, dot, dash, underscore) and is not empty.
func ValidateUsername(username string) error {
	if username == "" {
		return errors.New("username cannot be empty")
	}
	if !usernameRegex.MatchString(username) {
		return errors.New("username contains invalid characters")
	}
	return nil
}
