package session

import (
	"fmt"
	"regexp"
)

// Session names become directory names under ~/.dechat/sessions and travel
// into log fields, so the accepted alphabet is deliberately narrow.
var namePattern = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// ValidateName reports whether name can be used as a session name.
func ValidateName(name string) error {
	if !namePattern.MatchString(name) {
		return fmt.Errorf("invalid session name %q: lowercase letters, digits, _ and - only, 64 chars max", name)
	}
	return nil
}
