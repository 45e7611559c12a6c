package policy

import (
	"errors"
	"fmt"
)

// ErrorKind classifies policy failures.
type ErrorKind string

const (
	// Malformed means the declared labels could not be parsed.
	Malformed ErrorKind = "malformed"
)

// ErrMalformed matches any malformed-policy error via errors.Is.
var ErrMalformed = errors.New("malformed policy")

// PolicyError describes a rejected container policy. It is never fatal:
// the container is enforced deny-all and the error is logged.
type PolicyError struct {
	Kind      ErrorKind
	Container string
	Reason    string
}

func (e *PolicyError) Error() string {
	if e.Container != "" {
		return fmt.Sprintf("policy %s for container %s: %s", e.Kind, e.Container, e.Reason)
	}
	return fmt.Sprintf("policy %s: %s", e.Kind, e.Reason)
}

// Is supports errors.Is(err, ErrMalformed).
func (e *PolicyError) Is(target error) bool {
	return target == ErrMalformed && e.Kind == Malformed
}

func malformed(format string, args ...any) *PolicyError {
	return &PolicyError{Kind: Malformed, Reason: fmt.Sprintf(format, args...)}
}
