package payload

import (
	"errors"
	"fmt"
)

// Every error returned by Load wraps exactly one of these. None of them is
// transient; a failing image fails the same way every time.
var (
	// ErrSectionNotFound is returned when the image carries no payload section.
	ErrSectionNotFound = errors.New("payload section not found")

	// ErrMalformedDescriptor is returned when the descriptor disagrees with the
	// data it references: a count larger than its table, or an address outside
	// the region it must fall in.
	ErrMalformedDescriptor = errors.New("malformed payload descriptor")

	// ErrEmptyExecutablePath is returned when exec resolves to a zero-length string.
	ErrEmptyExecutablePath = errors.New("empty executable path")

	// ErrInvalidLayout is returned for a word size other than 4 or 8.
	ErrInvalidLayout = errors.New("invalid payload layout")

	// ErrInvalidSpec is returned by Encode for a payload that cannot be represented.
	ErrInvalidSpec = errors.New("invalid payload spec")
)

// LoadError records the step and location at which Load gave up.
type LoadError struct {
	Op      string
	Section string
	Addr    uint64
	Err     error
}

func (e *LoadError) Error() string {
	if e.Section == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s@%#x: %v", e.Op, e.Section, e.Addr, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// IsNotConfigured reports whether err means the image simply has no payload,
// which a host may treat as "nothing to run" rather than a failure.
func IsNotConfigured(err error) bool {
	return errors.Is(err, ErrSectionNotFound)
}

// Kind returns a short stable name for the sentinel err wraps, for logs and metrics.
func Kind(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrSectionNotFound):
		return "section_not_found"
	case errors.Is(err, ErrMalformedDescriptor):
		return "malformed"
	case errors.Is(err, ErrEmptyExecutablePath):
		return "empty_exec"
	default:
		return "other"
	}
}
