package conveyor

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"
)

const (
	// MaxTypeLength is the maximum length of a job type tag.
	MaxTypeLength = 100

	// MaxDelay is the sanity ceiling for scheduled delays.
	MaxDelay = 365 * 24 * time.Hour
)

var typePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidateType checks that a job type tag is non-empty, at most
// MaxTypeLength characters, and contains only letters, digits,
// underscores, and hyphens.
func ValidateType(typ string) error {
	if typ == "" {
		return fmt.Errorf("%w: empty", ErrInvalidType)
	}
	if len(typ) > MaxTypeLength {
		return fmt.Errorf("%w: %q exceeds %d characters", ErrInvalidType, typ, MaxTypeLength)
	}
	if !typePattern.MatchString(typ) {
		return fmt.Errorf("%w: %q may only contain letters, digits, underscores, and hyphens", ErrInvalidType, typ)
	}
	return nil
}

// ValidateDelay checks that a delay is non-negative and below MaxDelay.
func ValidateDelay(d time.Duration) error {
	if d < 0 {
		return fmt.Errorf("%w: %v is negative", ErrInvalidDelay, d)
	}
	if d > MaxDelay {
		return fmt.Errorf("%w: %v exceeds %v", ErrInvalidDelay, d, MaxDelay)
	}
	return nil
}

// MarshalPayload serializes a job payload to its transport-neutral JSON
// encoding. Unserializable values (channels, funcs, cycles) are rejected
// as a validation error.
func MarshalPayload(data any) ([]byte, error) {
	if data == nil {
		return nil, nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return b, nil
}
