// Package uuid provides identifier generation for scan records.
package uuid

import (
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// xxxxxxxx-xxxx-Vxxx-yxxx-xxxxxxxxxxxx where V is the version (4 or 7)
// and y is one of [8, 9, a, b] (variant bits)
var recordIDRegex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[47][0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}$`)

// New generates a new random UUID v4.
func New() string {
	return uuid.New().String()
}

// NewRecordID generates a time-ordered UUID v7. IDs created by one process
// sort in creation order, so they double as a monotonic capture sequence.
func NewRecordID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails when the random source fails.
		return uuid.New().String()
	}
	return id.String()
}

// RecordTime extracts the creation time embedded in a v7 record ID.
func RecordTime(s string) (time.Time, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid UUID: %w", err)
	}
	if id.Version() != 7 {
		return time.Time{}, fmt.Errorf("expected UUID v7, got v%d", id.Version())
	}
	sec, nsec := id.Time().UnixTime()
	return time.Unix(sec, nsec), nil
}

// IsValid checks if a string is a valid v4 or v7 record ID.
// Enforces strict format with dashes and correct variant bits.
func IsValid(s string) bool {
	return recordIDRegex.MatchString(s)
}

// Validate returns an error if the string is not a valid record ID.
func Validate(s string) error {
	if !IsValid(s) {
		return fmt.Errorf("invalid record ID format: %q", s)
	}
	return nil
}
