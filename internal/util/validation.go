package util

import "github.com/google/uuid"

// IsValidUUID accepts only the canonical lowercase form session IDs are
// issued in.
func IsValidUUID(s string) bool {
	id, err := uuid.Parse(s)
	return err == nil && id.String() == s
}
