package store

import "github.com/google/uuid"

// IsValidSessionID reports whether s is shaped like a UUID, the format
// spec.md §6 requires of SessionMap hook payloads' session_id field before
// the hook will accept them.
func IsValidSessionID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
