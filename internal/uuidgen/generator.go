package uuidgen

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NewSessionID generates the opaque per-attachment session identity.
// Random UUIDs keep sessions uncorrelated across restarts.
func NewSessionID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("failed to generate session id: %v", err)
	}
	return id.String(), nil
}

// MustNewSessionID is like NewSessionID but panics on error.
// Should only be used in situations where ID generation failure is unrecoverable.
func MustNewSessionID() string {
	id, err := NewSessionID()
	if err != nil {
		panic(err)
	}
	return id
}

// NewShapeID generates a shape identifier: millisecond timestamp plus a
// short random suffix. The timestamp prefix keeps ids roughly sortable by
// creation time while the suffix avoids collisions between clients
// creating shapes in the same millisecond.
func NewShapeID() string {
	suffix := uuid.New().String()[:8]
	return fmt.Sprintf("shape-%d-%s", time.Now().UnixMilli(), suffix)
}

// NewHistoryID generates a UUIDv7 for history snapshots, which benefit
// from time-ordered ids when listed.
func NewHistoryID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("failed to generate history id: %v", err)
	}
	return id.String(), nil
}

// MustNewHistoryID is like NewHistoryID but panics on error
func MustNewHistoryID() string {
	id, err := NewHistoryID()
	if err != nil {
		panic(err)
	}
	return id
}
