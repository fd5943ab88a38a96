package domain

import (
	"strconv"

	"github.com/google/uuid"
)

// NewID generates a UUIDv7 string for application-owned entities such as
// recording sessions.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// ObjectIDToString converts a meta object id to its string representation.
func ObjectIDToString(id uint64) string {
	return strconv.FormatUint(id, 10)
}

// StringToObjectID converts a string id back to a meta object id.
func StringToObjectID(s string) (uint64, error) {
	return strconv.ParseUint(s, 10, 64)
}
