package util

import "github.com/google/uuid"

// NewUUID generates a new v7 uuid
func NewUUID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NewInstanceUID generates a v7 uuid in the 16 byte form carried on the wire.
func NewInstanceUID() string {
	u := uuid.Must(uuid.NewV7())
	return string(u[:])
}
