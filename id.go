package quay

import (
	"time"

	"github.com/google/uuid"
)

// NewID generates a globally unique, time-sortable UUIDv7 (RFC 9562).
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NowMillis returns the current time as Unix milliseconds. All persisted
// timestamps in the runtime use this resolution.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
