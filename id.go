package render

import (
	"time"

	"github.com/google/uuid"
)

// NewID generates a globally unique, time-sortable UUIDv7 (RFC 9562). Used
// for Run/Project/PlanVersion/Scene ids so natural id ordering agrees with
// createdAt ordering, which the admission algorithm relies on as a FIFO
// tie-break.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NowUnix returns the current time as Unix seconds. Retained for Store
// implementations that persist timestamps as integers; engine code that
// needs to be deterministic under test uses Clock instead.
func NowUnix() int64 {
	return time.Now().Unix()
}
