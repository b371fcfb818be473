package idgen

import "github.com/google/uuid"

// New returns a fresh id for messages, contexts, and tasks. Ids are UUIDv7
// so they sort roughly by creation time; the v4 fallback only matters when
// the system clock is unusable.
func New() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}
