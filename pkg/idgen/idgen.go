package idgen

import (
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewEventID returns a random unique identifier for an event.
func NewEventID() string {
	return uuid.NewString()
}

// MustNewSortableID returns a lexicographically sortable unique identifier,
// suitable for correlation IDs and idempotency keys.
func MustNewSortableID() string {
	entropy := rand.New(rand.NewSource(time.Now().UnixNano()))
	ms := ulid.Timestamp(time.Now())
	id, err := ulid.New(ms, entropy)
	if err != nil {
		panic(err)
	}
	return id.String()
}
