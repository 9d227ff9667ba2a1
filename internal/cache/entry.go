package cache

import (
	"time"

	"github.com/prodpipe/prodpipe/pkg/models"
)

// Entry is one immutable cache record. Updates replace the whole entry.
type Entry struct {
	Payload     interface{}        `json:"payload"`
	InsertedAt  time.Time          `json:"inserted_at"`
	TTLSeconds  int                `json:"ttl_seconds"`
	ContentType models.ContentType `json:"content_type"`
}

// Expired reports whether the entry's TTL has elapsed at the given instant.
// Entries with a non-positive TTL never expire locally.
func (e *Entry) Expired(now time.Time) bool {
	if e.TTLSeconds <= 0 {
		return false
	}
	return now.After(e.InsertedAt.Add(time.Duration(e.TTLSeconds) * time.Second))
}
