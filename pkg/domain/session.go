package domain

import (
	"maps"
	"time"
)

// Payload is the state carried by a session: a flat string-to-string mapping.
type Payload map[string]string

// Clone returns an independent copy of the payload. A nil payload clones to an
// empty, non-nil one.
func (p Payload) Clone() Payload {
	out := make(Payload, len(p))
	maps.Copy(out, p)
	return out
}

// Record is the stored form of a session.
type Record struct {
	Key       string
	Payload   Payload
	ExpiresAt time.Time
}

// Expired reports whether the record is no longer live at now.
func (r Record) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}
