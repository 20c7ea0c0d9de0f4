package ports

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

// Item is the raw, backend-facing form of a record: attribute name to value.
type Item map[string]string

// ConditionalStore is the driven port every session backend implements.
// Each method is a single round trip against a single key; there are no
// multi-key transactions and no locks.
//
// Items whose TTL attribute has passed must be treated as absent by every
// method, even if the backend has not physically removed them yet.
type ConditionalStore interface {
	// Get returns the item stored under key. The boolean is false when no
	// live item exists.
	Get(ctx context.Context, key string) (Item, bool, error)

	// PutIfAbsent writes item only if no live item exists under key.
	// Returns domain.ErrConditionFailed otherwise.
	PutIfAbsent(ctx context.Context, key string, item Item) error

	// PutIfPresent replaces the item under key only if a live one exists.
	// Returns domain.ErrConditionFailed otherwise.
	PutIfPresent(ctx context.Context, key string, item Item) error

	// SetAttribute sets a single attribute on an existing item. It is used
	// for TTL renewal only. Returns domain.ErrConditionFailed when the item
	// does not exist, instead of creating a partial one.
	SetAttribute(ctx context.Context, key, name, value string) error

	// Delete removes the item under key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
}

// Schema names the collection and the attributes a session record is stored
// under. Adapters and the session store must share the same Schema.
type Schema struct {
	Collection   string `mapstructure:"collection" yaml:"collection"`
	KeyField     string `mapstructure:"key_field" yaml:"key_field"`
	TTLField     string `mapstructure:"ttl_field" yaml:"ttl_field"`
	PayloadField string `mapstructure:"payload_field" yaml:"payload_field"`
}

// DefaultSchema returns the table layout used by the original deployment:
// table "sessions" keyed by "SessionId".
func DefaultSchema() Schema {
	return Schema{
		Collection:   "sessions",
		KeyField:     "SessionId",
		TTLField:     "ttl",
		PayloadField: "session_data",
	}
}

// WithDefaults fills empty names from DefaultSchema.
func (s Schema) WithDefaults() Schema {
	def := DefaultSchema()
	if s.Collection == "" {
		s.Collection = def.Collection
	}
	if s.KeyField == "" {
		s.KeyField = def.KeyField
	}
	if s.TTLField == "" {
		s.TTLField = def.TTLField
	}
	if s.PayloadField == "" {
		s.PayloadField = def.PayloadField
	}
	return s
}

// Validate checks that every name is set and that attribute names are distinct.
func (s Schema) Validate() error {
	if s.Collection == "" || s.KeyField == "" || s.TTLField == "" || s.PayloadField == "" {
		return fmt.Errorf("schema: collection and field names must not be empty")
	}
	if s.KeyField == s.TTLField || s.KeyField == s.PayloadField || s.TTLField == s.PayloadField {
		return fmt.Errorf("schema: field names must be distinct (key=%q ttl=%q payload=%q)",
			s.KeyField, s.TTLField, s.PayloadField)
	}
	return nil
}

// ExpiresAt reads the TTL attribute of item. The boolean is false when the
// attribute is missing.
func (s Schema) ExpiresAt(item Item) (time.Time, bool, error) {
	raw, ok := item[s.TTLField]
	if !ok || raw == "" {
		return time.Time{}, false, nil
	}
	t, err := ParseExpiry(raw)
	if err != nil {
		return time.Time{}, false, err
	}
	return t, true, nil
}

// Live reports whether item is still live at now. Like DynamoDB's TTL
// feature, items whose TTL attribute is missing or not a number never expire;
// the session store reports the latter as unreadable.
func (s Schema) Live(item Item, now time.Time) bool {
	exp, ok, err := s.ExpiresAt(item)
	if err != nil || !ok {
		return true
	}
	return now.Before(exp)
}

// FormatExpiry encodes an absolute expiry as Unix epoch seconds, the unit
// DynamoDB's TTL feature and Redis EXPIREAT both expect.
func FormatExpiry(t time.Time) string {
	return strconv.FormatInt(t.Unix(), 10)
}

// ParseExpiry decodes a value written by FormatExpiry.
func ParseExpiry(v string) (time.Time, error) {
	secs, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid expiry %q: %w", v, err)
	}
	return time.Unix(secs, 0), nil
}
