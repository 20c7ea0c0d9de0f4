package domain

import (
	"errors"
	"fmt"
)

// ErrConditionFailed is returned by a ConditionalStore when the existence
// precondition of a conditional write does not hold at write time.
// It never leaves the session package.
var ErrConditionFailed = errors.New("condition failed")

// ErrDeserialization is returned when a stored payload cannot be decoded.
// An unreadable session is never treated as an empty one.
var ErrDeserialization = errors.New("session payload could not be decoded")

// ErrStorage marks every terminal backend failure.
var ErrStorage = errors.New("session storage failure")

// ErrKeyCollision is the cause of a StorageError raised once Save has used up
// its attempts at finding an unused key.
var ErrKeyCollision = errors.New("could not allocate an unused session key")

// ErrInvalidTTL is returned when a write is requested with a non-positive TTL.
var ErrInvalidTTL = errors.New("session ttl must be positive")

// StorageError describes a failed backend operation.
// It matches ErrStorage through errors.Is.
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("%s: %s: %v", ErrStorage, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s %q: %v", ErrStorage, e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Is reports whether target is ErrStorage.
func (e *StorageError) Is(target error) bool { return target == ErrStorage }

// Deserialization wraps err so that it matches ErrDeserialization.
func Deserialization(err error) error {
	return fmt.Errorf("%w: %w", ErrDeserialization, err)
}
