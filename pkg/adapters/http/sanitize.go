package http

import (
	"errors"
	"fmt"
	"unicode"
	"unicode/utf8"
)

// MaxKeySize bounds the session keys accepted from cookies and URLs.
// Generated keys are far shorter; anything larger is not ours.
const MaxKeySize = 256

var (
	ErrKeyEmpty    = errors.New("session key is empty")
	ErrKeyTooLarge = errors.New("session key exceeds maximum allowed size")
	ErrKeyInvalid  = errors.New("session key contains invalid characters")
)

// ValidateKey rejects keys that no store could have issued before they
// reach a backend: oversized values, invalid UTF-8, whitespace and control
// characters. Keys are compared byte for byte, so nothing is stripped.
func ValidateKey(key string) error {
	if key == "" {
		return ErrKeyEmpty
	}
	if len(key) > MaxKeySize {
		return fmt.Errorf("%w: size=%d limit=%d", ErrKeyTooLarge, len(key), MaxKeySize)
	}
	if !utf8.ValidString(key) {
		return ErrKeyInvalid
	}
	for _, r := range key {
		if unicode.IsControl(r) || unicode.IsSpace(r) {
			return ErrKeyInvalid
		}
	}
	return nil
}
