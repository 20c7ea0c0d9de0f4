// Package keygen produces opaque session keys.
package keygen

import (
	"crypto/rand"
	"fmt"
	"io"
)

// DefaultLength is the length of keys produced by New. With 62 symbols this
// gives roughly 381 bits of entropy, well above OWASP's 64-bit floor.
const DefaultLength = 64

// Alphabet is the set of symbols keys are drawn from.
const Alphabet = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

// maxUnbiased is the largest multiple of len(Alphabet) that fits in a byte.
// Bytes at or above it are rejected so every symbol is equally likely.
const maxUnbiased = 256 - 256%len(Alphabet)

// Generator produces session keys. It does not check uniqueness: that is
// enforced by the store's conditional write.
type Generator interface {
	Generate() (string, error)
}

// Random draws keys from a cryptographically secure source.
type Random struct {
	length int
	source io.Reader
}

// Option configures a Random generator.
type Option func(*Random)

// WithLength overrides the key length.
func WithLength(n int) Option {
	return func(r *Random) {
		r.length = n
	}
}

// WithSource replaces crypto/rand as the byte source. Intended for tests.
func WithSource(src io.Reader) Option {
	return func(r *Random) {
		r.source = src
	}
}

// New returns a generator of DefaultLength alphanumeric keys.
func New(opts ...Option) *Random {
	r := &Random{
		length: DefaultLength,
		source: rand.Reader,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.length <= 0 {
		r.length = DefaultLength
	}
	return r
}

// Generate returns a fresh key.
func (r *Random) Generate() (string, error) {
	key := make([]byte, 0, r.length)
	buf := make([]byte, r.length+r.length/4)

	for len(key) < r.length {
		if _, err := io.ReadFull(r.source, buf); err != nil {
			return "", fmt.Errorf("failed to read random bytes: %w", err)
		}
		for _, b := range buf {
			if int(b) >= maxUnbiased {
				continue
			}
			key = append(key, Alphabet[int(b)%len(Alphabet)])
			if len(key) == r.length {
				break
			}
		}
	}
	return string(key), nil
}

// Func adapts a plain function to the Generator interface.
type Func func() (string, error)

// Generate calls f.
func (f Func) Generate() (string, error) { return f() }
