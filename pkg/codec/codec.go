// Package codec converts session payloads to and from their stored form.
package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/aretw0/tessera/pkg/domain"
)

// Codec serializes a payload for storage.
// Decode must fail with an error matching domain.ErrDeserialization on
// malformed input, and Decode(Encode(p)) must equal p.
type Codec interface {
	Encode(domain.Payload) ([]byte, error)
	Decode([]byte) (domain.Payload, error)
}

// JSON stores payloads as a JSON object of strings.
type JSON struct{}

// ErrInvalidUTF8 is returned by JSON.Encode for keys or values that are not
// valid UTF-8. encoding/json would otherwise replace the bad bytes with
// U+FFFD and the payload would not survive a round trip.
var ErrInvalidUTF8 = errors.New("payload is not valid UTF-8")

// Encode marshals the payload. A nil payload encodes as an empty object.
func (JSON) Encode(p domain.Payload) ([]byte, error) {
	if p == nil {
		p = domain.Payload{}
	}
	for k, v := range p {
		if !utf8.ValidString(k) {
			return nil, fmt.Errorf("%w: key %q", ErrInvalidUTF8, k)
		}
		if !utf8.ValidString(v) {
			return nil, fmt.Errorf("%w: value of %q", ErrInvalidUTF8, k)
		}
	}
	data, err := json.Marshal(map[string]string(p))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return data, nil
}

// Decode unmarshals a JSON object. Anything other than an object of
// strings, including a bare null, is rejected.
func (JSON) Decode(data []byte) (domain.Payload, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, domain.Deserialization(errors.New("payload is not a JSON object"))
	}

	p := domain.Payload{}
	if err := json.Unmarshal(trimmed, &p); err != nil {
		return nil, domain.Deserialization(err)
	}
	return p, nil
}

// Default is the codec used when none is configured.
var Default Codec = JSON{}
