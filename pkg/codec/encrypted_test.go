package codec_test

import (
	"bytes"
	"crypto/rand"
	"io"
	"strings"
	"testing"

	"github.com/aretw0/tessera/pkg/codec"
	"github.com/aretw0/tessera/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func generateKey(t *testing.T) []byte {
	k := make([]byte, codec.KeySize)
	if _, err := io.ReadFull(rand.Reader, k); err != nil {
		t.Fatal(err)
	}
	return k
}

func TestEncrypted_Roundtrip(t *testing.T) {
	c, err := codec.NewEncrypted(nil, codec.EncryptionConfig{ActiveKey: generateKey(t)})
	require.NoError(t, err)

	payload := domain.Payload{"secret": "my-secret-sauce"}
	data, err := c.Encode(payload)
	require.NoError(t, err)
	assert.False(t, bytes.Contains(data, []byte("my-secret-sauce")), "payload must not be stored in clear")

	got, err := c.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestEncrypted_KeyRotation(t *testing.T) {
	oldKey := generateKey(t)
	newKey := generateKey(t)

	oldCodec, err := codec.NewEncrypted(codec.JSON{}, codec.EncryptionConfig{ActiveKey: oldKey})
	require.NoError(t, err)
	data, err := oldCodec.Encode(domain.Payload{"data": "encrypted-with-old-key"})
	require.NoError(t, err)

	rotated, err := codec.NewEncrypted(codec.JSON{}, codec.EncryptionConfig{
		ActiveKey:    newKey,
		FallbackKeys: [][]byte{oldKey},
	})
	require.NoError(t, err)

	got, err := rotated.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, "encrypted-with-old-key", got["data"])

	strict, err := codec.NewEncrypted(codec.JSON{}, codec.EncryptionConfig{ActiveKey: newKey})
	require.NoError(t, err)
	_, err = strict.Decode(data)
	assert.ErrorIs(t, err, domain.ErrDeserialization)
}

func TestEncrypted_Malformed(t *testing.T) {
	c, err := codec.NewEncrypted(codec.JSON{}, codec.EncryptionConfig{ActiveKey: generateKey(t)})
	require.NoError(t, err)

	for _, in := range []string{"!!not base64!!", "c2hvcnQ=", `{"user":"42"}`} {
		_, err := c.Decode([]byte(in))
		assert.ErrorIs(t, err, domain.ErrDeserialization, "input %q", in)
	}
}

func TestNewEncrypted_KeyLength(t *testing.T) {
	_, err := codec.NewEncrypted(nil, codec.EncryptionConfig{ActiveKey: []byte("short")})
	assert.Error(t, err)

	_, err = codec.NewEncrypted(nil, codec.EncryptionConfig{
		ActiveKey:    generateKey(t),
		FallbackKeys: [][]byte{[]byte(strings.Repeat("x", 16))},
	})
	assert.Error(t, err)
}
