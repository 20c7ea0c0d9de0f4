package codec

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"github.com/aretw0/tessera/pkg/domain"
)

// KeySize is the AES-256 key length.
const KeySize = 32

// EncryptionConfig holds the keys for encryption and decryption.
type EncryptionConfig struct {
	// ActiveKey encrypts new payloads. Must be KeySize bytes.
	ActiveKey []byte

	// FallbackKeys are tried in order when the active key cannot open a
	// payload, which allows rotating keys without invalidating live sessions.
	FallbackKeys [][]byte
}

// Encrypted seals the output of another codec with AES-GCM and stores it as
// base64 text, so backends that hold string attributes can carry it.
type Encrypted struct {
	inner  Codec
	config EncryptionConfig
}

// NewEncrypted wraps inner. It fails if any key is not KeySize bytes.
func NewEncrypted(inner Codec, config EncryptionConfig) (*Encrypted, error) {
	if inner == nil {
		inner = Default
	}
	if len(config.ActiveKey) != KeySize {
		return nil, fmt.Errorf("active key must be %d bytes (AES-256), got %d", KeySize, len(config.ActiveKey))
	}
	for i, k := range config.FallbackKeys {
		if len(k) != KeySize {
			return nil, fmt.Errorf("fallback key %d must be %d bytes, got %d", i, KeySize, len(k))
		}
	}
	return &Encrypted{inner: inner, config: config}, nil
}

// Encode serializes with the inner codec and seals the result.
func (e *Encrypted) Encode(p domain.Payload) ([]byte, error) {
	plain, err := e.inner.Encode(p)
	if err != nil {
		return nil, err
	}

	sealed, err := encrypt(plain, e.config.ActiveKey)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt payload: %w", err)
	}

	out := make([]byte, base64.StdEncoding.EncodedLen(len(sealed)))
	base64.StdEncoding.Encode(out, sealed)
	return out, nil
}

// Decode opens the envelope and hands the plaintext to the inner codec.
func (e *Encrypted) Decode(data []byte) (domain.Payload, error) {
	sealed := make([]byte, base64.StdEncoding.DecodedLen(len(data)))
	n, err := base64.StdEncoding.Decode(sealed, data)
	if err != nil {
		return nil, domain.Deserialization(fmt.Errorf("failed to decode ciphertext base64: %w", err))
	}

	plain, err := decryptWithRotation(sealed[:n], e.config.ActiveKey, e.config.FallbackKeys)
	if err != nil {
		return nil, domain.Deserialization(err)
	}
	return e.inner.Decode(plain)
}

func encrypt(plaintext []byte, key []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func decryptWithRotation(ciphertext []byte, activeKey []byte, fallbackKeys [][]byte) ([]byte, error) {
	if plain, err := decrypt(ciphertext, activeKey); err == nil {
		return plain, nil
	}

	for _, key := range fallbackKeys {
		if plain, err := decrypt(ciphertext, key); err == nil {
			return plain, nil
		}
	}

	return nil, errors.New("decryption failed with all available keys")
}

func decrypt(ciphertext []byte, key []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	if len(ciphertext) < gcm.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}

	nonce := ciphertext[:gcm.NonceSize()]
	return gcm.Open(nil, nonce, ciphertext[gcm.NonceSize():], nil)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
