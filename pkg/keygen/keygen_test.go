package keygen_test

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"testing"
	"testing/iotest"

	"github.com/aretw0/tessera/pkg/keygen"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerate_LengthAndAlphabet(t *testing.T) {
	key, err := keygen.New().Generate()
	require.NoError(t, err)
	assert.Len(t, key, keygen.DefaultLength)

	for _, c := range key {
		assert.True(t, strings.ContainsRune(keygen.Alphabet, c), "unexpected symbol %q", c)
	}
}

func TestGenerate_CustomLength(t *testing.T) {
	key, err := keygen.New(keygen.WithLength(16)).Generate()
	require.NoError(t, err)
	assert.Len(t, key, 16)
}

func TestGenerate_RejectsBiasedBytes(t *testing.T) {
	// 0xFF is above the unbiased range and must be skipped; 0x00 maps to '0'
	// and 0x3D (61) maps to 'Z'.
	src := bytes.NewReader(bytes.Repeat([]byte{0xFF, 0x00, 0x3D}, 16))
	key, err := keygen.New(keygen.WithLength(4), keygen.WithSource(src)).Generate()
	require.NoError(t, err)
	assert.Equal(t, "0Z0Z", key)
}

func TestGenerate_SourceError(t *testing.T) {
	boom := errors.New("entropy pool exhausted")
	_, err := keygen.New(keygen.WithSource(iotest.ErrReader(boom))).Generate()
	assert.ErrorIs(t, err, boom)
}

func TestGenerate_NoCollisions(t *testing.T) {
	gen := keygen.New()
	const n = 1000

	var (
		mu   sync.Mutex
		seen = make(map[string]struct{}, n)
		wg   sync.WaitGroup
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			key, err := gen.Generate()
			assert.NoError(t, err)
			mu.Lock()
			seen[key] = struct{}{}
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Len(t, seen, n)
}

func TestFunc(t *testing.T) {
	gen := keygen.Func(func() (string, error) { return "fixed", nil })
	key, err := gen.Generate()
	require.NoError(t, err)
	assert.Equal(t, "fixed", key)
}
