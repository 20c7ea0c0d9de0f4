package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aretw0/tessera/pkg/adapters/memory"
	"github.com/aretw0/tessera/pkg/domain"
	"github.com/aretw0/tessera/pkg/keygen"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Outcomes(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	metrics := NewMetrics(reg)
	store := New(memory.NewStore(), Config{}, WithMetrics(metrics))
	ctx := context.Background()

	key, err := store.Save(ctx, domain.Payload{"user": "42"}, time.Hour)
	require.NoError(t, err)
	_, _, err = store.Load(ctx, key)
	require.NoError(t, err)
	_, _, err = store.Load(ctx, "missing")
	require.NoError(t, err)
	_, err = store.Update(ctx, "missing", domain.Payload{}, time.Hour)
	require.NoError(t, err)
	require.NoError(t, store.Renew(ctx, "missing", time.Hour))

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.operations.WithLabelValues(opSave, outcomeOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.operations.WithLabelValues(opLoad, outcomeOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.operations.WithLabelValues(opLoad, outcomeAbsent)))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.operations.WithLabelValues(opUpdate, outcomeFallback)))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.operations.WithLabelValues(opRenew, outcomeAbsent)))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.fallbacks))

	count, err := testutil.GatherAndCount(reg, "tessera_session_operations_total")
	require.NoError(t, err)
	assert.Equal(t, 5, count)
}

func TestMetrics_Collisions(t *testing.T) {
	metrics := NewMetrics(nil)
	backend := memory.NewStore()
	gen := keygen.Func(func() (string, error) { return "same", nil })
	store := New(backend, Config{}, WithMetrics(metrics), WithKeyGenerator(gen))
	ctx := context.Background()

	_, err := store.Save(ctx, domain.Payload{}, time.Hour)
	require.NoError(t, err)
	_, err = store.Save(ctx, domain.Payload{}, time.Hour)
	require.True(t, errors.Is(err, domain.ErrKeyCollision))

	assert.Equal(t, float64(DefaultMaxSaveAttempts), testutil.ToFloat64(metrics.collisions))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.operations.WithLabelValues(opSave, outcomeStorageError)))
}

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.observe(opLoad, outcomeOK, time.Now())
		m.fallback()
		m.collision()
	})
}

func TestRedact(t *testing.T) {
	assert.Equal(t, "abc", redact("abc"))
	assert.Equal(t, "abcdef…", redact("abcdefghijkl"))
}
