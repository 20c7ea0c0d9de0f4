package tests

import (
	"context"
	"testing"
	"time"

	"github.com/aretw0/tessera/pkg/domain"
	"github.com/aretw0/tessera/pkg/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RunConditionalStoreContract is a reusable test suite that verifies an
// adapter complies with ports.ConditionalStore. Every subtest uses its own
// keys, so a single store instance can be shared.
func RunConditionalStoreContract(t *testing.T, store ports.ConditionalStore, schema ports.Schema) {
	t.Helper()
	ctx := context.Background()

	item := func(key, payload string, expiresAt time.Time) ports.Item {
		return ports.Item{
			schema.KeyField:     key,
			schema.PayloadField: payload,
			schema.TTLField:     ports.FormatExpiry(expiresAt),
		}
	}
	later := time.Now().Add(time.Hour)

	t.Run("Get_Missing", func(t *testing.T) {
		got, ok, err := store.Get(ctx, "contract-missing")
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Nil(t, got)
	})

	t.Run("PutIfAbsent_ThenGet", func(t *testing.T) {
		want := item("contract-put", `{"user":"42"}`, later)
		require.NoError(t, store.PutIfAbsent(ctx, "contract-put", want))

		got, ok, err := store.Get(ctx, "contract-put")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, want, got)
	})

	t.Run("PutIfAbsent_Existing", func(t *testing.T) {
		first := item("contract-dup", `{"n":"1"}`, later)
		require.NoError(t, store.PutIfAbsent(ctx, "contract-dup", first))

		err := store.PutIfAbsent(ctx, "contract-dup", item("contract-dup", `{"n":"2"}`, later))
		assert.ErrorIs(t, err, domain.ErrConditionFailed)

		got, _, err := store.Get(ctx, "contract-dup")
		require.NoError(t, err)
		assert.Equal(t, first, got, "losing write must not touch the record")
	})

	t.Run("PutIfPresent_Missing", func(t *testing.T) {
		err := store.PutIfPresent(ctx, "contract-gone", item("contract-gone", `{}`, later))
		assert.ErrorIs(t, err, domain.ErrConditionFailed)

		_, ok, err := store.Get(ctx, "contract-gone")
		require.NoError(t, err)
		assert.False(t, ok, "a failed conditional put must not create the record")
	})

	t.Run("PutIfPresent_Replaces", func(t *testing.T) {
		require.NoError(t, store.PutIfAbsent(ctx, "contract-replace", item("contract-replace", `{"v":"old"}`, later)))

		updated := item("contract-replace", `{"v":"new"}`, later.Add(time.Hour))
		require.NoError(t, store.PutIfPresent(ctx, "contract-replace", updated))

		got, ok, err := store.Get(ctx, "contract-replace")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, updated, got)
	})

	t.Run("SetAttribute_TTLOnly", func(t *testing.T) {
		original := item("contract-renew", `{"keep":"me"}`, later)
		require.NoError(t, store.PutIfAbsent(ctx, "contract-renew", original))

		renewed := ports.FormatExpiry(later.Add(24 * time.Hour))
		require.NoError(t, store.SetAttribute(ctx, "contract-renew", schema.TTLField, renewed))

		got, ok, err := store.Get(ctx, "contract-renew")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, original[schema.PayloadField], got[schema.PayloadField])
		assert.Equal(t, renewed, got[schema.TTLField])
	})

	t.Run("SetAttribute_Missing", func(t *testing.T) {
		err := store.SetAttribute(ctx, "contract-renew-gone", schema.TTLField, ports.FormatExpiry(later))
		assert.ErrorIs(t, err, domain.ErrConditionFailed)

		_, ok, err := store.Get(ctx, "contract-renew-gone")
		require.NoError(t, err)
		assert.False(t, ok, "renewing an absent key must not create a stub record")
	})

	t.Run("Delete_Idempotent", func(t *testing.T) {
		require.NoError(t, store.PutIfAbsent(ctx, "contract-del", item("contract-del", `{}`, later)))
		require.NoError(t, store.Delete(ctx, "contract-del"))
		require.NoError(t, store.Delete(ctx, "contract-del"))

		_, ok, err := store.Get(ctx, "contract-del")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("Expired_IsAbsent", func(t *testing.T) {
		past := time.Now().Add(-time.Hour)
		require.NoError(t, store.PutIfAbsent(ctx, "contract-expired", item("contract-expired", `{}`, past)))

		_, ok, err := store.Get(ctx, "contract-expired")
		require.NoError(t, err)
		assert.False(t, ok)

		err = store.PutIfPresent(ctx, "contract-expired", item("contract-expired", `{}`, later))
		assert.ErrorIs(t, err, domain.ErrConditionFailed)

		assert.NoError(t, store.PutIfAbsent(ctx, "contract-expired", item("contract-expired", `{"fresh":"yes"}`, later)))
	})
}
