package refstore

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardlens/cardlens/internal/storage"
)

func seedRef(t *testing.T, store storage.ObjectStore, key string, ref Reference) {
	t.Helper()
	data, err := json.Marshal(ref)
	require.NoError(t, err)
	require.NoError(t, store.Put(context.Background(), key, data))
}

func TestLoad(t *testing.T) {
	objects := storage.NewMemStore()
	seedRef(t, objects, Prefix("Charizard")+"base-set.json", Reference{CardName: "charizard", Hash: "a1b2c3d4e5f60718", Set: "Base Set"})
	seedRef(t, objects, Prefix("Charizard")+"shadowless.json", Reference{CardName: "charizard", Hash: "a1b2c3d4e5f60719", Variant: "shadowless"})
	require.NoError(t, objects.Put(context.Background(), Prefix("Charizard")+"corrupt.json", []byte("-not json-")))

	store := New(objects)

	t.Run("parses_and_skips_corrupt", func(t *testing.T) {
		refs, err := store.Load(context.Background(), "Charizard")
		require.NoError(t, err)
		assert.Len(t, refs, 2)
	})

	t.Run("name_is_case_insensitive", func(t *testing.T) {
		hashes, err := store.Hashes(context.Background(), "  CHARIZARD ")
		require.NoError(t, err)
		assert.Equal(t, []string{"a1b2c3d4e5f60718", "a1b2c3d4e5f60719"}, hashes)
	})

	t.Run("missing_prefix_is_empty", func(t *testing.T) {
		refs, err := store.Load(context.Background(), "Pikachu")
		require.NoError(t, err)
		assert.Empty(t, refs)
	})

	t.Run("all_corrupt_is_error", func(t *testing.T) {
		require.NoError(t, objects.Put(context.Background(), Prefix("Mewtwo")+"bad.json", []byte("junk")))
		_, err := store.Load(context.Background(), "Mewtwo")
		assert.Error(t, err)
	})
}

func TestCached(t *testing.T) {
	objects := storage.NewMemStore()
	seedRef(t, objects, Prefix("Charizard")+"0.json", Reference{CardName: "charizard", Hash: "a1b2c3d4e5f60718"})

	cached := NewCached(New(objects))

	first, err := cached.Load(context.Background(), "Charizard")
	require.NoError(t, err)
	require.Len(t, first, 1)

	// Mutating the backing store must not be visible through the cache
	// within the same execution.
	seedRef(t, objects, Prefix("Charizard")+"1.json", Reference{CardName: "charizard", Hash: "ffffffffffffffff"})

	again, err := cached.Load(context.Background(), "charizard")
	require.NoError(t, err)
	assert.Len(t, again, 1, "second load served from cache")
}

func TestPrefix(t *testing.T) {
	assert.Equal(t, "refs/charizard/", Prefix("Charizard"))
	assert.Equal(t, "refs/dark%20charizard/", Prefix("Dark Charizard"))
}
