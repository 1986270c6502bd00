package resolver

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stationhq/station/pkg/statestore"
)

func setupStore(t *testing.T) *statestore.Store {
	t.Helper()
	mr := miniredis.RunT(t)
	store, err := statestore.NewStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "test")
	require.NoError(t, err)
	require.NoError(t, store.Connect(context.Background()))
	return store
}

func TestResolveMissionID(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)

	for _, id := range []string{"mission-abc12345", "mission-abd99999", "mission-xyz00000"} {
		m := statestore.NewMission(id, "title "+id, "", statestore.PriorityNormal)
		require.NoError(t, store.CreateMission(ctx, m))
	}

	t.Run("exact id passes through", func(t *testing.T) {
		got, err := ResolveMissionID(ctx, store, "mission-abc12345")
		require.NoError(t, err)
		assert.Equal(t, "mission-abc12345", got)
	})

	t.Run("unique prefix resolves", func(t *testing.T) {
		got, err := ResolveMissionID(ctx, store, "mission-xyz")
		require.NoError(t, err)
		assert.Equal(t, "mission-xyz00000", got)
	})

	t.Run("ambiguous prefix errors with matches", func(t *testing.T) {
		_, err := ResolveMissionID(ctx, store, "mission-ab")
		require.Error(t, err)
		require.True(t, IsAmbiguousError(err))

		ambig := err.(*AmbiguousError)
		assert.Len(t, ambig.Matches, 2)
		assert.Contains(t, FormatAmbiguousError(ambig), "mission-abc12345")
	})

	t.Run("no match", func(t *testing.T) {
		_, err := ResolveMissionID(ctx, store, "mission-zzz")
		require.Error(t, err)
		assert.True(t, IsNotFoundError(err))
	})

	t.Run("too short", func(t *testing.T) {
		_, err := ResolveMissionID(ctx, store, "mi")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "at least")
	})
}
