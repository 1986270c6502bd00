package watch

import (
	"context"
	"testing"
	"time"

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

func advance(t *testing.T, store *statestore.Store, id string, statuses ...statestore.MissionStatus) {
	t.Helper()
	ctx := context.Background()
	for _, status := range statuses {
		_, err := store.TransitionMission(ctx, id, status, "")
		require.NoError(t, err)
	}
}

func TestPollForOutcome(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)

	m := statestore.NewMission("mission-watch01", "watched", "", statestore.PriorityNormal)
	require.NoError(t, store.CreateMission(ctx, m))

	go func() {
		time.Sleep(300 * time.Millisecond)
		advance(t, store, m.ID, statestore.StatusAssigned, statestore.StatusInProgress, statestore.StatusCompleted)
	}()

	got, err := PollForOutcome(ctx, store, m.ID, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, statestore.StatusCompleted, got.Status)
}

func TestPollForOutcomeSeesFailure(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)

	m := statestore.NewMission("mission-watch02", "watched", "", statestore.PriorityNormal)
	require.NoError(t, store.CreateMission(ctx, m))
	advance(t, store, m.ID, statestore.StatusAssigned, statestore.StatusInProgress, statestore.StatusFailed)

	got, err := PollForOutcome(ctx, store, m.ID, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, statestore.StatusFailed, got.Status)
}

func TestPollForStatus(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)

	m := statestore.NewMission("mission-watch03", "watched", "", statestore.PriorityNormal)
	require.NoError(t, store.CreateMission(ctx, m))

	go func() {
		time.Sleep(300 * time.Millisecond)
		advance(t, store, m.ID, statestore.StatusAssigned)
	}()

	got, err := PollForStatus(ctx, store, m.ID, statestore.StatusAssigned, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, statestore.StatusAssigned, got.Status)
}

func TestPollTimesOut(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)

	m := statestore.NewMission("mission-watch04", "stuck", "", statestore.PriorityNormal)
	require.NoError(t, store.CreateMission(ctx, m))

	_, err := PollForOutcome(ctx, store, m.ID, 500*time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timeout")
}

func TestPollHonorsContextCancellation(t *testing.T) {
	store := setupStore(t)

	m := statestore.NewMission("mission-watch05", "stuck", "", statestore.PriorityNormal)
	require.NoError(t, store.CreateMission(context.Background(), m))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(300 * time.Millisecond)
		cancel()
	}()

	_, err := PollForOutcome(ctx, store, m.ID, 10*time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPollToleratesMissingMission(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)

	// Mission is created only after polling starts.
	go func() {
		time.Sleep(300 * time.Millisecond)
		m := statestore.NewMission("mission-watch06", "late", "", statestore.PriorityNormal)
		require.NoError(t, store.CreateMission(ctx, m))
		advance(t, store, m.ID, statestore.StatusCancelled)
	}()

	got, err := PollForOutcome(ctx, store, "mission-watch06", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, statestore.StatusCancelled, got.Status)
}
