// Package watch waits on mission lifecycle milestones.
package watch

import (
	"context"
	"fmt"
	"time"

	"github.com/stationhq/station/pkg/statestore"
)

// PollInterval is how often the store is re-read while waiting.
const PollInterval = 200 * time.Millisecond

// PollForOutcome polls until the mission finishes: completed, failed, or
// cancelled. Failed counts as an outcome even though a failed mission may
// later be retried.
// Returns the final mission or an error if the timeout elapses first.
func PollForOutcome(ctx context.Context, store *statestore.Store, missionID string, timeout time.Duration) (*statestore.Mission, error) {
	return pollUntil(ctx, store, missionID, timeout, func(m *statestore.Mission) bool {
		switch m.Status {
		case statestore.StatusCompleted, statestore.StatusFailed, statestore.StatusCancelled:
			return true
		}
		return false
	})
}

// PollForStatus polls until the mission reaches the given status.
func PollForStatus(ctx context.Context, store *statestore.Store, missionID string, status statestore.MissionStatus, timeout time.Duration) (*statestore.Mission, error) {
	return pollUntil(ctx, store, missionID, timeout, func(m *statestore.Mission) bool {
		return m.Status == status
	})
}

func pollUntil(ctx context.Context, store *statestore.Store, missionID string, timeout time.Duration, done func(*statestore.Mission) bool) (*statestore.Mission, error) {
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

	timeoutCh := time.After(timeout)

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case <-timeoutCh:
			return nil, fmt.Errorf("timeout waiting for mission %s after %v", missionID, timeout)

		case <-ticker.C:
			m, err := store.GetMission(ctx, missionID)
			if err != nil {
				if statestore.IsNotFound(err) {
					continue
				}
				return nil, fmt.Errorf("failed to read mission: %w", err)
			}
			if done(m) {
				return m, nil
			}
		}
	}
}
