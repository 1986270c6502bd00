// Package resolver maps short mission id prefixes to full mission ids so CLI
// users can type "mission-3f" instead of the whole id.
package resolver

import (
	"context"
	"fmt"
	"strings"

	"github.com/stationhq/station/pkg/statestore"
)

// MinShortIDLength is the minimum required length for short id prefixes.
// Mission ids carry an 8 character random suffix, so anything shorter than
// this rarely narrows the search to one mission.
const MinShortIDLength = 4

// ResolveMissionID resolves a short id prefix to a full mission id.
// Exact ids pass through after an existence check; prefixes must match
// exactly one known mission.
func ResolveMissionID(ctx context.Context, store *statestore.Store, shortID string) (string, error) {
	// Exact match wins before any prefix scanning.
	if _, err := store.GetMission(ctx, shortID); err == nil {
		return shortID, nil
	} else if !statestore.IsNotFound(err) {
		return "", fmt.Errorf("failed to look up mission: %w", err)
	}

	if len(shortID) < MinShortIDLength {
		return "", fmt.Errorf("short id must be at least %d characters (got %d)", MinShortIDLength, len(shortID))
	}

	missions, err := store.ListMissions(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to search for mission: %w", err)
	}

	var matches []string
	for _, m := range missions {
		if strings.HasPrefix(m.ID, shortID) {
			matches = append(matches, m.ID)
		}
	}

	switch len(matches) {
	case 0:
		return "", &NotFoundError{ShortID: shortID}
	case 1:
		return matches[0], nil
	default:
		return "", &AmbiguousError{ShortID: shortID, Matches: matches}
	}
}

// NotFoundError indicates no missions matched the short id.
type NotFoundError struct {
	ShortID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no missions found matching '%s'", e.ShortID)
}

// AmbiguousError indicates multiple missions matched the short id.
type AmbiguousError struct {
	ShortID string
	Matches []string
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("ambiguous short id '%s' matches %d missions", e.ShortID, len(e.Matches))
}

// FormatAmbiguousError creates a user-friendly message for ambiguous short
// ids, listing up to 10 matches.
func FormatAmbiguousError(err *AmbiguousError) string {
	msg := fmt.Sprintf("Ambiguous short id '%s' matches %d missions:\n", err.ShortID, len(err.Matches))

	displayCount := len(err.Matches)
	if displayCount > 10 {
		displayCount = 10
	}
	for i := 0; i < displayCount; i++ {
		msg += fmt.Sprintf("  %s\n", err.Matches[i])
	}
	if len(err.Matches) > 10 {
		msg += fmt.Sprintf("  ...and %d more\n", len(err.Matches)-10)
	}

	msg += "\nUse a longer prefix to uniquely identify the mission."
	return msg
}

// IsNotFoundError checks if an error is a NotFoundError.
func IsNotFoundError(err error) bool {
	_, ok := err.(*NotFoundError)
	return ok
}

// IsAmbiguousError checks if an error is an AmbiguousError.
func IsAmbiguousError(err error) bool {
	_, ok := err.(*AmbiguousError)
	return ok
}
