// Package timespec parses user-supplied deadline specifications.
package timespec

import (
	"fmt"
	"time"
)

// Parse parses a deadline specification into an absolute time.
// Supports two formats:
//   - Go duration format: "1h", "30m", "1h30m" (relative to now, in the future)
//   - RFC3339 timestamps: "2026-08-29T13:00:00Z"
func Parse(spec string) (time.Time, error) {
	if spec == "" {
		return time.Time{}, fmt.Errorf("empty time specification")
	}

	if t, err := time.Parse(time.RFC3339, spec); err == nil {
		return t, nil
	}

	if d, err := time.ParseDuration(spec); err == nil {
		if d <= 0 {
			return time.Time{}, fmt.Errorf("deadline duration must be positive: %s", spec)
		}
		return time.Now().Add(d), nil
	}

	return time.Time{}, fmt.Errorf("invalid time specification: %s (use duration like '1h30m' or RFC3339 like '2026-08-29T13:00:00Z')", spec)
}

// ParseDeadline parses an optional deadline flag. An empty spec means no
// deadline; a spec in the past is rejected.
func ParseDeadline(spec string) (*time.Time, error) {
	if spec == "" {
		return nil, nil
	}
	t, err := Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid --deadline: %w", err)
	}
	if !t.After(time.Now()) {
		return nil, fmt.Errorf("--deadline is already in the past: %s", t.Format(time.RFC3339))
	}
	return &t, nil
}
