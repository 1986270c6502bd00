package statestore

// Mission state machine
//
// pending → assigned → in_progress → {blocked ⇄ in_progress, completed, failed}
// pending and assigned may also be cancelled; blocked may be cancelled;
// failed may be retried back to pending; completed and cancelled are terminal.

var validTransitions = map[MissionStatus][]MissionStatus{
	StatusPending:    {StatusAssigned, StatusCancelled},
	StatusAssigned:   {StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusBlocked, StatusCompleted, StatusFailed},
	StatusBlocked:    {StatusInProgress, StatusCancelled},
	StatusCompleted:  {},
	StatusFailed:     {StatusPending}, // retry
	StatusCancelled:  {},
}

// CanTransition reports whether a mission may move from one status to
// another. Any pair not in the transition table is rejected.
func CanTransition(from, to MissionStatus) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Successors returns the statuses reachable from the given status. Terminal
// statuses return an empty slice.
func Successors(from MissionStatus) []MissionStatus {
	return append([]MissionStatus(nil), validTransitions[from]...)
}

// IsTerminal reports whether no transition out of the status exists.
func IsTerminal(s MissionStatus) bool {
	return len(validTransitions[s]) == 0
}
