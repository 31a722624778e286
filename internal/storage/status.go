package storage

import "fmt"

// Status is the lifecycle state of a queue item. Values are persisted
// as strings; anything else read back from the store is rejected.
type Status string

const (
	StatusPending     Status = "pending"
	StatusDownloading Status = "downloading"
	StatusPaused      Status = "paused"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusCancelled   Status = "cancelled"
)

// transitions holds the allowed state machine edges. Anything not
// listed is a no-op for callers, not an error.
var transitions = map[Status][]Status{
	StatusPending:     {StatusDownloading, StatusCancelled},
	StatusDownloading: {StatusPaused, StatusCompleted, StatusFailed, StatusCancelled},
	StatusPaused:      {StatusDownloading, StatusCancelled},
	StatusFailed:      {StatusPending},
	StatusCompleted:   {},
	StatusCancelled:   {},
}

func (s Status) String() string {
	return string(s)
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// IsTerminal reports whether s admits no further transitions.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// CanTransitionTo reports whether the state machine allows moving from
// s to next.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ParseStatus validates a persisted status value, failing loudly on a
// corrupted or foreign value instead of letting it propagate.
func ParseStatus(raw string) (Status, error) {
	s := Status(raw)
	if !s.Valid() {
		return "", fmt.Errorf("unknown queue status %q", raw)
	}
	return s, nil
}

// activeStatuses are the non-terminal states, i.e. what default queue
// listings and position renumbering operate on.
func activeStatuses() []Status {
	return []Status{StatusPending, StatusDownloading, StatusPaused, StatusFailed}
}
