package simulation

// Status is the lifecycle status of a simulation record.
//
// NOTE: These values are persisted and are part of the stable record contract.
type Status string

const (
	StatusSubmitted Status = "SUBMITTED"
	StatusPending   Status = "PENDING"
	StatusRunnable  Status = "RUNNABLE"
	StatusStarting  Status = "STARTING"
	StatusRunning   Status = "RUNNING"
	StatusUnknown   Status = "UNKNOWN"

	// StatusSucceeded means the compute run finished successfully but results
	// have not yet been indexed. It is not terminal.
	StatusSucceeded Status = "SUCCEEDED"

	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{
	StatusSubmitted, StatusPending, StatusRunnable, StatusStarting, StatusRunning,
	StatusUnknown, StatusSucceeded, StatusCompleted, StatusFailed, StatusCancelled,
}

// observed is the set of in-flight statuses the monitor may write; any of
// them may follow any other as the backend reports progress or a poll fails.
var observed = map[Status]bool{
	StatusPending:  true,
	StatusRunnable: true,
	StatusStarting: true,
	StatusRunning:  true,
	StatusUnknown:  true,
}

// IsTerminal reports whether no further status change is permitted.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// IsActive reports whether the record counts against the per-user quota.
func (s Status) IsActive() bool {
	return s.Valid() && !s.IsTerminal()
}

// IsCancellable reports whether a cancellation request is accepted in s.
func (s Status) IsCancellable() bool {
	switch s {
	case StatusSubmitted, StatusPending, StatusRunnable, StatusStarting, StatusRunning, StatusUnknown:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, v := range AllStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// CanTransition reports whether the status graph permits from -> to.
//
// Writing the same status again is always permitted for non-terminal
// statuses so snapshot rewrites stay idempotent. Terminal statuses are
// absorbing.
func CanTransition(from, to Status) bool {
	if from.IsTerminal() {
		return false
	}
	if !to.Valid() {
		return false
	}
	if from == to {
		return true
	}
	switch to {
	case StatusFailed:
		return true
	case StatusCancelled:
		return from.IsCancellable()
	case StatusCompleted:
		return from == StatusSucceeded
	case StatusSubmitted:
		return false
	case StatusSucceeded:
		return from == StatusSubmitted || observed[from]
	}
	// to is an observed in-flight status.
	return from == StatusSubmitted || observed[from]
}

// ParseStatus parses a status name, case-sensitively.
func ParseStatus(s string) (Status, bool) {
	st := Status(s)
	return st, st.Valid()
}
