package requery

import "time"

// Status is the lifecycle phase of a query result.
type Status int

const (
	StatusPending Status = iota
	StatusSuccess
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusSuccess:
		return "success"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Result is the type-erased snapshot stored in a cache entry. Data keeps its
// concrete type; typed observers recover it with a checked assertion and
// treat a mismatch as an absent entry. Placeholder substitution never reaches
// a stored Result - it exists only in an observer's derived view.
type Result struct {
	Status        Status
	Data          any
	Error         error
	IsFetching    bool
	FailureCount  int
	FailureReason error
	DataUpdatedAt time.Time
}

func (r Result) hasData() bool { return r.Data != nil }

// Entry pairs a result with its wall-clock write time. UpdatedAt is the
// staleness fallback when the result carries no DataUpdatedAt of its own.
type Entry struct {
	Result    Result
	UpdatedAt time.Time
}

// dataTimestamp prefers the result's own DataUpdatedAt (so caller-supplied
// initial-data timestamps are honored) and falls back to the write time.
func (e Entry) dataTimestamp() time.Time {
	if !e.Result.DataUpdatedAt.IsZero() {
		return e.Result.DataUpdatedAt
	}
	return e.UpdatedAt
}

// isStale applies the staleness formula: staleTime <= 0 means always stale,
// StaleForever never, otherwise age beyond staleTime.
func (e Entry) isStale(staleTime time.Duration) bool {
	if staleTime <= 0 {
		return true
	}
	if staleTime == StaleForever {
		return false
	}
	return time.Since(e.dataTimestamp()) > staleTime
}
