package requery

import (
	"math"
	"time"
)

const (
	defaultGCTime     = 5 * time.Minute
	defaultRetryDelay = time.Second
	defaultRetryCount = 3
)

// StaleForever marks data as never stale: observers holding it will not
// refetch on mount, focus or reconnect.
const StaleForever = time.Duration(math.MaxInt64)

// GCNever disables garbage collection for a record. Any negative duration
// works; this constant just names the intent.
const GCNever = time.Duration(-1)

// coalesce returns def when v is the zero value of T - otherwise v.
func coalesce[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}
