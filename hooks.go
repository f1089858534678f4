package requery

// Hooks lightweight callbacks for high-signal engine events.
// Implementations MUST be cheap and non-blocking; the engine calls them on
// hot paths. They are observability only and never influence results.
type Hooks interface {
	// A retry was scheduled after a failed attempt.
	RetryScheduled(canonicalKey string, failureCount int, err error)

	// A record's GC timer fired and its entry was evicted.
	EntryEvicted(canonicalKey string)

	// An observer read an entry written under the same key with an
	// incompatible data type and treated it as absent.
	TypeMismatch(canonicalKey string)

	// A refetch event was broadcast for a key (invalidation, manual request).
	RefetchRequested(canonicalKey string)

	// A subscribed listener or user callback panicked during fan-out.
	// scope ∈ {"cache", "observer", "mutation", "signal"}
	ListenerPanic(scope string, recovered any)

	// A persisted frame was rejected during hydration.
	// reason ∈ {"corrupt", "value_decode"}
	HydrateRejected(storageKey, reason string)
}

// NopHooks is the default no-op
type NopHooks struct{}

func (NopHooks) RetryScheduled(string, int, error) {}
func (NopHooks) EntryEvicted(string)               {}
func (NopHooks) TypeMismatch(string)               {}
func (NopHooks) RefetchRequested(string)           {}
func (NopHooks) ListenerPanic(string, any)         {}
func (NopHooks) HydrateRejected(string, string)    {}
