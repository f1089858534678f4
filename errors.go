package requery

import (
	"errors"
	"fmt"
)

// ErrCancelled is the settled outcome of a retryer that was torn down
// mid-flight (observer GC, Query.Cancel, cache Clear). It is a pseudo-error:
// it must never be surfaced to the UI as a fetch failure. Check with
// IsCancelled / errors.Is.
var ErrCancelled = errors.New("requery: fetch cancelled")

// IsCancelled reports whether err is (or wraps) a cancellation outcome.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}

// HydrateError reports a failed hydration attempt. Decode and store failures
// can occur together when a corrupt frame is deleted best-effort.
type HydrateError struct {
	Key       string
	DecodeErr error
	StoreErr  error
}

func (e *HydrateError) Error() string {
	switch {
	case e.DecodeErr != nil && e.StoreErr != nil:
		return fmt.Sprintf("hydrate %q failed: decode and store failed: decode=%v; store=%v",
			e.Key, e.DecodeErr, e.StoreErr)
	case e.DecodeErr != nil:
		return fmt.Sprintf("hydrate %q: decode failed: %v", e.Key, e.DecodeErr)
	case e.StoreErr != nil:
		return fmt.Sprintf("hydrate %q: store failed: %v", e.Key, e.StoreErr)
	default:
		return fmt.Sprintf("hydrate %q: unknown error", e.Key)
	}
}

func (e *HydrateError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.DecodeErr != nil {
		errs = append(errs, e.DecodeErr)
	}
	if e.StoreErr != nil {
		errs = append(errs, e.StoreErr)
	}
	return errs
}
