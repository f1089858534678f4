package requery

import "time"

// Options tune a Client. Every field is optional; the zero value yields a
// working client with default staleness, GC and retry behavior.
type Options struct {
	Logger Logger // if nil, NopLogger is used
	Hooks  Hooks  // if nil, NopHooks is used

	// DefaultStaleTime applies to observers that leave StaleTime unset.
	// 0 keeps the always-stale default.
	DefaultStaleTime time.Duration
	// DefaultRetry/DefaultRetryDelay apply to queries that leave theirs
	// unset. Unset here means Attempts(3) with a fixed 1s delay.
	DefaultRetry      RetryPolicy
	DefaultRetryDelay RetryDelay

	// Global query result hooks, observability only: they run after the
	// final snapshot write and their panics never affect delivered results.
	OnQuerySuccess func(data any, q *Query)
	OnQueryError   func(err error, q *Query)
	OnQuerySettled func(data any, err error, q *Query)

	// Global mutation callbacks, last in the settle order.
	OnMutationSuccess func(data, vars any, m *Mutation)
	OnMutationError   func(err error, vars any, m *Mutation)
	OnMutationSettled func(data any, err error, vars any, m *Mutation)
}

// Client owns the query cache, the mutation cache and the focus/online
// signals. Construct one and pass it explicitly to everything that needs it;
// there is deliberately no process-wide default instance.
type Client struct {
	log   Logger
	hooks Hooks

	defaultStaleTime time.Duration

	queries   *QueryCache
	mutations *MutationCache
	focus     *StateSignal
	online    *StateSignal
}

// New constructs a Client.
func New(opts Options) *Client {
	c := &Client{
		log:              coalesce[Logger](opts.Logger, NopLogger{}),
		hooks:            coalesce[Hooks](opts.Hooks, NopHooks{}),
		defaultStaleTime: opts.DefaultStaleTime,
	}

	retry := opts.DefaultRetry
	if retry.isZero() {
		retry = RetryAttempts(defaultRetryCount)
	}
	delay := opts.DefaultRetryDelay
	if delay.isZero() {
		delay = DelayFixed(defaultRetryDelay)
	}

	c.queries = newQueryCache(queryCacheConfig{
		log:               c.log,
		hooks:             c.hooks,
		defaultRetry:      retry,
		defaultRetryDelay: delay,
		onSuccess:         opts.OnQuerySuccess,
		onError:           opts.OnQueryError,
		onSettled:         opts.OnQuerySettled,
	})
	c.mutations = newMutationCache(mutationCacheConfig{
		log:       c.log,
		hooks:     c.hooks,
		onSuccess: opts.OnMutationSuccess,
		onError:   opts.OnMutationError,
		onSettled: opts.OnMutationSettled,
	})
	c.focus = newStateSignal(true, c.hooks)
	c.online = newStateSignal(true, c.hooks)
	return c
}

// QueryCache exposes the keyed record store for advanced use.
func (c *Client) QueryCache() *QueryCache { return c.queries }

// MutationCache exposes the mutation store for advanced use.
func (c *Client) MutationCache() *MutationCache { return c.mutations }

// SetFocused feeds the focus signal; true transitions trigger stale-gated
// refetches on observers that enable refetch-on-focus.
func (c *Client) SetFocused(v bool) { c.focus.Set(v) }

// Focused returns the current focus state.
func (c *Client) Focused() bool { return c.focus.Value() }

// SetOnline feeds the connectivity signal.
func (c *Client) SetOnline(v bool) { c.online.Set(v) }

// Online returns the current connectivity state.
func (c *Client) Online() bool { return c.online.Value() }

func (c *Client) resolveStaleTime(d time.Duration) time.Duration {
	if d == 0 {
		return c.defaultStaleTime
	}
	return d
}
