package requery

import (
	"context"
	"strings"
	"time"

	"github.com/phenek/requery/codec"
	"github.com/phenek/requery/internal/wire"
	"github.com/phenek/requery/persist"
)

// storageKeyPrefix namespaces dehydrated snapshots inside a Store. Foreign
// writes under this prefix are treated as corruption and deleted on read.
const storageKeyPrefix = "query:"

func storageKey(key Key) string {
	return storageKeyPrefix + key.Canonical()
}

// DehydrateQuery persists the current success entry for key into store,
// framed with the snapshot wire format and encoded by cd. It reports
// ok=false without error when there is nothing to persist: no record, no
// data yet, a non-success status, or data of a different type (the mismatch
// hook fires for the latter). ttl<=0 means no expiry where the store
// supports per-entry TTLs.
func DehydrateQuery[T any](ctx context.Context, c *Client, store persist.Store, cd codec.Codec[T], key Key, ttl time.Duration) (bool, error) {
	q, ok := c.queries.Get(key)
	if !ok {
		return false, nil
	}
	e, ok := q.Entry()
	if !ok || e.Result.Status != StatusSuccess || e.Result.Data == nil {
		return false, nil
	}
	v, ok := e.Result.Data.(T)
	if !ok {
		c.hooks.TypeMismatch(q.canon)
		return false, nil
	}

	payload, err := cd.Encode(v)
	if err != nil {
		return false, err
	}
	frame := wire.EncodeSnapshot(e.dataTimestamp().UnixNano(), payload)

	skey := storageKey(key)
	wrote, err := store.Set(ctx, skey, frame, int64(len(frame)), ttl)
	if err != nil {
		return false, &HydrateError{Key: skey, StoreErr: err}
	}
	return wrote, nil
}

// HydrateQuery loads the dehydrated snapshot for key from store and writes
// it into the query cache as a success entry, stamped with the snapshot's
// original update time so staleness is judged against when the data was
// actually fetched. It reports ok=false without error on a store miss and
// when the cache already holds data at least as fresh as the snapshot.
//
// Corrupt frames and undecodable payloads are rejected, best-effort deleted
// from the store, and reported through the HydrateRejected hook.
func HydrateQuery[T any](ctx context.Context, c *Client, store persist.Store, cd codec.Codec[T], key Key) (bool, error) {
	skey := storageKey(key)

	frame, ok, err := store.Get(ctx, skey)
	if err != nil {
		return false, &HydrateError{Key: skey, StoreErr: err}
	}
	if !ok {
		return false, nil
	}

	ts, payload, err := wire.DecodeSnapshot(frame)
	if err != nil {
		return false, rejectSnapshot(ctx, c, store, skey, "corrupt", err)
	}
	v, err := cd.Decode(payload)
	if err != nil {
		return false, rejectSnapshot(ctx, c, store, skey, "value_decode", err)
	}

	updatedAt := time.Unix(0, ts)
	if q, ok := c.queries.Get(key); ok {
		if e, ok := q.Entry(); ok && e.Result.hasData() && !e.dataTimestamp().Before(updatedAt) {
			return false, nil
		}
	}

	c.queries.SetEntry(key, Result{
		Status:        StatusSuccess,
		Data:          v,
		DataUpdatedAt: updatedAt,
	}, "")
	return true, nil
}

func rejectSnapshot(ctx context.Context, c *Client, store persist.Store, skey, reason string, decodeErr error) error {
	c.hooks.HydrateRejected(skey, reason)
	c.log.Warn("rejecting persisted snapshot", Fields{
		"key":    redactKey(skey),
		"reason": reason,
	})
	delErr := store.Del(ctx, skey)
	return &HydrateError{Key: skey, DecodeErr: decodeErr, StoreErr: delErr}
}

// redactKey trims the canonical part of a storage key for logs, keeping the
// namespace prefix and a short head so entries stay correlatable without
// leaking whole key material.
func redactKey(skey string) string {
	const keep = 24
	rest := strings.TrimPrefix(skey, storageKeyPrefix)
	if len(rest) <= keep {
		return skey
	}
	return storageKeyPrefix + rest[:keep] + "..."
}
