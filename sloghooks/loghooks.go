package sloghooks

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync/atomic"

	"github.com/phenek/requery"
)

type Options struct {
	// Sampling to avoid floods; 0/1 = log all.
	RetryEvery   uint64
	EvictEvery   uint64
	RefetchEvery uint64
	// Optional key redactor. Defaults to SHA-256 prefix.
	Redact func(string) string
}

type Hooks struct {
	l    *slog.Logger
	opts Options

	retryCtr   atomic.Uint64
	evictCtr   atomic.Uint64
	refetchCtr atomic.Uint64
}

var _ requery.Hooks = (*Hooks)(nil)

func New(l *slog.Logger, opts Options) *Hooks {
	return &Hooks{l: l, opts: opts}
}

func (h *Hooks) redact(k string) string {
	if h.opts.Redact != nil {
		return h.opts.Redact(k)
	}
	sum := sha256.Sum256([]byte(k))
	return hex.EncodeToString(sum[:8])
}

func sample(n uint64, ctr *atomic.Uint64) bool {
	if n == 0 || n == 1 {
		return true
	}
	return ctr.Add(1)%n == 0
}

func (h *Hooks) RetryScheduled(canonicalKey string, failureCount int, err error) {
	if h.l == nil || !sample(h.opts.RetryEvery, &h.retryCtr) {
		return
	}
	h.l.Debug("requery.retry_scheduled",
		"key", h.redact(canonicalKey),
		"failure_count", failureCount,
		"err", err)
}

func (h *Hooks) EntryEvicted(canonicalKey string) {
	if h.l == nil || !sample(h.opts.EvictEvery, &h.evictCtr) {
		return
	}
	h.l.Debug("requery.entry_evicted",
		"key", h.redact(canonicalKey))
}

func (h *Hooks) TypeMismatch(canonicalKey string) {
	if h.l == nil {
		return
	}
	h.l.Warn("requery.type_mismatch",
		"key", h.redact(canonicalKey))
}

func (h *Hooks) RefetchRequested(canonicalKey string) {
	if h.l == nil || !sample(h.opts.RefetchEvery, &h.refetchCtr) {
		return
	}
	h.l.Debug("requery.refetch_requested",
		"key", h.redact(canonicalKey))
}

func (h *Hooks) ListenerPanic(scope string, recovered any) {
	if h.l == nil {
		return
	}
	h.l.Error("requery.listener_panic",
		"scope", scope,
		"recovered", recovered)
}

func (h *Hooks) HydrateRejected(storageKey, reason string) {
	if h.l == nil {
		return
	}
	h.l.Warn("requery.hydrate_rejected",
		"key", h.redact(storageKey),
		"reason", reason)
}
