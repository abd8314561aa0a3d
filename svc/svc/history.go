package svc

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"

	"gistlock/pkg/domain"
	"gistlock/svc/db"
)

// History persists the bounded trail of superseded blob versions per
// gist. The stored object is a JSON array in insertion order, so the
// array itself is the FIFO queue and never holds more than cap entries.
type History struct {
	store db.Store
	cap   int
}

func NewHistory(store db.Store, cap int) *History {
	if cap <= 0 {
		cap = domain.MaxRetainedVersions
	}
	return &History{store: store, cap: cap}
}

// Record appends entry and returns whatever the cap pushed out, oldest
// first, so the caller can drop the evicted blobs.
func (h *History) Record(ctx context.Context, id string, entry domain.VersionHistoryEntry) ([]domain.VersionHistoryEntry, error) {
	entries, err := h.load(ctx, id)
	if err != nil {
		return nil, err
	}
	entries = append(entries, entry)
	var evicted []domain.VersionHistoryEntry
	if n := len(entries) - h.cap; n > 0 {
		evicted = append(evicted, entries[:n]...)
		entries = entries[n:]
	}
	raw, err := json.Marshal(entries)
	if err != nil {
		return nil, errors.Wrap(err, "marshal history")
	}
	if err := h.store.Put(ctx, historyKey(id), raw, nil); err != nil {
		return nil, errors.Wrapf(domain.ErrStorage, "put history %s: %v", id, err)
	}
	return evicted, nil
}

// List returns the retained entries newest first.
func (h *History) List(ctx context.Context, id string) ([]domain.VersionHistoryEntry, error) {
	entries, err := h.load(ctx, id)
	if err != nil {
		return nil, err
	}
	out := make([]domain.VersionHistoryEntry, len(entries))
	for i, e := range entries {
		out[len(entries)-1-i] = e
	}
	return out, nil
}

// Purge drops the whole trail for a gist.
func (h *History) Purge(ctx context.Context, id string) error {
	if err := h.store.Delete(ctx, historyKey(id)); err != nil {
		return errors.Wrapf(domain.ErrStorage, "purge history %s: %v", id, err)
	}
	return nil
}

func (h *History) load(ctx context.Context, id string) ([]domain.VersionHistoryEntry, error) {
	raw, err := h.store.Get(ctx, historyKey(id))
	if errors.Is(err, db.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(domain.ErrStorage, "get history %s: %v", id, err)
	}
	var entries []domain.VersionHistoryEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, errors.Wrapf(domain.ErrStorage, "decode history %s: %v", id, err)
	}
	return entries, nil
}
