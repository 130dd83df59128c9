// Package dedup implements the Sync De-duplicator (C2): a concurrency-safe
// mapping from fingerprint to pending job handle, guarding the invariant
// that at most one pending sync job exists per fingerprint at any moment.
package dedup

import (
	"sync"

	"github.com/audius/snapback-node/pkg/models"
)

// Handle identifies one pending (or formerly pending) sync job.
type Handle struct {
	ID  uint64
	Job models.SyncJob
}

// Index is the de-duplicator. Zero value is not usable; use New.
type Index struct {
	mu      sync.RWMutex
	pending map[models.Fingerprint]Handle
}

// New builds an empty Index.
func New() *Index {
	return &Index{pending: make(map[models.Fingerprint]Handle)}
}

// TryRecord inserts handle under fp if no pending handle exists there yet.
// Returns true if it inserted, false if a handle was already present (in
// which case the existing handle is returned, not handle).
func (idx *Index) TryRecord(fp models.Fingerprint, handle Handle) (Handle, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if existing, ok := idx.pending[fp]; ok {
		return existing, false
	}
	idx.pending[fp] = handle
	return handle, true
}

// Lookup returns the pending handle for fp, if any.
func (idx *Index) Lookup(fp models.Fingerprint) (Handle, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	h, ok := idx.pending[fp]
	return h, ok
}

// Remove erases the pending entry for fp. Called the moment a job
// transitions from pending to active, so a concurrent enqueue for the same
// fingerprint can succeed immediately after.
func (idx *Index) Remove(fp models.Fingerprint) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	delete(idx.pending, fp)
}

// Len returns the number of currently pending fingerprints (test/metrics use).
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.pending)
}
