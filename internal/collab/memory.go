package collab

import (
	"context"
	"sync"

	"github.com/audius/snapback-node/pkg/models"
)

// StaticDiscovery is an in-memory Discovery used by the peerset and
// state-machine loop unit tests (see internal/peerset and
// internal/statemachine). The roster is test-authored as an in-memory
// literal rather than file-backed.
type StaticDiscovery struct {
	mu    sync.RWMutex
	users []models.UserRecord
}

// NewStaticDiscovery builds a StaticDiscovery over a fixed user roster.
func NewStaticDiscovery(users []models.UserRecord) *StaticDiscovery {
	return &StaticDiscovery{users: append([]models.UserRecord(nil), users...)}
}

// ListUsersFor returns every user whose replica set includes endpoint.
func (d *StaticDiscovery) ListUsersFor(_ context.Context, endpoint models.Endpoint) ([]models.UserRecord, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []models.UserRecord
	for _, u := range d.users {
		if u.Primary == endpoint || u.Secondary1 == endpoint || u.Secondary2 == endpoint {
			out = append(out, u)
		}
	}
	return out, nil
}

// Set replaces the roster (used by tests to simulate membership changes
// between iterations).
func (d *StaticDiscovery) Set(users []models.UserRecord) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users = append([]models.UserRecord(nil), users...)
}

// MemoryRegistry is an in-memory Registry double recording every write it
// receives, for assertions in tests.
type MemoryRegistry struct {
	mu     sync.Mutex
	Writes []RegistryWrite
}

// RegistryWrite records one UpdateReplicaSet call.
type RegistryWrite struct {
	UserID                           int64
	PrimaryID, Secondary1ID, Secondary2ID int
}

// UpdateReplicaSet implements Registry.
func (r *MemoryRegistry) UpdateReplicaSet(_ context.Context, userID int64, primaryID, secondary1ID, secondary2ID int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Writes = append(r.Writes, RegistryWrite{userID, primaryID, secondary1ID, secondary2ID})
	return nil
}

// MemorySelection is a Selection double returning a pre-programmed result.
type MemorySelection struct {
	Result models.ReplicaSet
	Err    error
}

// AutoSelect implements Selection.
func (s *MemorySelection) AutoSelect(_ context.Context, _ []models.Endpoint) (models.ReplicaSet, error) {
	return s.Result, s.Err
}

// MemoryLocalStore is a LocalStore double backed by a plain map.
type MemoryLocalStore struct {
	mu     sync.RWMutex
	Clocks map[string]int64
}

// NewMemoryLocalStore builds a MemoryLocalStore from an initial clock map.
func NewMemoryLocalStore(clocks map[string]int64) *MemoryLocalStore {
	m := make(map[string]int64, len(clocks))
	for k, v := range clocks {
		m[k] = v
	}
	return &MemoryLocalStore{Clocks: m}
}

// ClockFor implements LocalStore.
func (s *MemoryLocalStore) ClockFor(_ context.Context, wallet string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Clocks[wallet], nil
}

// ClocksFor implements LocalStore.
func (s *MemoryLocalStore) ClocksFor(_ context.Context, wallets []string) (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int64, len(wallets))
	for _, w := range wallets {
		out[w] = s.Clocks[w]
	}
	return out, nil
}
