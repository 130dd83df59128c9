// Package snapshot persists the engine's own restart-durable process state
// using BoltDB: the endpoint-to-service-provider-ID map populated once at
// startup (spec.md §3) and the state-machine loop's last shard slice, so a
// restart resumes the shard cycle instead of re-randomizing it.
//
// Uses one bbolt bucket per concern, JSON-encoded values, and
// Update/View transactions.
package snapshot

import (
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

const (
	endpointIDBucket = "endpoint_ids"
	sliceBucket      = "shard_slice"
	sliceKey         = "current"
)

// Store wraps a BoltDB file holding the two buckets above.
type Store struct {
	db *bbolt.DB
}

// Open opens (creating if absent) the BoltDB file at path.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open snapshot db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(endpointIDBucket)); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists([]byte(sliceBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create snapshot buckets: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying BoltDB file.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveEndpointIDs persists the full endpoint-to-service-provider-ID map.
// Called once at startup after the map is populated from the registry.
func (s *Store) SaveEndpointIDs(m map[string]int) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal endpoint id map: %w", err)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(endpointIDBucket))
		return b.Put([]byte("map"), data)
	})
}

// LoadEndpointIDs returns the last-saved endpoint-to-ID map, or an empty map
// if none has been saved yet.
func (s *Store) LoadEndpointIDs() (map[string]int, error) {
	out := map[string]int{}

	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(endpointIDBucket))
		data := b.Get([]byte("map"))
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &out)
	})
	if err != nil {
		return nil, fmt.Errorf("load endpoint id map: %w", err)
	}
	return out, nil
}

// SaveSlice persists the shard slice the next iteration should process.
func (s *Store) SaveSlice(slice int) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(sliceBucket))
		return b.Put([]byte(sliceKey), []byte(fmt.Sprintf("%d", slice)))
	})
}

// LoadSlice returns the last-saved shard slice and whether one was found.
func (s *Store) LoadSlice() (slice int, ok bool, err error) {
	err = s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(sliceBucket))
		data := b.Get([]byte(sliceKey))
		if data == nil {
			return nil
		}
		ok = true
		_, scanErr := fmt.Sscanf(string(data), "%d", &slice)
		return scanErr
	})
	return slice, ok, err
}
