// Package store persists deployments and the certificate authority's
// root key on BoltDB, and enforces uniqueness/tombstone rules (spec
// §4.5, §9).
package store

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/symphony/pkg/types"
)

// ErrNotFound is returned when a lookup by id finds no record.
var ErrNotFound = fmt.Errorf("not found")

// ErrNameConflict is returned by Create when a live (non-tombstoned)
// deployment already carries the requested name, or when a tombstone for
// that name has not yet cleared (spec §4.5: "create with the same name
// are rejected ... until the tombstone clears").
var ErrNameConflict = fmt.Errorf("name conflict")

var (
	bucketDeployments = []byte("deployments")
	bucketCA          = []byte("ca")
)

// Store is the durable record of deployments and the CA root key. All
// deployment reads/writes additionally go through an in-process mutex so
// the name-uniqueness check (I5) and the revision bump (I4) are atomic
// with the write that depends on them — BoltDB's own transaction
// isolation covers single-bucket operations but not the
// read-then-conditionally-write sequence Create/Update perform.
type Store struct {
	db *bolt.DB
	mu sync.Mutex
}

// Open creates or opens the BoltDB file under dataDir, creating buckets
// as needed.
func Open(dataDir string) (*Store, error) {
	dbPath := filepath.Join(dataDir, "symphony.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketDeployments, bucketCA} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("store: create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database file.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateDeployment inserts a new deployment, rejecting a name already
// held by a live deployment or by a still-present tombstone (I5).
func (s *Store) CreateDeployment(d *types.Deployment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDeployments)

		conflict := false
		err := b.ForEach(func(_, v []byte) error {
			var existing types.Deployment
			if err := json.Unmarshal(v, &existing); err != nil {
				return err
			}
			if existing.Name == d.Name {
				conflict = true
			}
			return nil
		})
		if err != nil {
			return err
		}
		if conflict {
			return ErrNameConflict
		}

		data, err := json.Marshal(d)
		if err != nil {
			return err
		}
		return b.Put([]byte(d.ID), data)
	})
}

// GetDeployment returns a deployment by id, including tombstoned ones —
// callers that care about liveness check Deleted themselves.
func (s *Store) GetDeployment(id string) (*types.Deployment, error) {
	var d types.Deployment
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDeployments)
		data := b.Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &d)
	})
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// ListDeployments returns all non-tombstoned deployments.
func (s *Store) ListDeployments() ([]*types.Deployment, error) {
	var out []*types.Deployment
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDeployments)
		return b.ForEach(func(_, v []byte) error {
			var d types.Deployment
			if err := json.Unmarshal(v, &d); err != nil {
				return err
			}
			if !d.Deleted {
				out = append(out, &d)
			}
			return nil
		})
	})
	return out, err
}

// UpdateFunc mutates a deployment in place. It returns an error to abort
// the transaction without persisting any change.
type UpdateFunc func(d *types.Deployment) error

// UpdateDeployment loads the deployment by id, applies fn, and persists
// the result in the same lock/transaction — the only safe way to bump
// SpecRevision (I4) or flip Deleted without a lost-update race against a
// concurrent PATCH or the reconciler.
func (s *Store) UpdateDeployment(id string, fn UpdateFunc) (*types.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result types.Deployment
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDeployments)
		data := b.Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		var d types.Deployment
		if err := json.Unmarshal(data, &d); err != nil {
			return err
		}

		if err := fn(&d); err != nil {
			return err
		}

		out, err := json.Marshal(&d)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(id), out); err != nil {
			return err
		}
		result = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// UpdateDeploymentRenaming behaves like UpdateDeployment but additionally
// rejects the whole update if newName is already held by a different
// live deployment (I5), atomically with fn's mutation. An empty newName
// or one equal to the current name is a no-op rename check.
func (s *Store) UpdateDeploymentRenaming(id string, newName string, fn UpdateFunc) (*types.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result types.Deployment
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDeployments)
		data := b.Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		var d types.Deployment
		if err := json.Unmarshal(data, &d); err != nil {
			return err
		}

		if newName != "" && newName != d.Name {
			conflict := false
			cerr := b.ForEach(func(k, v []byte) error {
				if string(k) == id {
					return nil
				}
				var existing types.Deployment
				if err := json.Unmarshal(v, &existing); err != nil {
					return err
				}
				if existing.Name == newName {
					conflict = true
				}
				return nil
			})
			if cerr != nil {
				return cerr
			}
			if conflict {
				return ErrNameConflict
			}
			d.Name = newName
		}

		if err := fn(&d); err != nil {
			return err
		}

		out, err := json.Marshal(&d)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(id), out); err != nil {
			return err
		}
		result = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// TombstoneDeployment marks a deployment Deleted without removing its
// record — the record clears only once ReapTombstone is called after the
// reconciler confirms node-side teardown (spec §4.5).
func (s *Store) TombstoneDeployment(id string) error {
	_, err := s.UpdateDeployment(id, func(d *types.Deployment) error {
		d.Deleted = true
		d.DesiredState = types.DesiredStopped
		return nil
	})
	return err
}

// ReapTombstone permanently removes a tombstoned deployment record,
// clearing its name for reuse. Callers must only call this after
// confirming the node has torn the deployment down.
func (s *Store) ReapTombstone(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDeployments)
		data := b.Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		var d types.Deployment
		if err := json.Unmarshal(data, &d); err != nil {
			return err
		}
		if !d.Deleted {
			return fmt.Errorf("store: deployment %s is not tombstoned", id)
		}
		return b.Delete([]byte(id))
	})
}

// GetCA returns the persisted CA root key bundle, satisfying
// pkg/security.CAStore.
func (s *Store) GetCA() ([]byte, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCA)
		v := b.Get([]byte("root"))
		if v == nil {
			return ErrNotFound
		}
		data = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// SaveCA persists the CA root key bundle, satisfying
// pkg/security.CAStore.
func (s *Store) SaveCA(data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCA)
		return b.Put([]byte("root"), data)
	})
}
