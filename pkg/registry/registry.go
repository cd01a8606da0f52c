package registry

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/cephvol/pkg/types"
)

var bucketVolumes = []byte("volumes")

// Registry is the authoritative record of volume lifecycle state,
// persisted to BoltDB so a restarted daemon reconciles against the
// cluster instead of assuming a clean slate. It also owns the
// per-volume lock table that serializes lifecycle transitions.
type Registry struct {
	db *bolt.DB

	mu    sync.Mutex
	locks map[string]*nameLock
}

// nameLock is a lazily created per-volume mutex. Waiters are counted
// so the entry can be dropped once the last one releases it.
type nameLock struct {
	mu      sync.Mutex
	waiters int
}

// Open creates or opens the registry database under dataDir
func Open(dataDir string) (*Registry, error) {
	dbPath := filepath.Join(dataDir, "cephvol.db")

	db, err := bolt.Open(dbPath, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketVolumes)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create volumes bucket: %w", err)
	}

	return &Registry{
		db:    db,
		locks: make(map[string]*nameLock),
	}, nil
}

// Close closes the database
func (r *Registry) Close() error {
	return r.db.Close()
}

// Lock acquires the per-volume lock for key, creating it on first use.
// Lock scope is exactly one volume name; unrelated volumes proceed
// independently.
func (r *Registry) Lock(key string) {
	r.mu.Lock()
	l, ok := r.locks[key]
	if !ok {
		l = &nameLock{}
		r.locks[key] = l
	}
	l.waiters++
	r.mu.Unlock()

	l.mu.Lock()
}

// Unlock releases the per-volume lock, dropping the table entry once
// nobody waits on it.
func (r *Registry) Unlock(key string) {
	r.mu.Lock()
	l := r.locks[key]
	l.waiters--
	if l.waiters == 0 {
		delete(r.locks, key)
	}
	r.mu.Unlock()

	l.mu.Unlock()
}

// Get returns the volume recorded under key (pool/name), or
// types.ErrNotFound.
func (r *Registry) Get(key string) (*types.Volume, error) {
	var vol types.Volume
	err := r.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketVolumes).Get([]byte(key))
		if data == nil {
			return fmt.Errorf("volume %s: %w", key, types.ErrNotFound)
		}
		return json.Unmarshal(data, &vol)
	})
	if err != nil {
		return nil, err
	}
	return &vol, nil
}

// Put records the volume (upsert), stamping UpdatedAt
func (r *Registry) Put(vol *types.Volume) error {
	vol.UpdatedAt = time.Now().UTC()
	return r.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(vol)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketVolumes).Put([]byte(vol.Key()), data)
	})
}

// Delete removes the record under key
func (r *Registry) Delete(key string) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketVolumes).Delete([]byte(key))
	})
}

// List returns all recorded volumes
func (r *Registry) List() ([]*types.Volume, error) {
	var vols []*types.Volume
	err := r.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketVolumes).ForEach(func(k, v []byte) error {
			var vol types.Volume
			if err := json.Unmarshal(v, &vol); err != nil {
				return err
			}
			vols = append(vols, &vol)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return vols, nil
}
