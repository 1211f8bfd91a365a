package cache

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/fortiblox/bpfvm/internal/types"
)

var bucketPrograms = []byte("programs")

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db       *bolt.DB
	compress bool

	mu     sync.RWMutex
	closed bool
}

// OpenBolt creates or opens a bolt store at cfg.Path.
func OpenBolt(cfg StoreConfig) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}
	db, err := bolt.Open(cfg.Path, 0600, &bolt.Options{
		Timeout: 5 * time.Second,
		NoSync:  cfg.NoSync,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketPrograms)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create bucket %s: %w", bucketPrograms, err)
	}
	return &BoltStore{db: db, compress: cfg.Compress}, nil
}

func (s *BoltStore) check() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Get implements Store.
func (s *BoltStore) Get(id types.ProgramID) (*Record, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	var rec *Record
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketPrograms).Get(id[:])
		if data == nil {
			return ErrNotFound
		}
		var err error
		rec, err = UnmarshalRecord(data)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Put implements Store.
func (s *BoltStore) Put(id types.ProgramID, rec *Record) error {
	if err := s.check(); err != nil {
		return err
	}
	data, err := MarshalRecord(rec, s.compress)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPrograms).Put(id[:], data)
	})
}

// Delete implements Store.
func (s *BoltStore) Delete(id types.ProgramID) error {
	if err := s.check(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPrograms).Delete(id[:])
	})
}

// IDs implements Store.
func (s *BoltStore) IDs() ([]types.ProgramID, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	var ids []types.ProgramID
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPrograms).ForEach(func(k, _ []byte) error {
			id, err := types.ProgramIDFromBytes(k)
			if err != nil {
				return fmt.Errorf("%w: key %x", ErrCorrupt, k)
			}
			ids = append(ids, id)
			return nil
		})
	})
	return ids, err
}

// Close implements Store.
func (s *BoltStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
