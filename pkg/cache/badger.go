package cache

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"github.com/fortiblox/bpfvm/internal/types"
)

// prefixProgram is the key prefix of program records.
// Key format: prefixProgram + id (32 bytes)
var prefixProgram = []byte{0x01}

// BadgerStore implements Store using BadgerDB.
type BadgerStore struct {
	db       *badger.DB
	compress bool
	closed   atomic.Bool
}

// OpenBadger creates or opens a badger store. A nil logger disables
// badger's own logging.
func OpenBadger(cfg StoreConfig, log logrus.FieldLogger) (*BadgerStore, error) {
	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = opts.WithInMemory(true)
	}
	opts = opts.
		WithSyncWrites(!cfg.NoSync && !cfg.InMemory).
		WithNumCompactors(2).
		WithLogger(nil)
	if log != nil {
		opts = opts.WithLogger(log)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &BadgerStore{db: db, compress: cfg.Compress}, nil
}

func programKey(id types.ProgramID) []byte {
	key := make([]byte, 1+types.IDSize)
	key[0] = prefixProgram[0]
	copy(key[1:], id[:])
	return key
}

// Get implements Store.
func (s *BadgerStore) Get(id types.ProgramID) (*Record, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	var rec *Record
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(programKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			rec, err = UnmarshalRecord(val)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Put implements Store.
func (s *BadgerStore) Put(id types.ProgramID, rec *Record) error {
	if s.closed.Load() {
		return ErrClosed
	}
	data, err := MarshalRecord(rec, s.compress)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(programKey(id), data)
	})
}

// Delete implements Store.
func (s *BadgerStore) Delete(id types.ProgramID) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(programKey(id))
	})
}

// IDs implements Store.
func (s *BadgerStore) IDs() ([]types.ProgramID, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	var ids []types.ProgramID
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefixProgram
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().Key()
			id, err := types.ProgramIDFromBytes(key[len(prefixProgram):])
			if err != nil {
				return fmt.Errorf("%w: key %x", ErrCorrupt, key)
			}
			ids = append(ids, id)
		}
		return nil
	})
	return ids, err
}

// Close implements Store.
func (s *BadgerStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}
