package cache

import (
	"errors"

	"github.com/fortiblox/bpfvm/internal/types"
)

var (
	// ErrNotFound is returned when a store has no record for an id.
	ErrNotFound = errors.New("program not found")

	// ErrClosed is returned when operating on a closed store or cache.
	ErrClosed = errors.New("cache closed")
)

// Store persists verified program records across processes.
type Store interface {
	Get(id types.ProgramID) (*Record, error)
	Put(id types.ProgramID, rec *Record) error
	Delete(id types.ProgramID) error

	// IDs lists the stored ids in key order.
	IDs() ([]types.ProgramID, error)
	Close() error
}

// StoreConfig holds the options shared by the store backends.
type StoreConfig struct {
	// Path is the database file (bolt) or directory (badger).
	Path string

	// Compress stores records zstd compressed.
	Compress bool

	// InMemory keeps a badger store in memory. Path is ignored.
	InMemory bool

	// NoSync disables fsync after each write.
	NoSync bool
}
