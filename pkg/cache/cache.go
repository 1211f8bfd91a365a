// Package cache keeps verified programs and their compiled artifacts,
// keyed by program id.
//
// Verification is never skipped: a program found in the persistent store
// is verified again before it is handed out, and its boundary table must
// match the one recorded when it was first stored. Compiled artifacts are
// held in a bounded LRU; an evicted artifact is closed once the last
// lease on it is released.
package cache

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/fortiblox/bpfvm/internal/types"
	"github.com/fortiblox/bpfvm/pkg/ebpf"
	"github.com/fortiblox/bpfvm/pkg/jit"
	"github.com/fortiblox/bpfvm/pkg/verifier"
)

// Default sizes.
const (
	DefaultPrograms  = 256
	DefaultArtifacts = 64
)

// Options configures a Cache.
type Options struct {
	// Config is used to verify and compile every program.
	Config   ebpf.Config
	Syscalls *ebpf.SyscallTable

	// Store persists records. Nil keeps programs in memory only.
	Store Store

	Programs  int // verified programs kept in memory
	Artifacts int // compiled artifacts kept in memory

	Logger logrus.FieldLogger
}

// Stats counts cache activity.
type Stats struct {
	Hits      uint64 // programs served from memory
	Loads     uint64 // programs verified from the store
	Verified  uint64 // programs verified from an image
	Compiles  uint64
	Evictions uint64 // artifacts evicted
}

// Cache is safe for concurrent use.
type Cache struct {
	cfg      ebpf.Config
	verifier *verifier.Verifier
	store    Store
	log      logrus.FieldLogger

	programs  *lru.Cache // types.ProgramID -> *ebpf.Program
	artifacts *lru.Cache // types.ProgramID -> *entry
	group     singleflight.Group

	hits, loads, verified, compiles, evictions atomic.Uint64
	closed                                     atomic.Bool
}

// New creates a cache. The store, if any, is closed by Close.
func New(opts Options) (*Cache, error) {
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		l := logrus.New()
		l.Out = io.Discard
		log = l
	}
	if opts.Programs <= 0 {
		opts.Programs = DefaultPrograms
	}
	if opts.Artifacts <= 0 {
		opts.Artifacts = DefaultArtifacts
	}

	c := &Cache{
		cfg:      opts.Config,
		verifier: verifier.New(opts.Config, opts.Syscalls, verifier.WithLogger(log)),
		store:    opts.Store,
		log:      log,
	}
	var err error
	if c.programs, err = lru.New(opts.Programs); err != nil {
		return nil, err
	}
	c.artifacts, err = lru.NewWithEvict(opts.Artifacts, func(key, value interface{}) {
		c.evictions.Add(1)
		value.(*entry).evict()
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Config returns the configuration programs are verified with.
func (c *Cache) Config() ebpf.Config {
	return c.cfg
}

// Program verifies img, or returns the program verified earlier from an
// identical image.
func (c *Cache) Program(img ebpf.Image) (types.ProgramID, *ebpf.Program, error) {
	id := types.ComputeProgramID(img)
	if c.closed.Load() {
		return id, nil, ErrClosed
	}
	if p, ok := c.programs.Get(id); ok {
		c.hits.Add(1)
		return id, p.(*ebpf.Program), nil
	}

	v, err, _ := c.group.Do("program:"+id.String(), func() (interface{}, error) {
		if p, ok := c.programs.Get(id); ok {
			return p, nil
		}
		prog, err := c.verifier.Verify(img)
		if err != nil {
			return nil, err
		}
		c.verified.Add(1)
		if c.store != nil {
			if err := c.store.Put(id, recordFor(img, prog)); err != nil {
				return nil, fmt.Errorf("store %s: %w", id.Short(), err)
			}
		}
		c.programs.Add(id, prog)
		c.log.WithField("program", id.Short()).Debug("program cached")
		return prog, nil
	})
	if err != nil {
		return id, nil, err
	}
	return id, v.(*ebpf.Program), nil
}

// Load returns the program with the given id, verifying it from the
// store when it is not in memory.
func (c *Cache) Load(id types.ProgramID) (*ebpf.Program, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	if p, ok := c.programs.Get(id); ok {
		c.hits.Add(1)
		return p.(*ebpf.Program), nil
	}
	if c.store == nil {
		return nil, ErrNotFound
	}

	v, err, _ := c.group.Do("program:"+id.String(), func() (interface{}, error) {
		if p, ok := c.programs.Get(id); ok {
			return p, nil
		}
		rec, err := c.store.Get(id)
		if err != nil {
			return nil, err
		}
		img := rec.Image()
		if types.ComputeProgramID(img) != id {
			return nil, fmt.Errorf("%w: %s does not hash to its key", ErrCorrupt, id.Short())
		}
		prog, err := c.verifier.Verify(img)
		if err != nil {
			return nil, fmt.Errorf("reverify %s: %w", id.Short(), err)
		}
		if !sameBoundaries(prog, rec.Boundaries) {
			return nil, fmt.Errorf("%w: %s boundary table changed", ErrCorrupt, id.Short())
		}
		c.loads.Add(1)
		c.programs.Add(id, prog)
		c.log.WithField("program", id.Short()).Debug("program loaded from store")
		return prog, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*ebpf.Program), nil
}

func sameBoundaries(prog *ebpf.Program, recorded []int) bool {
	if len(prog.Functions) != len(recorded) {
		return false
	}
	for i, f := range prog.Functions {
		if f.Entry != recorded[i] {
			return false
		}
	}
	return true
}

// Artifact returns a lease on the compiled form of the program with the
// given id, compiling it at most once while it stays cached.
func (c *Cache) Artifact(id types.ProgramID) (*Lease, error) {
	for {
		if c.closed.Load() {
			return nil, ErrClosed
		}
		if v, ok := c.artifacts.Get(id); ok {
			if l := v.(*entry).lease(); l != nil {
				return l, nil
			}
			// Evicted and closed between Get and lease.
			continue
		}

		_, err, _ := c.group.Do("artifact:"+id.String(), func() (interface{}, error) {
			if _, ok := c.artifacts.Peek(id); ok {
				return nil, nil
			}
			prog, err := c.Load(id)
			if err != nil {
				return nil, err
			}
			art, err := jit.Compile(prog, c.cfg)
			if err != nil {
				return nil, err
			}
			c.compiles.Add(1)
			c.artifacts.Add(id, &entry{art: art})
			c.log.WithFields(logrus.Fields{
				"program": id.Short(),
				"code":    len(art.Code()),
			}).Debug("artifact compiled")
			return nil, nil
		})
		if err != nil {
			return nil, err
		}
	}
}

// Remove drops a program and its artifact from memory and the store.
func (c *Cache) Remove(id types.ProgramID) error {
	c.programs.Remove(id)
	c.artifacts.Remove(id)
	if c.store == nil {
		return nil
	}
	if err := c.store.Delete(id); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	return nil
}

// IDs lists the programs in the store, or in memory without a store.
func (c *Cache) IDs() ([]types.ProgramID, error) {
	if c.store != nil {
		return c.store.IDs()
	}
	var ids []types.ProgramID
	for _, k := range c.programs.Keys() {
		ids = append(ids, k.(types.ProgramID))
	}
	return ids, nil
}

// Stats returns a snapshot of the counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:      c.hits.Load(),
		Loads:     c.loads.Load(),
		Verified:  c.verified.Load(),
		Compiles:  c.compiles.Load(),
		Evictions: c.evictions.Load(),
	}
}

// Close evicts every artifact and closes the store. Outstanding leases
// stay usable until released.
func (c *Cache) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.artifacts.Purge()
	c.programs.Purge()
	if c.store != nil {
		return c.store.Close()
	}
	return nil
}

// entry is a cached artifact with its lease count.
type entry struct {
	art *jit.Artifact

	mu      sync.Mutex
	leases  int
	evicted bool
	closed  bool
}

func (e *entry) lease() *Lease {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.leases++
	return &Lease{e: e}
}

func (e *entry) evict() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.evicted = true
	e.closeIdle()
}

func (e *entry) release() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.leases--
	e.closeIdle()
}

func (e *entry) closeIdle() {
	if e.evicted && e.leases == 0 && !e.closed {
		e.closed = true
		e.art.Close()
	}
}

// Lease keeps a cached artifact open. Release it when the invocations
// using it have finished.
type Lease struct {
	e    *entry
	once sync.Once
}

// Artifact returns the leased artifact.
func (l *Lease) Artifact() *jit.Artifact {
	return l.e.art
}

// Release returns the lease. It is safe to call more than once.
func (l *Lease) Release() {
	l.once.Do(l.e.release)
}
