package store

import (
	"container/list"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// ConnID identifies one client session. Zero means "nobody".
type ConnID int64

// connSet is an insertion ordered set of connection ids. It doubles as the
// FIFO of connections waiting for a lock.
type connSet []ConnID

func (s connSet) has(id ConnID) bool {
	return slices.Contains(s, id)
}

// add appends id unless it is already present.
func (s *connSet) add(id ConnID) bool {
	if s.has(id) {
		return false
	}
	*s = append(*s, id)
	return true
}

func (s *connSet) remove(id ConnID) bool {
	i := slices.Index(*s, id)
	if i < 0 {
		return false
	}
	*s = slices.Delete(*s, i, i+1)
	return true
}

// pop removes the oldest id.
func (s *connSet) pop() (ConnID, bool) {
	if len(*s) == 0 {
		return 0, false
	}
	id := (*s)[0]
	*s = slices.Delete(*s, 0, 1)
	return id, true
}

// Entry is one stored file.
type Entry struct {
	path string

	// mu guards everything up to and including removed
	mu        sync.Mutex
	cond      *sync.Cond
	data      []byte
	writing   bool
	readers   int
	openedBy  connSet
	lockOwner ConnID
	waiters   connSet
	// removed is set once the entry is unlinked from the store; anybody
	// waking up on cond has to check it before touching the entry again
	removed bool

	// eviction metadata, guarded by Store.mu
	insertedAt time.Time
	lastUsed   time.Time
	useCount   uint64
	refBit     bool
	elem       *list.Element

	// appends that reserved room for this entry and have not landed yet
	pending atomic.Int32
}

func newEntry(path string, now time.Time) *Entry {
	e := &Entry{
		path:       path,
		insertedAt: now,
		lastUsed:   now,
		useCount:   1,
		refBit:     true,
	}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// accessible reports whether id may read or append. Caller holds e.mu.
func (e *Entry) accessible(id ConnID) bool {
	return e.openedBy.has(id) && (e.lockOwner == 0 || e.lockOwner == id)
}

// waitIdle blocks until no reader and no writer is active or the entry is
// removed. Caller holds e.mu.
func (e *Entry) waitIdle() {
	for !e.removed && (e.readers > 0 || e.writing) {
		e.cond.Wait()
	}
}

// waitNoWriter blocks until no writer is active or the entry is removed.
// Caller holds e.mu.
func (e *Entry) waitNoWriter() {
	for !e.removed && e.writing {
		e.cond.Wait()
	}
}

// Evicted is a file that left the store, handed back to the client that
// caused it (or the full listing of ReadN).
type Evicted struct {
	Path string
	Data []byte
}

// Promotion tells that ID now holds the lock on Path.
type Promotion struct {
	ID   ConnID
	Path string
}
