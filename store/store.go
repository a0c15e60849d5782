// Package store keeps the files of the service in memory. It enforces the
// global file and byte capacity, evicts entries when a creation or an append
// would exceed it and implements per-connection locking of single files.
//
// Lock ordering is Store.mu before Entry.mu. Store.mu is never held while
// waiting on an entry condition variable.
package store

import (
	"container/list"
	"sync"

	"github.com/jacobsa/timeutil"
	"go.uber.org/zap"
)

// Open flags.
const (
	OCreate = 0x1
	OLock   = 0x2
)

// Outcome of a Lock request.
type Outcome int

const (
	Granted Outcome = iota
	WouldBlock
)

func (o Outcome) String() string {
	if o == Granted {
		return "granted"
	}
	return "would-block"
}

// Sink receives one record per completed operation.
type Sink interface {
	Log(op, path string, client int64, bytes int64)
}

type nopSink struct{}

func (nopSink) Log(string, string, int64, int64) {}

// Stats is a snapshot of the store counters.
type Stats struct {
	Files     int
	MaxFiles  int
	Bytes     int64
	MaxBytes  int64
	PeakFiles int
	PeakBytes int64
	Evictions uint64
	Policy    Policy
}

// Store is the in-memory file table. It is safe for concurrent use.
type Store struct {
	mu        sync.Mutex
	maxFiles  int
	maxBytes  int64
	files     int
	bytes     int64
	peakFiles int
	peakBytes int64
	evictions uint64
	index     map[string]*Entry
	order     *list.List
	policy    Policy
	clock     timeutil.Clock
	sink      Sink
	log       *zap.SugaredLogger
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces the wall clock used for eviction timestamps.
func WithClock(c timeutil.Clock) Option {
	return func(s *Store) {
		s.clock = c
	}
}

// WithSink sets the operation log sink.
func WithSink(sink Sink) Option {
	return func(s *Store) {
		s.sink = sink
	}
}

// WithLogger sets the logger for eviction events.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(s *Store) {
		s.log = log
	}
}

// New creates an empty store.
func New(maxFiles int, maxBytes int64, policy Policy, opts ...Option) (*Store, error) {
	if maxFiles <= 0 || maxBytes <= 0 {
		return nil, ErrInvalidArgument
	}
	if _, ok := policyNames[policy]; !ok {
		return nil, ErrInvalidArgument
	}
	s := &Store{
		maxFiles: maxFiles,
		maxBytes: maxBytes,
		index:    make(map[string]*Entry),
		order:    list.New(),
		policy:   policy,
		clock:    timeutil.RealClock(),
		sink:     nopSink{},
		log:      zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func validate(id ConnID, path string) error {
	if id <= 0 || path == "" {
		return ErrInvalidArgument
	}
	return nil
}

// Open opens path for id, creating and/or locking it as flags ask. A
// creation at full file capacity evicts one entry; its content is returned
// along with the connections that were waiting for its lock.
func (s *Store) Open(id ConnID, path string, flags int) ([]Evicted, []ConnID, error) {
	if err := validate(id, path); err != nil {
		return nil, nil, err
	}
	create := flags&OCreate != 0
	lock := flags&OLock != 0

	s.mu.Lock()
	e, ok := s.index[path]
	switch {
	case !ok && !create:
		s.mu.Unlock()
		return nil, nil, ErrNotFound
	case ok && create:
		s.mu.Unlock()
		return nil, nil, ErrAlreadyExists
	}
	var victims []*Entry
	if create {
		for s.files >= s.maxFiles {
			v := s.pickVictim(nil)
			if v == nil {
				break
			}
			s.evict(v)
			victims = append(victims, v)
		}
		e = newEntry(path, s.clock.Now())
		s.link(e)
	} else {
		s.touch(e)
	}
	e.mu.Lock()
	s.mu.Unlock()

	var err error
	if lock && e.lockOwner != 0 && e.lockOwner != id {
		err = ErrPermissionDenied
	} else {
		if lock {
			e.lockOwner = id
		}
		e.openedBy.add(id)
	}
	e.mu.Unlock()

	evicted, waiters := s.drain(victims, id)
	if err != nil {
		return evicted, waiters, err
	}
	op := "open"
	if lock {
		op = "open-lock"
	}
	s.sink.Log(op, path, int64(id), 0)
	return evicted, waiters, nil
}

// Write appends data to path.
func (s *Store) Write(id ConnID, path string, data []byte) ([]Evicted, []ConnID, error) {
	if err := validate(id, path); err != nil {
		return nil, nil, err
	}
	if len(data) == 0 {
		return nil, nil, ErrInvalidArgument
	}
	n := int64(len(data))

	s.mu.Lock()
	e, ok := s.index[path]
	if !ok {
		s.mu.Unlock()
		return nil, nil, ErrNotFound
	}
	e.mu.Lock()
	allowed := e.accessible(id)
	size := int64(len(e.data))
	e.mu.Unlock()
	if !allowed {
		s.mu.Unlock()
		return nil, nil, ErrPermissionDenied
	}
	if size+n > s.maxBytes {
		s.mu.Unlock()
		return nil, nil, ErrTooLarge
	}
	// reservations of appends in flight are not freed by evicting their
	// target, so only stored bytes count as reclaimable
	if s.bytes+n > s.maxBytes && s.bytes-s.reclaimable(e)+n > s.maxBytes {
		s.mu.Unlock()
		return nil, nil, ErrTooLarge
	}
	var victims []*Entry
	for s.bytes+n > s.maxBytes {
		v := s.pickVictim(e)
		if v == nil {
			// reclaimable is a lower bound, so this cannot be reached
			s.mu.Unlock()
			evicted, waiters := s.drain(victims, id)
			return evicted, waiters, ErrTooLarge
		}
		s.evict(v)
		victims = append(victims, v)
	}
	s.bytes += n
	if s.bytes > s.peakBytes {
		s.peakBytes = s.bytes
	}
	e.pending.Add(1)
	s.touch(e)
	s.mu.Unlock()
	defer e.pending.Add(-1)

	evicted, waiters := s.drain(victims, id)

	e.mu.Lock()
	e.waitIdle()
	if e.removed {
		e.mu.Unlock()
		s.refund(n)
		return evicted, waiters, ErrNotFound
	}
	if !e.accessible(id) {
		// somebody else took the lock while we were making room
		e.mu.Unlock()
		s.refund(n)
		return evicted, waiters, ErrPermissionDenied
	}
	e.writing = true
	old := e.data
	e.mu.Unlock()

	buf := make([]byte, len(old)+len(data))
	copy(buf, old)
	copy(buf[len(old):], data)

	e.mu.Lock()
	e.writing = false
	lost := e.removed
	if !lost {
		e.data = buf
	}
	e.cond.Broadcast()
	e.mu.Unlock()

	if lost {
		s.refund(n)
		return evicted, waiters, ErrNotFound
	}
	s.sink.Log("writeFile", path, int64(id), n)
	return evicted, waiters, nil
}

// Read returns a copy of the content of path.
func (s *Store) Read(id ConnID, path string) ([]byte, error) {
	if err := validate(id, path); err != nil {
		return nil, err
	}
	s.mu.Lock()
	e, ok := s.index[path]
	if !ok {
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	e.mu.Lock()
	if !e.accessible(id) {
		e.mu.Unlock()
		s.mu.Unlock()
		return nil, ErrPermissionDenied
	}
	s.touch(e)
	s.mu.Unlock()

	e.waitNoWriter()
	if e.removed {
		e.mu.Unlock()
		return nil, ErrNotFound
	}
	e.readers++
	data := e.data
	e.mu.Unlock()

	out := make([]byte, len(data))
	copy(out, data)

	e.mu.Lock()
	e.readers--
	if e.readers == 0 {
		e.cond.Broadcast()
	}
	e.mu.Unlock()

	s.sink.Log("readFile", path, int64(id), int64(len(out)))
	return out, nil
}

// ReadN returns up to limit files (every file when limit <= 0). It does not
// need the files to be opened and ignores locks.
func (s *Store) ReadN(id ConnID, limit int) ([]Evicted, error) {
	if id <= 0 {
		return nil, ErrInvalidArgument
	}
	s.mu.Lock()
	out := make([]Evicted, 0, len(s.index))
	var total int64
	for path, e := range s.index {
		if limit > 0 && len(out) >= limit {
			break
		}
		e.mu.Lock()
		// appends never touch bytes below len(data)
		data := e.data
		e.mu.Unlock()
		buf := make([]byte, len(data))
		copy(buf, data)
		total += int64(len(buf))
		out = append(out, Evicted{Path: path, Data: buf})
	}
	s.mu.Unlock()
	s.sink.Log("readNFiles", "", int64(id), total)
	return out, nil
}

// Lock grants the lock on path to id, or queues id behind the current owner
// and returns WouldBlock.
func (s *Store) Lock(id ConnID, path string) (Outcome, error) {
	if err := validate(id, path); err != nil {
		return WouldBlock, err
	}
	e, err := s.acquire(path)
	if err != nil {
		return WouldBlock, err
	}
	defer e.mu.Unlock()
	e.waitIdle()
	if e.removed {
		return WouldBlock, ErrNotFound
	}
	if e.lockOwner == 0 || e.lockOwner == id {
		e.lockOwner = id
		s.sink.Log("lockFile", path, int64(id), 0)
		return Granted, nil
	}
	e.waiters.add(id)
	return WouldBlock, nil
}

// Unlock releases the lock held by id and hands it to the oldest waiter,
// which is returned (0 when nobody was waiting).
func (s *Store) Unlock(id ConnID, path string) (ConnID, error) {
	if err := validate(id, path); err != nil {
		return 0, err
	}
	e, err := s.acquire(path)
	if err != nil {
		return 0, err
	}
	defer e.mu.Unlock()
	e.waitIdle()
	if e.removed {
		return 0, ErrNotFound
	}
	if e.lockOwner != id {
		return 0, ErrPermissionDenied
	}
	next, _ := e.waiters.pop()
	e.lockOwner = next
	s.sink.Log("unlockFile", path, int64(id), 0)
	return next, nil
}

// Remove deletes path. The caller has to hold its lock. Connections that
// were waiting for the lock are returned.
func (s *Store) Remove(id ConnID, path string) ([]ConnID, error) {
	if err := validate(id, path); err != nil {
		return nil, err
	}
	s.mu.Lock()
	e, ok := s.index[path]
	if !ok {
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	e.mu.Lock()
	owner := e.lockOwner
	e.mu.Unlock()
	if owner != id {
		s.mu.Unlock()
		return nil, ErrPermissionDenied
	}
	s.unlink(e)
	s.mu.Unlock()

	gone, waiters := s.destroy(e)
	s.sink.Log("removeFile", path, int64(id), int64(len(gone.Data)))
	return waiters, nil
}

// Close drops id from the openers of path. A lock held by id is kept.
func (s *Store) Close(id ConnID, path string) error {
	if err := validate(id, path); err != nil {
		return err
	}
	e, err := s.acquire(path)
	if err != nil {
		return err
	}
	defer e.mu.Unlock()
	e.waitIdle()
	if e.removed {
		return ErrNotFound
	}
	e.openedBy.remove(id)
	s.sink.Log("closeFile", path, int64(id), 0)
	return nil
}

// ClientExit forgets everything id held. Locks owned by id pass to the next
// waiter; each such hand-over is returned.
func (s *Store) ClientExit(id ConnID) []Promotion {
	s.mu.Lock()
	entries := make([]*Entry, 0, len(s.index))
	for el := s.order.Front(); el != nil; el = el.Next() {
		entries = append(entries, s.index[el.Value.(string)])
	}
	s.mu.Unlock()

	var promos []Promotion
	for _, e := range entries {
		e.mu.Lock()
		e.waitIdle()
		if e.removed {
			e.mu.Unlock()
			continue
		}
		e.waiters.remove(id)
		e.openedBy.remove(id)
		if e.lockOwner == id {
			next, ok := e.waiters.pop()
			e.lockOwner = next
			if ok {
				promos = append(promos, Promotion{ID: next, Path: e.path})
			}
		}
		e.mu.Unlock()
	}
	s.sink.Log("clientExit", "", int64(id), 0)
	return promos
}

// CanWrite reports whether id has path open and the lock is free or its own.
func (s *Store) CanWrite(id ConnID, path string) (bool, error) {
	if err := validate(id, path); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.index[path]
	if !ok {
		return false, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.accessible(id), nil
}

// Stats returns the current counters.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Files:     s.files,
		MaxFiles:  s.maxFiles,
		Bytes:     s.bytes,
		MaxBytes:  s.maxBytes,
		PeakFiles: s.peakFiles,
		PeakBytes: s.peakBytes,
		Evictions: s.evictions,
		Policy:    s.policy,
	}
}

// Dump lists the stored paths in eviction order.
func (s *Store) Dump() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	paths := make([]string, 0, s.order.Len())
	for el := s.order.Front(); el != nil; el = el.Next() {
		paths = append(paths, el.Value.(string))
	}
	return paths
}

// acquire looks path up and returns its entry locked, with the access
// metadata refreshed.
func (s *Store) acquire(path string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.index[path]
	if !ok {
		return nil, ErrNotFound
	}
	s.touch(e)
	e.mu.Lock()
	return e, nil
}

// link inserts a fresh entry. Caller holds s.mu.
func (s *Store) link(e *Entry) {
	e.elem = s.order.PushBack(e.path)
	s.index[e.path] = e
	s.files++
	if s.files > s.peakFiles {
		s.peakFiles = s.files
	}
}

// unlink takes e out of the index and marks it removed. Its bytes are given
// back right away; waiters are released by destroy. Caller holds s.mu.
func (s *Store) unlink(e *Entry) {
	e.mu.Lock()
	e.removed = true
	s.bytes -= int64(len(e.data))
	e.cond.Broadcast()
	e.mu.Unlock()
	delete(s.index, e.path)
	s.order.Remove(e.elem)
	e.elem = nil
	s.files--
}

// evict unlinks a victim. Caller holds s.mu.
func (s *Store) evict(e *Entry) {
	s.unlink(e)
	s.evictions++
	s.log.Debugw("evicting", "path", e.path, "policy", s.policy)
}

// destroy waits for in-flight readers and writers of an unlinked entry to
// leave and collects what the entry held.
func (s *Store) destroy(e *Entry) (Evicted, []ConnID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for e.readers > 0 || e.writing {
		e.cond.Wait()
	}
	waiters := []ConnID(e.waiters)
	e.waiters = nil
	e.openedBy = nil
	e.lockOwner = 0
	e.cond.Broadcast()
	return Evicted{Path: e.path, Data: e.data}, waiters
}

func (s *Store) drain(victims []*Entry, by ConnID) ([]Evicted, []ConnID) {
	var (
		evicted []Evicted
		waiters []ConnID
	)
	for _, v := range victims {
		gone, w := s.destroy(v)
		evicted = append(evicted, gone)
		waiters = append(waiters, w...)
		s.sink.Log("evicted", gone.Path, int64(by), int64(len(gone.Data)))
	}
	return evicted, waiters
}

// reclaimable sums the stored bytes of every entry but exclude. Caller
// holds s.mu.
func (s *Store) reclaimable(exclude *Entry) int64 {
	var total int64
	for _, e := range s.index {
		if e == exclude {
			continue
		}
		e.mu.Lock()
		total += int64(len(e.data))
		e.mu.Unlock()
	}
	return total
}

func (s *Store) refund(n int64) {
	s.mu.Lock()
	s.bytes -= n
	s.mu.Unlock()
}

// touch records an access for the eviction policies. Caller holds s.mu.
func (s *Store) touch(e *Entry) {
	e.lastUsed = s.clock.Now()
	e.useCount++
	e.refBit = true
}

// pickVictim chooses the next entry to evict, never exclude. Entries with an
// append in flight are only taken when nothing else is left. Caller holds
// s.mu.
func (s *Store) pickVictim(exclude *Entry) *Entry {
	for _, strict := range []bool{true, false} {
		skip := func(e *Entry) bool {
			return e == exclude || (strict && e.pending.Load() > 0)
		}
		var v *Entry
		if s.policy == SecondChance {
			v = s.sweep(skip)
		} else {
			v = s.choose(skip)
		}
		if v != nil {
			return v
		}
	}
	return nil
}

func (s *Store) choose(skip func(*Entry) bool) *Entry {
	var victim *Entry
	for el := s.order.Front(); el != nil; el = el.Next() {
		e := s.index[el.Value.(string)]
		if skip(e) {
			continue
		}
		if victim == nil || s.policy.worse(e, victim) {
			victim = e
		}
	}
	return victim
}

// sweep runs the second chance clock from the head of the order. Entries
// with the reference bit set lose it and go to the back.
func (s *Store) sweep(skip func(*Entry) bool) *Entry {
	n := s.order.Len()
	el := s.order.Front()
	for i := 0; i < 2*n && el != nil; i++ {
		next := el.Next()
		e := s.index[el.Value.(string)]
		if !skip(e) {
			if !e.refBit {
				return e
			}
			e.refBit = false
			e.insertedAt = s.clock.Now()
			s.order.MoveToBack(el)
		}
		el = next
		if el == nil {
			el = s.order.Front()
		}
	}
	return nil
}
