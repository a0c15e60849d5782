package server

import (
	"bufio"
	"net"
	"sync"

	"github.com/rarydzu/gfilestore/store"
)

// Conn is one client session. At any time it is owned by exactly one of:
// its watcher, the work queue, a worker, or (while parked on a lock) the
// store's waiter list.
type Conn struct {
	ID  store.ConnID
	nc  net.Conn
	r   *bufio.Reader
	// wmu serializes responses written to nc
	wmu sync.Mutex
}

func newConn(id store.ConnID, nc net.Conn) *Conn {
	return &Conn{
		ID: id,
		nc: nc,
		r:  bufio.NewReader(nc),
	}
}

// event is what workers report back to the manager.
type event struct {
	conn *Conn
	gone bool
}

// connTable maps ids to live sessions. Workers use it to reach parked
// connections they have to notify.
type connTable struct {
	mu sync.RWMutex
	m  map[store.ConnID]*Conn
}

func newConnTable() *connTable {
	return &connTable{m: make(map[store.ConnID]*Conn)}
}

func (t *connTable) add(c *Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.m[c.ID] = c
}

func (t *connTable) get(id store.ConnID) *Conn {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.m[id]
}

// remove reports whether id was still present. Only the caller that gets
// true may close the connection and report it gone.
func (t *connTable) remove(id store.ConnID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.m[id]; !ok {
		return false
	}
	delete(t.m, id)
	return true
}

func (t *connTable) drain() []*Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Conn, 0, len(t.m))
	for id, c := range t.m {
		out = append(out, c)
		delete(t.m, id)
	}
	return out
}
