package server

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rarydzu/gfilestore/metrics"
	"github.com/rarydzu/gfilestore/queue"
	"github.com/rarydzu/gfilestore/store"
	"go.uber.org/zap"
)

// Manager is the event loop. It owns the listener and the set of idle
// connections, hands readable connections to the workers and decides when
// the server is done.
type Manager struct {
	ln       net.Listener
	q        *queue.BoundedQueue[*Conn]
	table    *connTable
	done     chan event
	ready    chan *Conn
	soft     chan struct{}
	softOnce sync.Once
	stopped  chan struct{}
	nextID   atomic.Int64
	maxConns int
	live     int
	peak     int
	metrics  *metrics.Metrics
	log      *zap.SugaredLogger
}

// newManager sizes the completion channel so that every live connection can
// have one report in flight; workers never block on it.
func newManager(ln net.Listener, q *queue.BoundedQueue[*Conn], table *connTable, maxConns int, m *metrics.Metrics, log *zap.SugaredLogger) *Manager {
	return &Manager{
		ln:       ln,
		q:        q,
		table:    table,
		done:     make(chan event, maxConns),
		ready:    make(chan *Conn),
		soft:     make(chan struct{}),
		stopped:  make(chan struct{}),
		maxConns: maxConns,
		metrics:  m,
		log:      log,
	}
}

// Run loops until ctx is done (hard stop) or, after Drain, the last client
// has gone.
func (m *Manager) Run(ctx context.Context) {
	defer close(m.stopped)
	accepted := make(chan net.Conn)
	go m.acceptLoop(accepted)

	soft := m.soft
	draining := false
	for {
		select {
		case <-ctx.Done():
			m.log.Infof("hard shutdown with %d clients connected", m.live)
			m.closeListener()
			return
		case <-soft:
			soft = nil
			draining = true
			m.closeListener()
			m.log.Infof("soft shutdown, waiting for %d clients", m.live)
			if m.live == 0 {
				return
			}
		case nc := <-accepted:
			if draining || m.live >= m.maxConns {
				m.log.Debugw("refusing connection", "draining", draining, "clients", m.live)
				nc.Close()
				continue
			}
			c := newConn(store.ConnID(m.nextID.Add(1)), nc)
			m.table.add(c)
			m.live++
			if m.live > m.peak {
				m.peak = m.live
			}
			m.metrics.SetClients(m.live, m.peak)
			m.log.Debugw("client connected", "client", c.ID)
			m.watch(c)
		case c := <-m.ready:
			m.q.Push(c)
		case ev := <-m.done:
			if !ev.gone {
				m.watch(ev.conn)
				continue
			}
			m.live--
			m.metrics.SetClients(m.live, m.peak)
			m.log.Debugw("client disconnected", "client", ev.conn.ID)
			if draining && m.live == 0 {
				return
			}
		}
	}
}

// Drain starts a soft shutdown.
func (m *Manager) Drain() {
	m.softOnce.Do(func() {
		close(m.soft)
	})
}

// Clients returns the live and peak client counts. Only meaningful once
// Run has returned.
func (m *Manager) Clients() (int, int) {
	<-m.stopped
	return m.live, m.peak
}

// watch waits in the background until c has something to read (or its
// peer went away) and hands it back to the loop.
func (m *Manager) watch(c *Conn) {
	go func() {
		// the worker tells data from EOF
		_, _ = c.r.Peek(1)
		select {
		case m.ready <- c:
		case <-m.stopped:
		}
	}()
}

func (m *Manager) acceptLoop(out chan<- net.Conn) {
	for {
		nc, err := m.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			m.log.Warnf("accept: %v", err)
			time.Sleep(10 * time.Millisecond)
			continue
		}
		select {
		case out <- nc:
		case <-m.stopped:
			nc.Close()
			return
		}
	}
}

func (m *Manager) closeListener() {
	if err := m.ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		m.log.Warnf("closing listener: %v", err)
	}
}
