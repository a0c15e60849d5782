package server

import (
	"bufio"
	"errors"
	"io"
	"time"

	"github.com/rarydzu/gfilestore/metrics"
	"github.com/rarydzu/gfilestore/protocol"
	"github.com/rarydzu/gfilestore/queue"
	"github.com/rarydzu/gfilestore/store"
	"github.com/ztrue/tracerr"
	"go.uber.org/zap"
)

// Worker serves one request at a time for whichever connection the manager
// queued.
type Worker struct {
	id      int
	q       *queue.BoundedQueue[*Conn]
	store   *store.Store
	table   *connTable
	done    chan<- event
	maxData uint64
	metrics *metrics.Metrics
	log     *zap.SugaredLogger
}

// response is everything a request produces: the reply to the requester
// and the connections parked on a lock that have to hear about it.
type response struct {
	code    protocol.Code
	blob    []byte
	records []protocol.Record
	trailer trailer
	// parked connections now owning a lock
	granted []store.ConnID
	// parked connections whose file is gone
	dropped []store.ConnID
	park    bool
}

type trailer int

const (
	noTrailer trailer = iota
	blobTrailer
	recordsTrailer
)

type notice struct {
	id   store.ConnID
	code protocol.Code
}

// Run serves connections until it pops the nil sentinel. A failed write to
// the requesting client stops the worker.
func (w *Worker) Run() error {
	for {
		c := w.q.Pop()
		if c == nil {
			w.log.Debugf("worker %d stopping", w.id)
			return nil
		}
		if err := w.serve(c); err != nil {
			w.log.Errorf("worker %d: %v", w.id, err)
			return err
		}
	}
}

func (w *Worker) serve(c *Conn) error {
	h, err := protocol.ReadHeader(c.r)
	if err != nil && !errors.Is(err, protocol.ErrUnknownOp) {
		if !errors.Is(err, io.EOF) {
			w.log.Debugw("dropping client", "client", c.ID, "error", err)
		}
		w.hangUp(c, response{})
		return nil
	}
	start := time.Now()
	resp, err := w.dispatch(c, h)
	if err != nil {
		// the request could not be read in full, the stream is lost
		w.log.Debugw("dropping client", "client", c.ID, "op", h.Op, "error", err)
		w.hangUp(c, resp)
		return nil
	}
	if resp.park {
		w.log.Debugw("client parked on lock", "client", c.ID)
		return nil
	}
	w.log.Debugw("request", "client", c.ID, "op", h.Op, "code", resp.code)
	if err := w.reply(c, resp); err != nil {
		w.hangUp(c, resp)
		return tracerr.Errorf("client %d: writing %s response: %w", c.ID, h.Op, err)
	}
	op := h.Op.String()
	if !h.Op.Valid() {
		op = "unknown"
	}
	w.metrics.ObserveRequest(op, resp.code.String(), time.Since(start))
	w.done <- event{conn: c}
	w.notify(resp)
	return nil
}

// dispatch reads the rest of the request and runs it. An error means the
// connection is unusable; resp may still carry notifications.
func (w *Worker) dispatch(c *Conn, h protocol.Header) (response, error) {
	if !h.Op.Valid() {
		return w.reject(c, h.Len)
	}
	if h.Op == protocol.OpReadN {
		return w.readN(c, h)
	}

	path, perr := protocol.ReadPath(c.r, h.Len)
	if perr != nil && !errors.Is(perr, protocol.ErrPathTooLong) {
		return response{}, perr
	}

	switch h.Op {
	case protocol.OpOpen:
		flags, err := protocol.ReadInt32(c.r)
		if err != nil {
			return response{}, err
		}
		if perr != nil {
			return fail(perr), nil
		}
		evicted, waiters, err := w.store.Open(c.ID, path, int(flags))
		resp := withRecords(err, evicted)
		resp.dropped = waiters
		return resp, nil

	case protocol.OpWrite, protocol.OpAppend:
		data, err := protocol.ReadBlob(c.r, w.maxData)
		if err != nil && !errors.Is(err, protocol.ErrBlobTooLarge) {
			return response{}, err
		}
		if perr != nil {
			return fail(perr), nil
		}
		if err != nil {
			return fail(err), nil
		}
		if h.Op == protocol.OpWrite {
			ok, err := w.store.CanWrite(c.ID, path)
			if err != nil {
				return fail(err), nil
			}
			if !ok {
				return response{code: protocol.Locked}, nil
			}
		}
		evicted, waiters, err := w.store.Write(c.ID, path, data)
		resp := withRecords(err, evicted)
		resp.dropped = waiters
		return resp, nil
	}

	if perr != nil {
		return fail(perr), nil
	}

	switch h.Op {
	case protocol.OpRead:
		data, err := w.store.Read(c.ID, path)
		if err != nil {
			return fail(err), nil
		}
		return response{code: protocol.Success, blob: data, trailer: blobTrailer}, nil

	case protocol.OpLock:
		out, err := w.store.Lock(c.ID, path)
		if err != nil {
			return fail(err), nil
		}
		if out == store.WouldBlock {
			return response{park: true}, nil
		}
		return response{code: protocol.Success}, nil

	case protocol.OpUnlock:
		next, err := w.store.Unlock(c.ID, path)
		if err != nil {
			return fail(err), nil
		}
		resp := response{code: protocol.Success}
		if next != 0 {
			resp.granted = []store.ConnID{next}
		}
		return resp, nil

	case protocol.OpRemove:
		waiters, err := w.store.Remove(c.ID, path)
		if err != nil {
			return fail(err), nil
		}
		return response{code: protocol.Success, dropped: waiters}, nil

	case protocol.OpClose:
		return fail(w.store.Close(c.ID, path)), nil
	}
	return response{code: protocol.InvalidRequest}, nil
}

func (w *Worker) readN(c *Conn, h protocol.Header) (response, error) {
	if h.Len != 8 {
		return w.reject(c, h.Len)
	}
	limit, err := protocol.ReadUint64(c.r)
	if err != nil {
		return response{}, err
	}
	n := int64(limit)
	if n < 0 {
		n = 0
	}
	files, err := w.store.ReadN(c.ID, int(n))
	return withRecords(err, files), nil
}

// reject skips a payload of n bytes and answers InvalidRequest. Payloads
// longer than a path are not worth reading and drop the connection.
func (w *Worker) reject(c *Conn, n uint64) (response, error) {
	if n > protocol.MaxPathLen {
		return response{}, protocol.ErrBadPayload
	}
	if _, err := io.CopyN(io.Discard, c.r, int64(n)); err != nil {
		return response{}, err
	}
	return response{code: protocol.InvalidRequest}, nil
}

func fail(err error) response {
	return response{code: protocol.CodeFor(err)}
}

func withRecords(err error, files []store.Evicted) response {
	if err != nil {
		return fail(err)
	}
	return response{
		code:    protocol.Success,
		records: protocol.FromStore(files),
		trailer: recordsTrailer,
	}
}

// reply writes resp to c in one flush.
func (w *Worker) reply(c *Conn, resp response) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	bw := bufio.NewWriter(c.nc)
	if err := protocol.WriteCode(bw, resp.code); err != nil {
		return err
	}
	switch resp.trailer {
	case blobTrailer:
		if err := protocol.WriteBlob(bw, resp.blob); err != nil {
			return err
		}
	case recordsTrailer:
		if err := protocol.WriteRecords(bw, resp.records); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// notify answers the parked connections named in resp. A connection that
// cannot be written to is handled as if it had disconnected, which may in
// turn hand locks to further parked connections.
func (w *Worker) notify(resp response) {
	var pending []notice
	for _, id := range resp.granted {
		pending = append(pending, notice{id: id, code: protocol.Success})
	}
	for _, id := range resp.dropped {
		pending = append(pending, notice{id: id, code: protocol.NotFound})
	}
	for len(pending) > 0 {
		n := pending[0]
		pending = pending[1:]
		c := w.table.get(n.id)
		if c == nil {
			continue
		}
		if err := w.reply(c, response{code: n.code}); err != nil {
			w.log.Debugw("parked client unreachable", "client", c.ID, "error", err)
			for _, p := range w.disconnect(c) {
				pending = append(pending, notice{id: p.ID, code: protocol.Success})
			}
			continue
		}
		w.metrics.Notified(n.code.String())
		w.done <- event{conn: c}
	}
}

// disconnect ends the session of c and returns the lock hand-overs it
// caused. Only the first call for a connection has any effect.
func (w *Worker) disconnect(c *Conn) []store.Promotion {
	if !w.table.remove(c.ID) {
		return nil
	}
	promos := w.store.ClientExit(c.ID)
	if err := c.nc.Close(); err != nil {
		w.log.Debugw("closing client", "client", c.ID, "error", err)
	}
	w.done <- event{conn: c, gone: true}
	return promos
}

// hangUp disconnects c and still delivers the notifications of resp.
func (w *Worker) hangUp(c *Conn, resp response) {
	for _, p := range w.disconnect(c) {
		resp.granted = append(resp.granted, p.ID)
	}
	w.notify(resp)
}
