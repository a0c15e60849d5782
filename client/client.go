// Package client is the Go API of the file storage service.
//
// A Client is not safe for concurrent use: the protocol is strictly
// request/response on one connection.
package client

import (
	"bufio"
	"context"
	"errors"
	"math"
	"net"
	"time"

	"github.com/rarydzu/gfilestore/protocol"
	"github.com/rarydzu/gfilestore/store"
	"github.com/ztrue/tracerr"
)

// Open flags.
const (
	OCreate = store.OCreate
	OLock   = store.OLock
)

type Client struct {
	conn net.Conn
	r    *bufio.Reader
	w    *bufio.Writer
	// MaxData bounds every data segment read from the server.
	MaxData uint64
}

// Dial connects to the socket at sockname, retrying every interval until
// ctx is done.
func Dial(ctx context.Context, sockname string, interval time.Duration) (*Client, error) {
	var d net.Dialer
	for {
		conn, err := d.DialContext(ctx, "unix", sockname)
		if err == nil {
			return &Client{
				conn:    conn,
				r:       bufio.NewReader(conn),
				w:       bufio.NewWriter(conn),
				MaxData: math.MaxInt64,
			}, nil
		}
		select {
		case <-ctx.Done():
			return nil, tracerr.Errorf("connecting to %s: %w", sockname, errors.Join(ctx.Err(), err))
		case <-time.After(interval):
		}
	}
}

// Close ends the session. The server releases every lock held by it.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Open opens path with flags (OCreate, OLock). Files evicted to make room
// are returned.
func (c *Client) Open(path string, flags int32) ([]protocol.Record, error) {
	if err := c.sendPath(protocol.OpOpen, path); err != nil {
		return nil, err
	}
	if err := protocol.WriteInt32(c.w, flags); err != nil {
		return nil, tracerr.Wrap(err)
	}
	if err := c.flushAndCheck(); err != nil {
		return nil, err
	}
	return c.records()
}

// Write appends data to path, which must be open and not locked by
// another client. Files evicted to make room are returned.
func (c *Client) Write(path string, data []byte) ([]protocol.Record, error) {
	return c.write(protocol.OpWrite, path, data)
}

// Append appends data to path.
func (c *Client) Append(path string, data []byte) ([]protocol.Record, error) {
	return c.write(protocol.OpAppend, path, data)
}

func (c *Client) write(op protocol.Op, path string, data []byte) ([]protocol.Record, error) {
	if err := c.sendPath(op, path); err != nil {
		return nil, err
	}
	if err := protocol.WriteBlob(c.w, data); err != nil {
		return nil, tracerr.Wrap(err)
	}
	if err := c.flushAndCheck(); err != nil {
		return nil, err
	}
	return c.records()
}

func (c *Client) Read(path string) ([]byte, error) {
	if err := c.sendPath(protocol.OpRead, path); err != nil {
		return nil, err
	}
	if err := c.flushAndCheck(); err != nil {
		return nil, err
	}
	data, err := protocol.ReadBlob(c.r, c.MaxData)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return data, nil
}

// ReadN returns up to n files, every file when n <= 0.
func (c *Client) ReadN(n int64) ([]protocol.Record, error) {
	if n < 0 {
		n = 0
	}
	if err := protocol.WriteHeader(c.w, protocol.Header{Op: protocol.OpReadN, Len: 8}); err != nil {
		return nil, tracerr.Wrap(err)
	}
	if err := protocol.WriteUint64(c.w, uint64(n)); err != nil {
		return nil, tracerr.Wrap(err)
	}
	if err := c.flushAndCheck(); err != nil {
		return nil, err
	}
	return c.records()
}

// Lock blocks until the lock on path is granted. It fails with
// protocol.NotFound if the file goes away while waiting.
func (c *Client) Lock(path string) error {
	return c.simple(protocol.OpLock, path)
}

func (c *Client) Unlock(path string) error {
	return c.simple(protocol.OpUnlock, path)
}

// Remove deletes path. The caller must hold its lock.
func (c *Client) Remove(path string) error {
	return c.simple(protocol.OpRemove, path)
}

// CloseFile closes path. A lock held on it is kept.
func (c *Client) CloseFile(path string) error {
	return c.simple(protocol.OpClose, path)
}

func (c *Client) simple(op protocol.Op, path string) error {
	if err := c.sendPath(op, path); err != nil {
		return err
	}
	return c.flushAndCheck()
}

func (c *Client) sendPath(op protocol.Op, path string) error {
	if err := protocol.WriteHeader(c.w, protocol.Header{Op: op, Len: uint64(len(path))}); err != nil {
		return tracerr.Wrap(err)
	}
	if _, err := c.w.WriteString(path); err != nil {
		return tracerr.Wrap(err)
	}
	return nil
}

// flushAndCheck sends the buffered request and reads the response code. A
// code other than Success is returned as the error.
func (c *Client) flushAndCheck() error {
	if err := c.w.Flush(); err != nil {
		return tracerr.Wrap(err)
	}
	code, err := protocol.ReadCode(c.r)
	if err != nil {
		return tracerr.Wrap(err)
	}
	if code != protocol.Success {
		return code
	}
	return nil
}

func (c *Client) records() ([]protocol.Record, error) {
	recs, err := protocol.ReadRecords(c.r, c.MaxData)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return recs, nil
}
