package client

import (
	"bufio"
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rarydzu/gfilestore/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sockPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "gfsc")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, "c.sk")
}

func TestDialGivesUp(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := Dial(ctx, sockPath(t), 10*time.Millisecond)
	assert.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestDialRetriesUntilListening(t *testing.T) {
	sock := sockPath(t)
	go func() {
		time.Sleep(100 * time.Millisecond)
		ln, err := net.Listen("unix", sock)
		if err != nil {
			return
		}
		defer ln.Close()
		conn, err := ln.Accept()
		if err == nil {
			conn.Close()
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := Dial(ctx, sock, 10*time.Millisecond)
	require.NoError(t, err)
	c.Close()
}

// fakeServer answers a single request with the given code and checks what
// the client sent.
func fakeServer(t *testing.T, code protocol.Code, check func(r *bufio.Reader)) string {
	t.Helper()
	sock := sockPath(t)
	ln, err := net.Listen("unix", sock)
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		check(bufio.NewReader(conn))
		_ = protocol.WriteCode(conn, code)
	}()
	return sock
}

func TestFailureCodeIsError(t *testing.T) {
	got := make(chan string, 1)
	sock := fakeServer(t, protocol.NotFound, func(r *bufio.Reader) {
		h, err := protocol.ReadHeader(r)
		if err != nil {
			got <- err.Error()
			return
		}
		path, _ := protocol.ReadPath(r, h.Len)
		flags, _ := protocol.ReadInt32(r)
		got <- h.Op.String() + " " + path + " " + string(rune('0'+flags))
	})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	c, err := Dial(ctx, sock, 10*time.Millisecond)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Open("/x", OCreate|OLock)
	assert.ErrorIs(t, err, protocol.NotFound)
	assert.Equal(t, "open /x 3", <-got)
}
