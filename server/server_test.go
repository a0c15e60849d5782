package server

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rarydzu/gfilestore/client"
	"github.com/rarydzu/gfilestore/config"
	"github.com/rarydzu/gfilestore/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type testServer struct {
	*Server
	sock    string
	logFile string
}

func startServer(t *testing.T, tune func(*config.Config)) *testServer {
	t.Helper()
	// unix socket paths are short, t.TempDir may not be
	dir, err := os.MkdirTemp("", "gfs")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	cfg := config.Default()
	cfg.SockName = filepath.Join(dir, "s.sk")
	cfg.LogFile = filepath.Join(dir, "logs.txt")
	cfg.Threads = 4
	if tune != nil {
		tune(cfg)
	}
	srv, err := New(cfg, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(func() {
		_ = srv.Stop()
		_ = srv.Wait()
	})
	return &testServer{Server: srv, sock: cfg.SockName, logFile: cfg.LogFile}
}

func (ts *testServer) dial(t *testing.T) *client.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := client.Dial(ctx, ts.sock, 20*time.Millisecond)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

// lockAsync issues a lock request that is expected to wait.
func lockAsync(c *client.Client, path string) <-chan error {
	res := make(chan error, 1)
	go func() {
		res <- c.Lock(path)
	}()
	return res
}

func requireBlocked(t *testing.T, res <-chan error) {
	t.Helper()
	select {
	case err := <-res:
		t.Fatalf("lock returned early: %v", err)
	case <-time.After(150 * time.Millisecond):
	}
}

func requireResult(t *testing.T, res <-chan error) error {
	t.Helper()
	select {
	case err := <-res:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("lock never answered")
		return nil
	}
}

func TestOpenWriteRead(t *testing.T) {
	ts := startServer(t, nil)
	c := ts.dial(t)

	evicted, err := c.Open("/docs/a", client.OCreate|client.OLock)
	require.NoError(t, err)
	assert.Empty(t, evicted)
	_, err = c.Write("/docs/a", []byte("hello "))
	require.NoError(t, err)
	_, err = c.Append("/docs/a", []byte("world"))
	require.NoError(t, err)

	data, err := c.Read("/docs/a")
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))

	_, err = c.Open("/docs/a", client.OCreate)
	assert.ErrorIs(t, err, protocol.AlreadyExists)
	_, err = c.Read("/docs/missing")
	assert.ErrorIs(t, err, protocol.NotFound)

	files, err := c.ReadN(0)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "/docs/a", files[0].Path)

	require.NoError(t, c.Unlock("/docs/a"))
	require.NoError(t, c.CloseFile("/docs/a"))
	_, err = c.Read("/docs/a")
	assert.ErrorIs(t, err, protocol.Locked)
}

func TestWriteNeedsOpenAndLock(t *testing.T) {
	ts := startServer(t, nil)
	owner := ts.dial(t)
	other := ts.dial(t)

	_, err := owner.Open("/f", client.OCreate|client.OLock)
	require.NoError(t, err)

	_, err = other.Write("/f", []byte("x"))
	assert.ErrorIs(t, err, protocol.Locked)
	_, err = other.Open("/f", 0)
	require.NoError(t, err)
	_, err = other.Append("/f", []byte("x"))
	assert.ErrorIs(t, err, protocol.Locked)
	_, err = other.Open("/f", client.OLock)
	assert.ErrorIs(t, err, protocol.Locked)
}

func TestFIFOEvictionOverSocket(t *testing.T) {
	ts := startServer(t, func(cfg *config.Config) {
		cfg.MaxFiles = 2
	})
	c := ts.dial(t)
	for _, p := range []string{"/a", "/b"} {
		_, err := c.Open(p, client.OCreate)
		require.NoError(t, err)
		_, err = c.Append(p, []byte("data of "+p))
		require.NoError(t, err)
	}
	evicted, err := c.Open("/c", client.OCreate)
	require.NoError(t, err)
	require.Len(t, evicted, 1)
	assert.Equal(t, "/a", evicted[0].Path)
	assert.Equal(t, "data of /a", string(evicted[0].Data))

	_, err = c.Read("/a")
	assert.ErrorIs(t, err, protocol.NotFound)
	assert.Equal(t, uint64(1), ts.Store().Stats().Evictions)
}

func TestCapacityEvictionOnAppend(t *testing.T) {
	ts := startServer(t, func(cfg *config.Config) {
		cfg.MaxBytes = 10
	})
	c := ts.dial(t)
	_, err := c.Open("/a", client.OCreate)
	require.NoError(t, err)
	_, err = c.Append("/a", []byte("123456"))
	require.NoError(t, err)
	_, err = c.Open("/b", client.OCreate)
	require.NoError(t, err)

	evicted, err := c.Append("/b", []byte("abcdef"))
	require.NoError(t, err)
	require.Len(t, evicted, 1)
	assert.Equal(t, "/a", evicted[0].Path)

	// larger than the whole store: refused, the stream stays usable
	_, err = c.Append("/b", []byte(strings.Repeat("z", 11)))
	assert.ErrorIs(t, err, protocol.TooLarge)
	data, err := c.Read("/b")
	require.NoError(t, err)
	assert.Equal(t, "abcdef", string(data))
}

func TestPathTooLong(t *testing.T) {
	ts := startServer(t, nil)
	c := ts.dial(t)
	_, err := c.Open(strings.Repeat("p", protocol.MaxPathLen+1), client.OCreate)
	assert.ErrorIs(t, err, protocol.InvalidRequest)
	_, err = c.Open("/ok", client.OCreate)
	assert.NoError(t, err)
}

// rawDial opens a connection without the client wrapper.
func (ts *testServer) rawDial(t *testing.T) (net.Conn, *bufio.Reader) {
	t.Helper()
	nc, err := net.Dial("unix", ts.sock)
	require.NoError(t, err)
	t.Cleanup(func() { nc.Close() })
	return nc, bufio.NewReader(nc)
}

func sendPath(t *testing.T, nc net.Conn, op protocol.Op, path string) {
	t.Helper()
	require.NoError(t, protocol.WriteHeader(nc, protocol.Header{Op: op, Len: uint64(len(path))}))
	_, err := nc.Write([]byte(path))
	require.NoError(t, err)
}

func TestUnknownOpcodeIsAnswered(t *testing.T) {
	ts := startServer(t, nil)
	nc, r := ts.rawDial(t)
	require.NoError(t, nc.SetDeadline(time.Now().Add(2*time.Second)))

	sendPath(t, nc, protocol.Op(42), "/x")
	code, err := protocol.ReadCode(r)
	require.NoError(t, err)
	assert.Equal(t, protocol.InvalidRequest, code)

	// the stream is still in sync
	sendPath(t, nc, protocol.OpOpen, "/x")
	require.NoError(t, protocol.WriteInt32(nc, client.OCreate))
	code, err = protocol.ReadCode(r)
	require.NoError(t, err)
	assert.Equal(t, protocol.Success, code)
	recs, err := protocol.ReadRecords(r, 1<<20)
	require.NoError(t, err)
	assert.Empty(t, recs)
	assert.Equal(t, 1, ts.Store().Stats().Files)
}

func TestUnknownOpcodeWithHugePayloadDisconnects(t *testing.T) {
	ts := startServer(t, nil)
	nc, r := ts.rawDial(t)
	require.NoError(t, nc.SetDeadline(time.Now().Add(2*time.Second)))

	require.NoError(t, protocol.WriteHeader(nc, protocol.Header{Op: 0, Len: 1 << 40}))
	_, err := protocol.ReadCode(r)
	assert.Error(t, err)
}

func TestStalledReaderDoesNotBlockOthers(t *testing.T) {
	ts := startServer(t, func(cfg *config.Config) {
		cfg.Threads = 2
	})
	owner := ts.dial(t)
	_, err := owner.Open("/big", client.OCreate)
	require.NoError(t, err)
	_, err = owner.Write("/big", make([]byte, 16<<20))
	require.NoError(t, err)

	// ask for the file and never read the answer, pinning one worker
	nc, r := ts.rawDial(t)
	sendPath(t, nc, protocol.OpOpen, "/big")
	require.NoError(t, protocol.WriteInt32(nc, 0))
	code, err := protocol.ReadCode(r)
	require.NoError(t, err)
	require.Equal(t, protocol.Success, code)
	_, err = protocol.ReadRecords(r, 1<<20)
	require.NoError(t, err)
	sendPath(t, nc, protocol.OpRead, "/big")

	for i := 0; i < 10; i++ {
		c := ts.dial(t)
		done := make(chan error, 1)
		go func() {
			_, err := c.Open(fmt.Sprintf("/small%d", i), client.OCreate)
			done <- err
		}()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatalf("client %d was not answered", i)
		}
	}
}

func TestLockHandOver(t *testing.T) {
	ts := startServer(t, nil)
	first := ts.dial(t)
	second := ts.dial(t)
	third := ts.dial(t)

	_, err := first.Open("/f", client.OCreate)
	require.NoError(t, err)
	require.NoError(t, first.Lock("/f"))

	res2 := lockAsync(second, "/f")
	requireBlocked(t, res2)
	res3 := lockAsync(third, "/f")
	requireBlocked(t, res3)

	require.NoError(t, first.Unlock("/f"))
	require.NoError(t, requireResult(t, res2))
	requireBlocked(t, res3)

	// the new owner keeps talking on the same connection
	_, err = second.Open("/f", 0)
	require.NoError(t, err)
	_, err = second.Write("/f", []byte("mine"))
	require.NoError(t, err)

	require.NoError(t, second.Unlock("/f"))
	require.NoError(t, requireResult(t, res3))
}

func TestRemoveWakesWaiters(t *testing.T) {
	ts := startServer(t, nil)
	owner := ts.dial(t)
	waiter := ts.dial(t)

	_, err := owner.Open("/f", client.OCreate|client.OLock)
	require.NoError(t, err)
	res := lockAsync(waiter, "/f")
	requireBlocked(t, res)

	require.NoError(t, owner.Remove("/f"))
	assert.ErrorIs(t, requireResult(t, res), protocol.NotFound)

	// still served afterwards
	_, err = waiter.Open("/g", client.OCreate)
	assert.NoError(t, err)
}

func TestEvictionWakesWaiters(t *testing.T) {
	ts := startServer(t, func(cfg *config.Config) {
		cfg.MaxFiles = 1
	})
	owner := ts.dial(t)
	waiter := ts.dial(t)

	_, err := owner.Open("/f", client.OCreate|client.OLock)
	require.NoError(t, err)
	res := lockAsync(waiter, "/f")
	requireBlocked(t, res)

	evicted, err := owner.Open("/g", client.OCreate)
	require.NoError(t, err)
	require.Len(t, evicted, 1)
	assert.ErrorIs(t, requireResult(t, res), protocol.NotFound)
}

func TestDisconnectPromotesWaiter(t *testing.T) {
	ts := startServer(t, nil)
	owner := ts.dial(t)
	waiter := ts.dial(t)

	_, err := owner.Open("/f", client.OCreate|client.OLock)
	require.NoError(t, err)
	res := lockAsync(waiter, "/f")
	requireBlocked(t, res)

	require.NoError(t, owner.Close())
	require.NoError(t, requireResult(t, res))
}

func TestConcurrentClients(t *testing.T) {
	ts := startServer(t, func(cfg *config.Config) {
		cfg.Threads = 3
		cfg.QueueLen = 2
		cfg.MaxFiles = 100
	})
	const clients, rounds = 10, 25
	var wg sync.WaitGroup
	for i := 0; i < clients; i++ {
		c := ts.dial(t)
		wg.Add(1)
		go func(i int, c *client.Client) {
			defer wg.Done()
			path := fmt.Sprintf("/client/%d", i)
			if _, err := c.Open(path, client.OCreate|client.OLock); err != nil {
				t.Errorf("open %s: %v", path, err)
				return
			}
			for r := 0; r < rounds; r++ {
				if _, err := c.Append(path, []byte("ab")); err != nil {
					t.Errorf("append %s: %v", path, err)
					return
				}
			}
			data, err := c.Read(path)
			if err != nil {
				t.Errorf("read %s: %v", path, err)
				return
			}
			assert.Equal(t, strings.Repeat("ab", rounds), string(data))
		}(i, c)
	}
	wg.Wait()
	st := ts.Store().Stats()
	assert.Equal(t, clients, st.Files)
	assert.Equal(t, int64(clients*rounds*2), st.Bytes)
}

func TestSoftShutdown(t *testing.T) {
	ts := startServer(t, nil)
	c := ts.dial(t)
	_, err := c.Open("/f", client.OCreate)
	require.NoError(t, err)

	require.NoError(t, ts.Drain())
	waited := make(chan error, 1)
	go func() {
		waited <- ts.Wait()
	}()

	// connected clients keep being served
	_, err = c.Append("/f", []byte("still here"))
	require.NoError(t, err)
	select {
	case <-waited:
		t.Fatal("server stopped with a client connected")
	case <-time.After(100 * time.Millisecond):
	}

	// new clients are not
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err = client.Dial(ctx, ts.sock, 20*time.Millisecond)
	assert.Error(t, err)

	require.NoError(t, c.Close())
	select {
	case err := <-waited:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop after the last client left")
	}
	_, err = os.Stat(ts.sock)
	assert.True(t, os.IsNotExist(err))
}

func TestHardShutdown(t *testing.T) {
	ts := startServer(t, nil)
	c := ts.dial(t)
	_, err := c.Open("/f", client.OCreate)
	require.NoError(t, err)

	require.NoError(t, ts.Stop())
	done := make(chan struct{})
	go func() {
		_ = ts.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("hard shutdown hung")
	}
	_, err = c.Read("/f")
	assert.Error(t, err)
}

func TestOperationLog(t *testing.T) {
	ts := startServer(t, nil)
	c := ts.dial(t)
	_, err := c.Open("/f", client.OCreate|client.OLock)
	require.NoError(t, err)
	_, err = c.Append("/f", []byte("abc"))
	require.NoError(t, err)
	require.NoError(t, c.Close())

	require.NoError(t, ts.Stop())
	require.NoError(t, ts.Wait())
	raw, err := os.ReadFile(ts.logFile)
	require.NoError(t, err)
	log := string(raw)
	assert.Contains(t, log, `"msg":"open-lock"`)
	assert.Contains(t, log, `"msg":"writeFile"`)
	assert.Contains(t, log, `"bytes":3`)
}
