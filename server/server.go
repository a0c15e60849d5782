// Package server wires the store to the socket: a manager goroutine
// watching idle connections, a fixed pool of workers serving requests and
// the operation log writer.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"syscall"

	"github.com/jinzhu/copier"
	"github.com/rarydzu/gfilestore/config"
	"github.com/rarydzu/gfilestore/logger"
	"github.com/rarydzu/gfilestore/metrics"
	"github.com/rarydzu/gfilestore/queue"
	"github.com/rarydzu/gfilestore/store"
	"github.com/shirou/gopsutil/v3/process"
	"github.com/ztrue/tracerr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// maxConnsCap bounds the completion channel when RLIMIT_NOFILE is huge.
const maxConnsCap = 1 << 16

// Server owns the listening socket and everything serving it.
type Server struct {
	active   bool
	cfg      *config.Config
	store    *store.Store
	oplog    *logger.Logger
	metrics  *metrics.Metrics
	q        *queue.BoundedQueue[*Conn]
	table    *connTable
	manager  *Manager
	workers  errgroup.Group
	loggerG  errgroup.Group
	metricsG errgroup.Group
	ctx      context.Context
	cancel   context.CancelFunc
	waitOnce sync.Once
	waitErr  error
	log      *zap.SugaredLogger
}

// New builds a server from cfg. Nothing runs until Start.
func New(cfg *config.Config, log *zap.SugaredLogger) (*Server, error) {
	s := &Server{
		cfg:   &config.Config{},
		table: newConnTable(),
		log:   log,
	}
	if err := copier.Copy(s.cfg, cfg); err != nil {
		return nil, tracerr.Wrap(err)
	}
	if err := config.Validate(s.cfg); err != nil {
		return nil, err
	}
	policy, err := store.ParsePolicy(s.cfg.ReplAlg)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	oplog, err := logger.New(s.cfg.LogFile, s.cfg.QueueLen, log)
	if err != nil {
		return nil, err
	}
	s.oplog = oplog
	s.store, err = store.New(s.cfg.MaxFiles, s.cfg.MaxBytes, policy,
		store.WithSink(oplog),
		store.WithLogger(log.Named("store")),
	)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	if s.cfg.MetricsAddr != "" {
		s.metrics = metrics.New(s.store)
	}
	s.q, err = queue.New[*Conn](s.cfg.QueueLen)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return s, nil
}

// Store gives access to the underlying store.
func (s *Server) Store() *store.Store {
	return s.store
}

// Start listens on the configured socket and starts every goroutine.
func (s *Server) Start() error {
	if s.active {
		return fmt.Errorf("server already active")
	}
	if err := os.Remove(s.cfg.SockName); err != nil && !errors.Is(err, os.ErrNotExist) {
		return tracerr.Errorf("removing stale socket %s: %w", s.cfg.SockName, err)
	}
	ln, err := net.Listen("unix", s.cfg.SockName)
	if err != nil {
		return tracerr.Wrap(err)
	}
	s.active = true
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.manager = newManager(ln, s.q, s.table, maxConns(), s.metrics, s.log.Named("manager"))

	s.loggerG.Go(s.oplog.Run)
	for i := 0; i < s.cfg.Threads; i++ {
		w := &Worker{
			id:      i,
			q:       s.q,
			store:   s.store,
			table:   s.table,
			done:    s.manager.done,
			maxData: uint64(s.cfg.MaxBytes),
			metrics: s.metrics,
			log:     s.log.Named("worker"),
		}
		s.workers.Go(w.Run)
	}
	if s.metrics != nil {
		s.metricsG.Go(func() error {
			return s.metrics.Serve(s.ctx, s.cfg.MetricsAddr, s.log.Named("metrics"))
		})
	}
	go s.manager.Run(s.ctx)
	s.log.Infof("listening on %s with %d workers, %s replacement", s.cfg.SockName, s.cfg.Threads, s.store.Stats().Policy)
	return nil
}

// Stop is the hard shutdown: stop serving right away.
func (s *Server) Stop() error {
	if !s.active {
		return fmt.Errorf("server not active")
	}
	s.cancel()
	return nil
}

// Drain is the soft shutdown: refuse new clients and stop once the
// connected ones have left.
func (s *Server) Drain() error {
	if !s.active {
		return fmt.Errorf("server not active")
	}
	s.manager.Drain()
	return nil
}

// Wait blocks until the manager has stopped and tears everything down.
func (s *Server) Wait() error {
	if !s.active {
		return fmt.Errorf("server not active")
	}
	s.waitOnce.Do(func() {
		s.waitErr = s.teardown()
	})
	return s.waitErr
}

func (s *Server) teardown() error {
	live, peak := s.manager.Clients()
	s.cancel()

	// unblocks workers stuck reading from a client that went quiet
	for _, c := range s.table.drain() {
		c.nc.Close()
	}
	// a worker that died never pops its sentinel
	go func() {
		for i := 0; i < s.cfg.Threads; i++ {
			s.q.Push(nil)
		}
	}()
	werr := s.workers.Wait()
	if werr != nil {
		s.log.Errorf("worker failure: %v", werr)
	}
	s.report(live, peak)

	s.oplog.Stop()
	lerr := s.loggerG.Wait()
	if lerr != nil {
		s.log.Errorf("operation log: %v", lerr)
	}
	merr := s.metricsG.Wait()
	if err := os.Remove(s.cfg.SockName); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.log.Warnf("removing socket: %v", err)
	}
	return errors.Join(werr, lerr, merr)
}

func (s *Server) report(live, peak int) {
	st := s.store.Stats()
	fields := []interface{}{
		"files", st.Files,
		"bytes", st.Bytes,
		"peak_files", st.PeakFiles,
		"peak_bytes", st.PeakBytes,
		"evictions", st.Evictions,
		"peak_clients", peak,
		"clients_left", live,
	}
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if mem, err := p.MemoryInfo(); err == nil {
			fields = append(fields, "rss", mem.RSS)
		}
	}
	s.log.Infow("server stopped", fields...)
	s.log.Debugw("files left in store", "paths", s.store.Dump())
}

// maxConns follows the open file limit: every client costs a descriptor.
func maxConns() int {
	var limit syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &limit); err != nil || limit.Cur == 0 {
		return 1024
	}
	if limit.Cur > maxConnsCap {
		return maxConnsCap
	}
	return int(limit.Cur)
}
