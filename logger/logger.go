// Package logger writes the operation log. Store operations push records on
// a bounded queue; a single goroutine drains it into a JSON file.
package logger

import (
	"github.com/rarydzu/gfilestore/queue"
	"github.com/ztrue/tracerr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Record is one completed operation.
type Record struct {
	Op     string
	Path   string
	Client int64
	Bytes  int64
}

type Logger struct {
	q   *queue.BoundedQueue[*Record]
	out *zap.Logger
	log *zap.SugaredLogger
}

// New opens (or creates) path for appending.
func New(path string, queueLen int, log *zap.SugaredLogger) (*Logger, error) {
	q, err := queue.New[*Record](queueLen)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	enc := zap.NewProductionEncoderConfig()
	enc.TimeKey = "time"
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg := zap.Config{
		Level:             zap.NewAtomicLevelAt(zap.InfoLevel),
		Encoding:          "json",
		EncoderConfig:     enc,
		OutputPaths:       []string{path},
		ErrorOutputPaths:  []string{"stderr"},
		DisableCaller:     true,
		DisableStacktrace: true,
	}
	out, err := cfg.Build()
	if err != nil {
		return nil, tracerr.Errorf("operation log %s: %w", path, err)
	}
	return &Logger{
		q:   q,
		out: out,
		log: log,
	}, nil
}

// Log queues one record. It blocks while the queue is full.
func (l *Logger) Log(op, path string, client int64, bytes int64) {
	l.q.Push(&Record{
		Op:     op,
		Path:   path,
		Client: client,
		Bytes:  bytes,
	})
}

// Run writes records until Stop is called. Records queued before Stop are
// all written.
func (l *Logger) Run() error {
	var written int
	for {
		rec := l.q.Pop()
		if rec == nil {
			break
		}
		l.out.Info(rec.Op,
			zap.String("path", rec.Path),
			zap.Int64("client", rec.Client),
			zap.Int64("bytes", rec.Bytes),
		)
		written++
	}
	l.log.Debugf("operation log closed after %d records", written)
	if err := l.out.Sync(); err != nil {
		return tracerr.Wrap(err)
	}
	return nil
}

// Stop asks Run to return once the queue is drained.
func (l *Logger) Stop() {
	l.q.Push(nil)
}
