// Package metrics exposes the store counters and the request outcomes to
// Prometheus.
//
// A nil *Metrics is valid and records nothing, so callers never need to
// check whether metrics are enabled.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rarydzu/gfilestore/store"
	"github.com/ztrue/tracerr"
	"go.uber.org/zap"
)

const namespace = "gfilestore"

// StatsSource is implemented by *store.Store.
type StatsSource interface {
	Stats() store.Stats
}

type Metrics struct {
	reg           *prometheus.Registry
	requests      *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	clients       prometheus.Gauge
	peakClients   prometheus.Gauge
	notifications *prometheus.CounterVec
}

// New registers every collector on a private registry.
func New(src StatsSource) *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	m := &Metrics{
		reg: reg,
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Requests served by operation and response code",
		}, []string{"op", "code"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Time spent serving a request, parked lock requests excluded",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
		}, []string{"op"}),
		clients: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "clients",
			Help:      "Connected clients",
		}),
		peakClients: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "clients_peak",
			Help:      "Highest number of clients connected at the same time",
		}),
		notifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Responses sent to parked lock requests by code",
		}, []string{"code"}),
	}

	gauge := func(name, help string, fn func(store.Stats) float64) {
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      name,
			Help:      help,
		}, func() float64 { return fn(src.Stats()) })
	}
	gauge("files", "Files currently stored", func(s store.Stats) float64 { return float64(s.Files) })
	gauge("files_max", "File capacity", func(s store.Stats) float64 { return float64(s.MaxFiles) })
	gauge("files_peak", "Highest number of files stored", func(s store.Stats) float64 { return float64(s.PeakFiles) })
	gauge("bytes", "Bytes currently stored or reserved", func(s store.Stats) float64 { return float64(s.Bytes) })
	gauge("bytes_max", "Byte capacity", func(s store.Stats) float64 { return float64(s.MaxBytes) })
	gauge("bytes_peak", "Highest number of bytes stored", func(s store.Stats) float64 { return float64(s.PeakBytes) })
	f.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "evictions_total",
		Help:      "Files evicted by the replacement policy",
	}, func() float64 { return float64(src.Stats().Evictions) })
	return m
}

// ObserveRequest records one served request.
func (m *Metrics) ObserveRequest(op, code string, d time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(op, code).Inc()
	m.duration.WithLabelValues(op).Observe(d.Seconds())
}

// Notified records a response sent to a connection parked on a lock.
func (m *Metrics) Notified(code string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(code).Inc()
}

// SetClients publishes the live and peak client counts. The manager is
// the only caller.
func (m *Metrics) SetClients(live, peak int) {
	if m == nil {
		return
	}
	m.clients.Set(float64(live))
	m.peakClients.Set(float64(peak))
}

// Handler serves /metrics and /healthz.
func (m *Metrics) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{}))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	return r
}

// Serve listens on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string, log *zap.SugaredLogger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           m.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warnf("metrics server shutdown: %v", err)
		}
	}()
	log.Infof("metrics listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return tracerr.Wrap(err)
	}
	return nil
}
