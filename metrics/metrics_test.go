package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rarydzu/gfilestore/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveRequest("read", "success", time.Millisecond)
		m.Notified("not found")
		m.SetClients(1, 2)
	})
}

func TestCollectors(t *testing.T) {
	s, err := store.New(4, 100, store.FIFO)
	require.NoError(t, err)
	_, _, err = s.Open(1, "/a", store.OCreate)
	require.NoError(t, err)
	_, _, err = s.Write(1, "/a", []byte("hello"))
	require.NoError(t, err)

	m := New(s)
	m.ObserveRequest("write", "success", time.Millisecond)
	m.ObserveRequest("write", "success", time.Millisecond)
	m.ObserveRequest("read", "not found", time.Millisecond)
	m.Notified("success")
	m.SetClients(3, 5)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.requests.WithLabelValues("write", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("read", "not found")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.notifications.WithLabelValues("success")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.clients))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.peakClients))

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "gfilestore_store_files 1")
	assert.Contains(t, string(body), "gfilestore_store_bytes 5")
	assert.Contains(t, string(body), "gfilestore_store_evictions_total 0")

	resp, err = http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
