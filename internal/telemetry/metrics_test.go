package telemetry

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestInstrumentCountsByClass(t *testing.T) {
	h := Instrument("test_op", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/bad" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Write([]byte("ok"))
	}))

	before := testutil.ToFloat64(RequestsTotal.WithLabelValues("test_op", "2xx"))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ok", nil))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/bad", nil))

	require.Equal(t, before+1, testutil.ToFloat64(RequestsTotal.WithLabelValues("test_op", "2xx")))
	require.Equal(t, 1.0, testutil.ToFloat64(RequestsTotal.WithLabelValues("test_op", "4xx")))
	require.Zero(t, testutil.ToFloat64(InFlight.WithLabelValues("test_op")))
}

func TestConsumerMetrics(t *testing.T) {
	var m ConsumerMetrics
	m.Peers(3, 2)
	m.Watermark("n1", 42)
	m.Requested(2, 10)

	require.Equal(t, 3.0, testutil.ToFloat64(peersGauge.WithLabelValues("registered")))
	require.Equal(t, 2.0, testutil.ToFloat64(peersGauge.WithLabelValues("responsive")))
	require.Equal(t, 42.0, testutil.ToFloat64(watermarkGauge.WithLabelValues("n1")))

	rec := httptest.NewRecorder()
	MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.True(t, strings.Contains(rec.Body.String(), "zephyrsync_consumer_ids_requested_total"))
}
