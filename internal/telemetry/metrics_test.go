package telemetry

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstrumentCountsByStatusClass(t *testing.T) {
	before2xx := testutil.ToFloat64(RequestsTotal.WithLabelValues("test_op", "2xx"))
	before4xx := testutil.ToFloat64(RequestsTotal.WithLabelValues("test_op", "4xx"))

	h := Instrument("test_op", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("fail") != "" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	srv := httptest.NewServer(h)
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()
	resp, err = http.Get(srv.URL + "?fail=1")
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, before2xx+1, testutil.ToFloat64(RequestsTotal.WithLabelValues("test_op", "2xx")))
	assert.Equal(t, before4xx+1, testutil.ToFloat64(RequestsTotal.WithLabelValues("test_op", "4xx")))
}

func TestMetricsHandlerServesRegistry(t *testing.T) {
	GossipRounds.Inc()

	srv := httptest.NewServer(MetricsHandler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
