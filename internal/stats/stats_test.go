package stats

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStatsUpdater(t *testing.T) {
	mux := http.NewServeMux()
	su := NewStatsUpdater(mux, "teamchat")
	assert.NotNil(t, su, "expected StatsUpdater to be non-nil")
	handler, pattern := mux.Handler(&http.Request{URL: &url.URL{Path: "/metrics"}, Method: http.MethodGet})
	assert.NotNil(t, handler, "expected handler for /metrics to be set")
	assert.Equal(t, "GET /metrics", pattern, "expected handler to be registered for GET method on /metrics")
}

func TestGaugesAndCounters(t *testing.T) {
	su := NewStatsUpdater(nil, "teamchat")
	su.RegisterMetric("active_clients", "connected clients")
	su.RegisterMetric("active_clients", "registered twice")
	su.RegisterCounter("messages_total", "published messages")

	su.Incr("active_clients")
	su.Incr("active_clients")
	su.Decr("active_clients")
	assert.Equal(t, float64(1), testutil.ToFloat64(su.gauges["active_clients"]))

	su.Incr("messages_total")
	su.Decr("messages_total")
	su.Add("messages_total", 3)
	assert.Equal(t, float64(4), testutil.ToFloat64(su.counters["messages_total"]), "counters never decrease")

	assert.Panics(t, func() { su.Incr("missing") })
}

func TestHandler(t *testing.T) {
	su := NewStatsUpdater(nil, "teamchat")
	su.RegisterCounter("reconnects_total", "reconnects")
	su.Incr("reconnects_total")

	srv := httptest.NewServer(su.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "teamchat_reconnects_total 1")
	assert.Contains(t, string(body), "teamchat_uptime_seconds")
}
