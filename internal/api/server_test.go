package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"queue-rebirth/internal/models"
	"queue-rebirth/internal/stats"
	"queue-rebirth/internal/telemetry"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	telemetry.Register()

	st := stats.NewStore(nil, "", nil)
	st.Add("run-b", 1200, 3)
	st.Add("run-a", 50, 0)

	srv := httptest.NewServer(New(st, func() string { return "scan" }, nil).Router())
	t.Cleanup(srv.Close)
	return srv
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStats(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var body statsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "scan", body.Phase)
	assert.Equal(t, models.RunStats{Loaded: 1250, Reset: 3}, body.Totals)
	require.Len(t, body.Runs, 2)
	assert.Equal(t, "run-a", body.Runs[0].RunID)
	assert.Equal(t, []string{"run-b"}, body.Pending)
}

func TestRunStats(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/stats/run-b")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body runEntry
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, runEntry{RunID: "run-b", RunStats: models.RunStats{Loaded: 1200, Reset: 3}}, body)

	missing, err := http.Get(srv.URL + "/stats/nope")
	require.NoError(t, err)
	defer missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestMetricsMounted(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
