package client

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorded struct {
	mu    sync.Mutex
	lines []string
}

func (r *recorded) add(s string) {
	r.mu.Lock()
	r.lines = append(r.lines, s)
	r.mu.Unlock()
}

func (r *recorded) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.lines...)
}

func newTestServer(t *testing.T) (*httptest.Server, *recorded) {
	t.Helper()
	seen := &recorded{}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"database":"running","database_label":"PouchDB Server","tunnel":"unknown","database_configured":true}`))
	})
	mux.HandleFunc("/api/start", func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		seen.add(r.Method + " " + r.URL.Path + " " + string(b))
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"success":false,"error":"No services configured. Select a backend or set a tunnel name first.","progress":[]}`))
	})
	mux.HandleFunc("/api/database/start", func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		seen.add(r.URL.Path + " " + string(b))
		_, _ = w.Write([]byte(`{"success":true,"output":"PouchDB Server running on port 6984"}`))
	})
	mux.HandleFunc("/api/exec", func(w http.ResponseWriter, r *http.Request) {
		seen.add(r.URL.RequestURI())
		_, _ = w.Write([]byte(`{"success":true,"output":"Command started in background"}`))
	})
	mux.HandleFunc("/api/detect", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"managed_available":true,"managed_method":"npx","native":{"platform":"linux","service_manager":"systemctl","detected":true,"running":false}}`))
	})
	mux.HandleFunc("/api/history", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]HistoryEvent{{Type: "start", Component: "managed", Port: 5984, OccurredAt: time.Unix(0, 0).UTC()}})
	})
	mux.HandleFunc("/api/install", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid JSON: EOF"}`))
	})
	mux.HandleFunc("/api/stop", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts, seen
}

func TestClientReads(t *testing.T) {
	ts, _ := newTestServer(t)
	c := New(Config{BaseURL: ts.URL + "/api"})
	ctx := context.Background()

	assert.True(t, c.IsReachable(ctx))

	st, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "running", st.Database)
	assert.True(t, st.DatabaseConfigured)

	det, err := c.Detect(ctx)
	require.NoError(t, err)
	assert.Equal(t, "npx", det.ManagedMethod)
	assert.Equal(t, "systemctl", det.Native.Manager)

	events, err := c.History(ctx)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, 5984, events[0].Port)

	_, err = c.Resources(ctx)
	assert.Error(t, err, "unknown path answers 404")
}

func TestClientOperations(t *testing.T) {
	ts, seen := newTestServer(t)
	c := New(Config{BaseURL: ts.URL + "/api"})
	ctx := context.Background()

	resp, err := c.StartAll(ctx, "vault")
	require.NoError(t, err, "422 is a failed result, not an error")
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "No services configured")

	_, err = c.StartAll(ctx, "")
	require.NoError(t, err)

	res, err := c.StartDatabase(ctx, DatabaseStartRequest{Port: 6984})
	require.NoError(t, err)
	assert.Equal(t, "PouchDB Server running on port 6984", res.Output)

	res, err = c.Exec(ctx, true)
	require.NoError(t, err)
	assert.True(t, res.Success)

	assert.Equal(t, []string{
		`POST /api/start {"tunnel":"vault"}`,
		`POST /api/start `,
		`/api/database/start {"port":6984}`,
		`/api/exec?force=true`,
	}, seen.all())
}

func TestClientErrors(t *testing.T) {
	ts, _ := newTestServer(t)
	c := New(Config{BaseURL: ts.URL + "/api"})
	ctx := context.Background()

	_, err := c.Install(ctx)
	assert.EqualError(t, err, "API error: invalid JSON: EOF")

	_, err = c.StopAll(ctx)
	assert.EqualError(t, err, "HTTP 500")

	unreachable := New(Config{BaseURL: "http://127.0.0.1:1/api", Timeout: time.Second})
	assert.False(t, unreachable.IsReachable(ctx))
	_, err = unreachable.Status(ctx)
	assert.Error(t, err)
}

func TestDefaults(t *testing.T) {
	assert.Equal(t, "http://127.0.0.1:8780/api", DefaultConfig().BaseURL)
	c := New(Config{})
	assert.Equal(t, "http://127.0.0.1:8780/api", c.baseURL)
	assert.Equal(t, 10*time.Second, c.client.Timeout)
	assert.True(t, InsecureConfig().Insecure)
}
