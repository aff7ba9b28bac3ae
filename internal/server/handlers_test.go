package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/statengine/statmcp/internal/dispatch"
	"github.com/statengine/statmcp/internal/engine"
	"github.com/statengine/statmcp/internal/engine/enginetest"
	"github.com/statengine/statmcp/internal/event"
	"github.com/statengine/statmcp/internal/pool"
	"github.com/statengine/statmcp/internal/warmup"
	"github.com/statengine/statmcp/pkg/types"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()

	launcher := enginetest.NewLauncher()
	bus := event.NewBus()
	p, err := pool.New(launcher, "fake", t.TempDir(), pool.DefaultPolicy(), bus,
		pool.WithFs(afero.NewMemMapFs()))
	require.NoError(t, err)

	guard := warmup.NewGuard(true)
	require.NoError(t, guard.Run(context.Background(), func() error { return nil }))

	profile := engine.Profile{Name: "fake", Marker: "echo %s", RunFile: "run %q"}
	cfg := types.DispatchConfig{CommandTimeoutMs: 2000, FileTimeoutMs: 5000}
	d := dispatch.New(p, guard, profile, cfg, bus)

	t.Cleanup(func() {
		p.Shutdown()
		bus.Close()
	})
	return New(DefaultConfig(), d, p, guard, bus)
}

func doRequest(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func TestCreateAndGetSession(t *testing.T) {
	s := newTestServer(t)

	w := doRequest(t, s, http.MethodPost, "/session", `{"id":"alpha"}`)
	require.Equal(t, http.StatusCreated, w.Code)

	var created types.Session
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, "alpha", created.ID)
	assert.Equal(t, types.SessionIdle, created.State)

	w = doRequest(t, s, http.MethodGet, "/session/alpha", "")
	require.Equal(t, http.StatusOK, w.Code)

	var fetched types.Session
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &fetched))
	assert.Equal(t, created.WorkingDir, fetched.WorkingDir)
}

func TestCreateSessionGeneratesID(t *testing.T) {
	s := newTestServer(t)

	w := doRequest(t, s, http.MethodPost, "/session", "")
	require.Equal(t, http.StatusCreated, w.Code)

	var created types.Session
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.True(t, strings.HasPrefix(created.ID, "s-"))
}

func TestListSessions(t *testing.T) {
	s := newTestServer(t)

	doRequest(t, s, http.MethodPost, "/session", `{"id":"one"}`)
	doRequest(t, s, http.MethodPost, "/session", `{"id":"two"}`)

	w := doRequest(t, s, http.MethodGet, "/session", "")
	require.Equal(t, http.StatusOK, w.Code)

	var sessions []types.Session
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sessions))
	assert.Len(t, sessions, 2)
}

func TestDeleteSession(t *testing.T) {
	s := newTestServer(t)

	doRequest(t, s, http.MethodPost, "/session", `{"id":"gone"}`)

	w := doRequest(t, s, http.MethodDelete, "/session/gone", "")
	require.Equal(t, http.StatusOK, w.Code)

	w = doRequest(t, s, http.MethodGet, "/session/gone", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doRequest(t, s, http.MethodDelete, "/session/gone", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDispatchToolRoute(t *testing.T) {
	s := newTestServer(t)

	body := `{"tool":"run_command","parameters":{"command":"let v = 6 * 7"},"sessionId":"calc"}`
	w := doRequest(t, s, http.MethodPost, "/tool", body)
	require.Equal(t, http.StatusOK, w.Code)

	var resp types.ToolResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, types.StatusSuccess, resp.Status)

	body = `{"tool":"run_command","parameters":{"command":"show v"},"sessionId":"calc"}`
	w = doRequest(t, s, http.MethodPost, "/tool", body)
	require.Equal(t, http.StatusOK, w.Code)

	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "42", resp.Result)
}

func TestDispatchToolErrorsAreUniform(t *testing.T) {
	s := newTestServer(t)

	// Tool-level failures still come back HTTP 200 with status "error".
	body := `{"tool":"run_command","parameters":{"command":"fail 9"},"sessionId":"calc"}`
	w := doRequest(t, s, http.MethodPost, "/tool", body)
	require.Equal(t, http.StatusOK, w.Code)

	var resp types.ToolResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, types.StatusError, resp.Status)
	assert.Equal(t, 9, resp.RC)
}

func TestDispatchToolBadRequests(t *testing.T) {
	s := newTestServer(t)

	w := doRequest(t, s, http.MethodPost, "/tool", "{not json")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(t, s, http.MethodPost, "/tool", `{"parameters":{}}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStatusRoute(t *testing.T) {
	s := newTestServer(t)

	doRequest(t, s, http.MethodPost, "/session", `{"id":"one"}`)

	w := doRequest(t, s, http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, w.Code)

	var status statusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, 1, status.Sessions)
	assert.Equal(t, "done", status.Warmup)
	assert.True(t, status.Graphics)
}

func TestEventStream(t *testing.T) {
	s := newTestServer(t)

	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/event", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := make(chan string, 32)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	waitForLine := func(substr string) {
		t.Helper()
		for {
			select {
			case line, ok := <-lines:
				if !ok {
					t.Fatalf("stream closed before %q", substr)
				}
				if strings.Contains(line, substr) {
					return
				}
			case <-ctx.Done():
				t.Fatalf("timed out waiting for %q", substr)
			}
		}
	}

	waitForLine("server.connected")

	// A session creation must show up on the stream.
	doRequest(t, s, http.MethodPost, "/session", `{"id":"streamed"}`)
	waitForLine("session.created")
}
