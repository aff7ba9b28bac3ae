// Package testutil provides helpers for integration tests: a fully wired
// statmcp server backed by the in-process fake engine.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"time"

	"github.com/statengine/statmcp/internal/dispatch"
	"github.com/statengine/statmcp/internal/engine"
	"github.com/statengine/statmcp/internal/engine/enginetest"
	"github.com/statengine/statmcp/internal/event"
	"github.com/statengine/statmcp/internal/pool"
	"github.com/statengine/statmcp/internal/server"
	"github.com/statengine/statmcp/internal/warmup"
	"github.com/statengine/statmcp/pkg/types"
)

// TestServer wraps a wired server instance listening on a local port.
type TestServer struct {
	BaseURL  string
	Launcher *enginetest.Launcher
	Pool     *pool.Pool
	Bus      *event.Bus
	Guard    *warmup.Guard

	httpSrv *httptest.Server
	rootDir string
}

// Options tune the wired instance.
type Options struct {
	Policy   pool.Policy
	Dispatch types.DispatchConfig
	// FailWarmup makes the warm-up record a failure, with graphics
	// disablement on.
	FailWarmup bool
}

// DefaultOptions returns the options used when the suite does not override
// them: a small pool with short timeouts suited to fast tests.
func DefaultOptions() Options {
	policy := pool.DefaultPolicy()
	policy.ReapInterval = 50 * time.Millisecond
	return Options{
		Policy: policy,
		Dispatch: types.DispatchConfig{
			CommandTimeoutMs: 2000,
			FileTimeoutMs:    5000,
			MaxTimeoutMs:     10000,
		},
	}
}

// StartTestServer wires launcher, pool, guard, dispatcher and HTTP server
// and starts listening.
func StartTestServer(opts Options) (*TestServer, error) {
	rootDir, err := os.MkdirTemp("", "statmcp-citest-")
	if err != nil {
		return nil, err
	}

	launcher := enginetest.NewLauncher()
	bus := event.NewBus()

	p, err := pool.New(launcher, "fake", rootDir, opts.Policy, bus)
	if err != nil {
		bus.Close()
		os.RemoveAll(rootDir)
		return nil, err
	}

	guard := warmup.NewGuard(true)
	warmupFn := func() error { return nil }
	if opts.FailWarmup {
		warmupFn = func() error { return fmt.Errorf("warm-up failed") }
	}
	_ = guard.Run(context.Background(), warmupFn)

	profile := engine.Profile{Name: "fake", Marker: "echo %s", RunFile: "run %q"}
	d := dispatch.New(p, guard, profile, opts.Dispatch, bus)

	srv := server.New(server.DefaultConfig(), d, p, guard, bus)
	httpSrv := httptest.NewServer(srv.Router())

	return &TestServer{
		BaseURL:  httpSrv.URL,
		Launcher: launcher,
		Pool:     p,
		Bus:      bus,
		Guard:    guard,
		httpSrv:  httpSrv,
		rootDir:  rootDir,
	}, nil
}

// Stop shuts the instance down and removes its working directories.
func (ts *TestServer) Stop() {
	ts.httpSrv.Close()
	ts.Pool.Shutdown()
	ts.Bus.Close()
	os.RemoveAll(ts.rootDir)
}

// CallTool posts one tool request and decodes the uniform response.
func (ts *TestServer) CallTool(req types.ToolRequest) (types.ToolResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return types.ToolResponse{}, err
	}

	resp, err := http.Post(ts.BaseURL+"/tool", "application/json", bytes.NewReader(body))
	if err != nil {
		return types.ToolResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return types.ToolResponse{}, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var out types.ToolResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return types.ToolResponse{}, err
	}
	return out, nil
}

// RunCommand is shorthand for a run_command call against a named session.
func (ts *TestServer) RunCommand(sessionID, command string) (types.ToolResponse, error) {
	return ts.CallTool(types.ToolRequest{
		Tool:      types.ToolRunCommand,
		Params:    map[string]string{"command": command},
		SessionID: sessionID,
	})
}

// CreateSession posts to /session and returns the created view.
func (ts *TestServer) CreateSession(id string) (types.Session, error) {
	body, err := json.Marshal(map[string]string{"id": id})
	if err != nil {
		return types.Session{}, err
	}

	resp, err := http.Post(ts.BaseURL+"/session", "application/json", bytes.NewReader(body))
	if err != nil {
		return types.Session{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return types.Session{}, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var out types.Session
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return types.Session{}, err
	}
	return out, nil
}

// DeleteSession issues DELETE /session/{id}.
func (ts *TestServer) DeleteSession(id string) error {
	req, err := http.NewRequest(http.MethodDelete, ts.BaseURL+"/session/"+id, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

// ListSessions fetches GET /session.
func (ts *TestServer) ListSessions() ([]types.Session, error) {
	resp, err := http.Get(ts.BaseURL + "/session")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out []types.Session
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}
