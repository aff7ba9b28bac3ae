// Package dispatch translates tool invocations into session-bound execute
// calls and normalizes every outcome into a uniform response shape.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"

	"github.com/statengine/statmcp/internal/engine"
	"github.com/statengine/statmcp/internal/event"
	"github.com/statengine/statmcp/internal/logging"
	"github.com/statengine/statmcp/internal/pool"
	"github.com/statengine/statmcp/internal/warmup"
	"github.com/statengine/statmcp/pkg/types"
)

// ErrUnknownTool is returned for tool names outside the supported set.
var ErrUnknownTool = errors.New("unknown tool")

// ErrScriptNotAllowed is returned when a run_file path matches no allowlist glob.
var ErrScriptNotAllowed = errors.New("script path not allowed")

// ErrBadRequest is returned when a required parameter is missing or malformed.
var ErrBadRequest = errors.New("bad request")

// Dispatcher owns the request-to-execute translation. It never panics on a
// request error; every request terminates in a structured response.
type Dispatcher struct {
	pool    *pool.Pool
	guard   *warmup.Guard
	profile engine.Profile
	cfg     types.DispatchConfig
	bus     *event.Bus
}

// New creates a dispatcher bound to a pool and warmup guard.
func New(p *pool.Pool, guard *warmup.Guard, profile engine.Profile, cfg types.DispatchConfig, bus *event.Bus) *Dispatcher {
	return &Dispatcher{pool: p, guard: guard, profile: profile, cfg: cfg, bus: bus}
}

// Dispatch runs one tool invocation to completion and returns its response.
// Requests without a session id get a generated ephemeral one, reported back
// in the response so the caller can keep using it.
func (d *Dispatcher) Dispatch(ctx context.Context, req types.ToolRequest) types.ToolResponse {
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = pool.NewID()
	}

	command, err := d.commandFor(req)
	if err != nil {
		return errorResponse(sessionID, err)
	}
	if req.Params["graphics"] == "true" && !d.guard.GraphicsAllowed() {
		return errorResponse(sessionID, warmup.ErrGraphicsDisabled)
	}

	requestID := uuid.NewString()
	timeout := d.timeoutFor(req)
	log := logging.Session(sessionID)

	d.publish(event.Event{
		Type: event.ExecuteStarted,
		Data: event.ExecuteStartedData{SessionID: sessionID, RequestID: requestID, Tool: req.Tool},
	})

	start := time.Now()
	res, err := d.run(ctx, sessionID, command, timeout)

	d.publish(event.Event{
		Type: event.ExecuteFinished,
		Data: event.ExecuteFinishedData{
			SessionID:  sessionID,
			RequestID:  requestID,
			Tool:       req.Tool,
			RC:         res.RC,
			DurationMs: time.Since(start).Milliseconds(),
			Err:        errString(err),
		},
	})

	if err != nil {
		log.Warn().Str("tool", req.Tool).Err(err).Msg("tool call failed")
		return errorResponse(sessionID, err)
	}
	if res.RC != 0 {
		ierr := &engine.InterpreterError{Code: res.RC, Output: res.Output}
		return types.ToolResponse{
			Status:    types.StatusError,
			Message:   ierr.Error(),
			SessionID: sessionID,
			RC:        res.RC,
		}
	}

	log.Debug().Str("tool", req.Tool).Dur("took", time.Since(start)).Msg("tool call ok")
	return types.ToolResponse{
		Status:    types.StatusSuccess,
		Result:    res.Output,
		SessionID: sessionID,
	}
}

// run resolves the session and executes the command on it. A timeout or an
// engine-level failure discards the session so the next call with the same id
// starts fresh; an interpreter-level failure leaves it serving.
func (d *Dispatcher) run(ctx context.Context, sessionID, command string, timeout time.Duration) (engine.Result, error) {
	s, err := d.pool.Resolve(ctx, sessionID)
	if err != nil {
		return engine.Result{}, err
	}

	res, err := s.Execute(ctx, command, timeout)
	switch {
	case err == nil:
		d.pool.Release(s)
	case errors.Is(err, pool.ErrSessionBusy):
		// A full queue leaves the session serving its other callers.
	case errors.Is(err, pool.ErrSessionClosed):
		// The pool already dropped it.
	default:
		// Timeout, engine failure, or caller cancellation: the in-flight
		// call cannot be interrupted, only abandoned with its session.
		d.pool.NotifyFailed(s, failReason(err))
	}
	return res, err
}

func failReason(err error) string {
	switch {
	case errors.Is(err, pool.ErrTimeout):
		return "timeout"
	case errors.Is(err, pool.ErrSessionFailed):
		return "engine failure"
	default:
		return "abandoned: " + err.Error()
	}
}

// commandFor validates the request parameters and renders the interpreter
// command for the requested tool.
func (d *Dispatcher) commandFor(req types.ToolRequest) (string, error) {
	switch req.Tool {
	case types.ToolRunCommand:
		return requiredParam(req, "command")

	case types.ToolRunSelection:
		return requiredParam(req, "selection")

	case types.ToolRunFile:
		path, err := requiredParam(req, "path")
		if err != nil {
			return "", err
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrBadRequest, err)
		}
		if err := d.checkAllowed(abs); err != nil {
			return "", err
		}
		// The absolute path is passed through; the profile's run-file
		// template switches the interpreter into the script's directory so
		// relative paths inside the script resolve as the author expects.
		return d.profile.RunFileCommand(abs), nil

	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownTool, req.Tool)
	}
}

// checkAllowed matches path against the configured allowlist globs. An empty
// allowlist permits everything.
func (d *Dispatcher) checkAllowed(path string) error {
	if len(d.cfg.AllowedScripts) == 0 {
		return nil
	}
	for _, pattern := range d.cfg.AllowedScripts {
		ok, err := doublestar.PathMatch(pattern, path)
		if err != nil {
			logging.Warn().Str("pattern", pattern).Err(err).Msg("bad allowlist pattern")
			continue
		}
		if ok {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrScriptNotAllowed, path)
}

// timeoutFor picks the effective timeout: the caller's value when given,
// otherwise the per-tool default, always capped by the configured maximum.
func (d *Dispatcher) timeoutFor(req types.ToolRequest) time.Duration {
	ms := req.TimeoutMs
	if ms <= 0 {
		if req.Tool == types.ToolRunFile {
			ms = d.cfg.FileTimeoutMs
		} else {
			ms = d.cfg.CommandTimeoutMs
		}
	}
	if d.cfg.MaxTimeoutMs > 0 && ms > d.cfg.MaxTimeoutMs {
		ms = d.cfg.MaxTimeoutMs
	}
	return time.Duration(ms) * time.Millisecond
}

func (d *Dispatcher) publish(e event.Event) {
	if d.bus != nil {
		d.bus.Publish(e)
	}
}

func requiredParam(req types.ToolRequest, name string) (string, error) {
	v := req.Params[name]
	if v == "" {
		return "", fmt.Errorf("%w: missing parameter %q", ErrBadRequest, name)
	}
	return v, nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// errorResponse maps an internal error onto the documented status/message
// taxonomy. Unknown errors fall through with their own text.
func errorResponse(sessionID string, err error) types.ToolResponse {
	resp := types.ToolResponse{
		Status:    types.StatusError,
		SessionID: sessionID,
	}
	switch {
	case errors.Is(err, pool.ErrPoolExhausted):
		resp.Message = "session pool exhausted, no idle session to evict; retry later"
	case errors.Is(err, pool.ErrTimeout):
		resp.Message = "execution timed out; the session was discarded, rerun to start fresh"
	case errors.Is(err, pool.ErrSessionFailed):
		resp.Message = "interpreter process failed; the session was discarded, rerun to start fresh"
	case errors.Is(err, pool.ErrSessionBusy):
		resp.Message = "session call queue is full; retry later"
	case errors.Is(err, pool.ErrSessionClosed), errors.Is(err, pool.ErrPoolClosed):
		resp.Message = "session is closed"
	case errors.Is(err, warmup.ErrGraphicsDisabled):
		resp.Message = "graphics are disabled: interpreter warm-up failed at startup"
	default:
		resp.Message = err.Error()
	}
	return resp
}
