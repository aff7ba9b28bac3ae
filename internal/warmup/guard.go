// Package warmup provides the one-shot initialization barrier for the
// interpreter's graphics subsystem.
//
// The embedded graphics runtime does lazy global setup on first use. If that
// first use happens concurrently from several threads, or off the designated
// initialization thread, the process can crash outright. The Guard runs one
// synchronous graphics-producing warm-up on a locked OS thread before the
// dispatcher opens; after that the initialized runtime is safe from any
// thread and no per-call locking is needed.
package warmup

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/statengine/statmcp/internal/engine"
	"github.com/statengine/statmcp/internal/logging"
)

// State is the guard's lifecycle position. It advances exactly once:
// NotStarted -> Running -> Done|Failed.
type State int

const (
	NotStarted State = iota
	Running
	Done
	Failed
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not-started"
	case Running:
		return "running"
	case Done:
		return "done"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// ErrGraphicsDisabled is returned to graphics-producing requests when the
// warm-up failed and policy disables graphics until restart.
var ErrGraphicsDisabled = errors.New("graphics disabled: initialization warm-up failed")

// Guard is the process-wide barrier. Completion is observed through a closed
// channel, so the Running -> Done transition is a full synchronization point
// for every waiting goroutine, not a best-effort flag.
type Guard struct {
	mu      sync.Mutex
	state   State
	err     error
	started bool
	done    chan struct{}

	disableGraphicsOnFailure bool
}

// NewGuard creates a guard. If disableGraphicsOnFailure is set, a failed
// warm-up makes GraphicsAllowed return false until process restart.
func NewGuard(disableGraphicsOnFailure bool) *Guard {
	return &Guard{
		done:                     make(chan struct{}),
		disableGraphicsOnFailure: disableGraphicsOnFailure,
	}
}

// Run executes fn exactly once, on a goroutine pinned to its OS thread, and
// blocks until the warm-up finishes or ctx expires. Concurrent and repeated
// calls never re-run fn; they wait on the same barrier and observe the same
// recorded outcome. The returned error reflects the warm-up result; ctx
// expiry returns ctx.Err() while the warm-up keeps running to completion.
func (g *Guard) Run(ctx context.Context, fn func() error) error {
	g.mu.Lock()
	if !g.started {
		g.started = true
		g.state = Running
		go func() {
			// The graphics runtime binds global state to the first thread
			// that touches it. Pin the warm-up to one thread so that first
			// touch is deterministic.
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()

			err := fn()

			g.mu.Lock()
			g.err = err
			if err != nil {
				g.state = Failed
			} else {
				g.state = Done
			}
			g.mu.Unlock()
			close(g.done)
		}()
	}
	g.mu.Unlock()

	return g.Wait(ctx)
}

// Wait blocks until the warm-up completes (in either direction) or ctx
// expires, returning the recorded warm-up error.
func (g *Guard) Wait(ctx context.Context) error {
	select {
	case <-g.done:
		g.mu.Lock()
		defer g.mu.Unlock()
		return g.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns the guard's current state.
func (g *Guard) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// GraphicsAllowed reports whether graphics-producing requests may proceed.
// True once the warm-up succeeded, and also after a failed warm-up unless
// policy says otherwise. False while the barrier has not completed.
func (g *Guard) GraphicsAllowed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	switch g.state {
	case Done:
		return true
	case Failed:
		return !g.disableGraphicsOnFailure
	default:
		return false
	}
}

// EngineWarmup returns the warm-up operation for an interpreter launcher:
// spawn a scratch engine in scratchDir, run the graphics command, tear the
// engine down. A non-zero return code counts as failure.
func EngineWarmup(launcher engine.Launcher, scratchDir, logPath, command string, timeout time.Duration) func() error {
	return func() error {
		start := time.Now()
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		eng, err := launcher.Launch(ctx, scratchDir, logPath)
		if err != nil {
			return fmt.Errorf("warm-up spawn: %w", err)
		}
		defer eng.Close()

		res, err := eng.Execute(command)
		if err != nil {
			return fmt.Errorf("warm-up execute: %w", err)
		}
		if res.RC != 0 {
			return fmt.Errorf("warm-up command returned code %d", res.RC)
		}

		logging.Info().
			Dur("took", time.Since(start)).
			Msg("graphics warm-up complete")
		return nil
	}
}
