// Package pool manages the bounded set of live interpreter sessions.
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/statengine/statmcp/internal/engine"
	"github.com/statengine/statmcp/internal/logging"
	"github.com/statengine/statmcp/pkg/types"
)

// call is one queued execute request. reply is buffered so the worker never
// blocks delivering a result to a caller that already gave up.
type call struct {
	command string
	reply   chan callResult
}

type callResult struct {
	res engine.Result
	err error
}

// Session owns exactly one interpreter engine and serializes access to it.
// Requests are consumed by a single worker goroutine in arrival order, which
// is what gives concurrent callers FIFO semantics per session.
type Session struct {
	id        string
	profile   string
	workDir   string
	logPath   string
	createdAt time.Time

	eng   engine.Engine
	queue chan *call
	log   zerolog.Logger

	mu         sync.Mutex
	state      types.SessionState
	lastUsed   time.Time
	pending    int // queued plus in-flight calls
	failReason string
	queueDone  bool
}

func newSession(id, profile, workDir, logPath string, eng engine.Engine, queueDepth int) *Session {
	now := time.Now()
	s := &Session{
		id:        id,
		profile:   profile,
		workDir:   workDir,
		logPath:   logPath,
		createdAt: now,
		lastUsed:  now,
		eng:       eng,
		queue:     make(chan *call, queueDepth),
		state:     types.SessionIdle,
		log:       logging.Session(id),
	}
	go s.worker()
	return s
}

// worker drains the call queue one request at a time. It is the only
// goroutine that ever touches the engine.
func (s *Session) worker() {
	for c := range s.queue {
		s.mu.Lock()
		if s.state.Terminal() {
			// Session died while this call was queued; never execute it.
			s.pending--
			err := s.terminalErr()
			s.mu.Unlock()
			c.reply <- callResult{err: err}
			continue
		}
		s.state = types.SessionBusy
		s.mu.Unlock()

		res, err := s.eng.Execute(c.command)

		s.mu.Lock()
		s.pending--
		switch {
		case s.state != types.SessionBusy:
			// Abandoned mid-call (timeout or eviction). The result is
			// undefined by contract; discard it and report the failure.
			err = s.terminalErr()
		case err != nil:
			// Engine-level failure is fatal to the session.
			s.state = types.SessionFailed
			s.failReason = err.Error()
			err = fmt.Errorf("%w: %v", ErrSessionFailed, err)
		default:
			s.state = types.SessionIdle
			s.lastUsed = time.Now()
		}
		s.mu.Unlock()

		c.reply <- callResult{res: res, err: err}
	}
}

// Execute submits a command and waits for its result, at most timeout.
// Calls from concurrent goroutines complete in arrival order. On timeout the
// session is marked failed and abandoned: the interpreter call cannot be
// interrupted in place, only replaced.
func (s *Session) Execute(ctx context.Context, command string, timeout time.Duration) (engine.Result, error) {
	c := &call{command: command, reply: make(chan callResult, 1)}

	s.mu.Lock()
	if s.state.Terminal() || s.queueDone {
		err := s.terminalErr()
		s.mu.Unlock()
		return engine.Result{}, err
	}
	if s.pending >= cap(s.queue) {
		s.mu.Unlock()
		return engine.Result{}, fmt.Errorf("%w: %d calls pending", ErrSessionBusy, cap(s.queue))
	}
	s.pending++
	// Enqueue under the lock: pending < cap guarantees the send cannot
	// block, and lock order defines FIFO arrival order.
	s.queue <- c
	s.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-c.reply:
		return r.res, r.err
	case <-timer.C:
		s.fail("execute exceeded timeout")
		s.log.Warn().Dur("timeout", timeout).Msg("execute abandoned after timeout")
		return engine.Result{}, fmt.Errorf("%w after %s", ErrTimeout, timeout)
	case <-ctx.Done():
		s.fail("caller canceled mid-call")
		return engine.Result{}, ctx.Err()
	}
}

// fail marks the session failed and tears it down: the queue is closed so the
// worker drains its remaining calls and exits, and the engine is released so a
// worker blocked mid-call unblocks. Idempotent; a no-op on a terminal session.
func (s *Session) fail(reason string) {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.state = types.SessionFailed
	s.failReason = reason
	s.queueDone = true
	// Safe to close under the lock: every send sits behind a state check
	// that we just flipped.
	close(s.queue)
	s.mu.Unlock()

	// Close the engine outside the lock; killing the process can take a
	// moment.
	_ = s.eng.Close()
}

// Close evicts the session: no new calls are accepted, queued calls are
// answered with ErrSessionClosed, and the engine is released. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.queueDone {
		s.mu.Unlock()
		return nil
	}
	s.queueDone = true
	if s.state != types.SessionFailed {
		s.state = types.SessionClosed
	}
	// Safe to close here: every send happens under this lock behind a
	// state check that we just flipped.
	close(s.queue)
	s.mu.Unlock()

	return s.eng.Close()
}

// terminalErr maps a terminal state to its sentinel. Callers hold s.mu or
// tolerate staleness.
func (s *Session) terminalErr() error {
	if s.state == types.SessionFailed {
		if s.failReason != "" {
			return fmt.Errorf("%w: %s", ErrSessionFailed, s.failReason)
		}
		return ErrSessionFailed
	}
	return ErrSessionClosed
}

// ID returns the session's pool key.
func (s *Session) ID() string { return s.id }

// State returns the session's current lifecycle state.
func (s *Session) State() types.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// WorkingDir returns the session's working directory.
func (s *Session) WorkingDir() string { return s.workDir }

// LogPath returns the session's dedicated log file.
func (s *Session) LogPath() string { return s.logPath }

// Touch updates the last-used timestamp. The pool calls this on resolve and
// release so idle eviction tracks request activity, not just completions.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastUsed = time.Now()
	s.mu.Unlock()
}

// evictable reports whether the reaper or LRU eviction may take this session:
// idle with nothing queued. Busy sessions are never evicted.
func (s *Session) evictable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == types.SessionIdle && s.pending == 0
}

func (s *Session) lastUsedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUsed
}

// Snapshot returns the externally visible view of the session.
func (s *Session) Snapshot() *types.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &types.Session{
		ID:         s.id,
		State:      s.state,
		WorkingDir: s.workDir,
		LogPath:    s.logPath,
		Profile:    s.profile,
		Time: types.SessionTime{
			Created:  s.createdAt.UnixMilli(),
			LastUsed: s.lastUsed.UnixMilli(),
		},
	}
}
