package pool

import "errors"

// ErrPoolExhausted is returned when the pool is at capacity and no idle
// session can be evicted to make room. Recoverable: callers may retry later.
var ErrPoolExhausted = errors.New("session pool exhausted")

// ErrPoolClosed is returned once the pool has begun shutdown.
var ErrPoolClosed = errors.New("session pool closed")

// ErrSessionFailed is returned when a session's interpreter crashed or was
// abandoned after a timeout. The session is discarded; resolving the same id
// again yields a fresh one.
var ErrSessionFailed = errors.New("session failed")

// ErrSessionClosed is returned for calls against an evicted session.
var ErrSessionClosed = errors.New("session closed")

// ErrSessionBusy is returned when a session's pending-call queue is full.
var ErrSessionBusy = errors.New("session queue full")

// ErrTimeout is returned when an execute call exceeds its deadline. The
// underlying interpreter call cannot be interrupted safely, so the session is
// marked failed and abandoned.
var ErrTimeout = errors.New("execute timed out")

// ErrRootLocked is returned when another server instance already owns the
// session data directory.
var ErrRootLocked = errors.New("session directory locked by another process")
