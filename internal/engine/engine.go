// Package engine provides the binding to the external statistical interpreter.
//
// An Engine is one bound interpreter instance: a spawned subprocess driven
// over stdin/stdout. Execute is blocking and has no safe cancellation; the
// session layer owns serialization and abandon-on-timeout semantics.
package engine

import (
	"context"
	"errors"
	"fmt"
)

// Result is the outcome of one Execute call. RC 0 means success; any
// non-zero value is a domain-specific error code surfaced to the caller.
type Result struct {
	Output string
	RC     int
}

// Engine is one bound instance of the external interpreter.
// Implementations are not safe for concurrent use; exactly one session owns
// an Engine for its whole lifetime.
type Engine interface {
	// Execute runs one command and returns its captured output and return
	// code. It blocks for the full duration of the interpreter computation.
	// A returned error means the engine itself is unusable (process died,
	// pipe broke); a non-zero RC does not produce an error here.
	Execute(command string) (Result, error)

	// Close terminates the engine, releasing the underlying process.
	// Safe to call concurrently with a blocked Execute; the Execute call
	// returns an error once the process is gone.
	Close() error
}

// Launcher spawns engines bound to a working directory and log file.
type Launcher interface {
	Launch(ctx context.Context, workDir, logPath string) (Engine, error)
}

// ErrEngineClosed is returned by Execute after Close.
var ErrEngineClosed = errors.New("engine closed")

// ErrSpawnFailed is returned when the interpreter process could not be
// started after all retries.
var ErrSpawnFailed = errors.New("interpreter spawn failed")

// InterpreterError carries a non-zero return code from the interpreter.
// It is recoverable at the session level: the session stays usable.
type InterpreterError struct {
	Code   int
	Output string
}

func (e *InterpreterError) Error() string {
	return fmt.Sprintf("interpreter returned code %d", e.Code)
}

// AsInterpreterError reports whether err is an InterpreterError and returns it.
func AsInterpreterError(err error) (*InterpreterError, bool) {
	var ie *InterpreterError
	if errors.As(err, &ie) {
		return ie, true
	}
	return nil, false
}
