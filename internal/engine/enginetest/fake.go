// Package enginetest provides an in-process fake engine for tests.
//
// The fake understands a miniature command language that mirrors what the
// isolation and ordering tests need:
//
//	let <name> = <expr>   assign; <expr> may be "<a> * <b>" or a number
//	show <name>           print the variable's value, 0 if unset
//	sleep <duration>      block for the duration (Go syntax, e.g. 50ms)
//	fail <code>           produce a non-zero return code
//	crash                 simulate the interpreter process dying
//
// Variables live in the fake's private store, so two fakes behave like two
// isolated interpreter processes.
package enginetest

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/statengine/statmcp/internal/engine"
)

// Fake is a scriptable in-process engine.
type Fake struct {
	mu      sync.Mutex
	vars    map[string]int
	closed  bool
	crashed bool

	// ExecDelay is added to every Execute call.
	ExecDelay time.Duration

	// unblock releases Execute calls parked by "sleep forever".
	unblock chan struct{}
}

// NewFake creates an empty fake engine.
func NewFake() *Fake {
	return &Fake{
		vars:    make(map[string]int),
		unblock: make(chan struct{}),
	}
}

// Execute implements engine.Engine.
func (f *Fake) Execute(command string) (engine.Result, error) {
	if f.ExecDelay > 0 {
		time.Sleep(f.ExecDelay)
	}

	f.mu.Lock()
	if f.closed || f.crashed {
		f.mu.Unlock()
		return engine.Result{}, engine.ErrEngineClosed
	}
	f.mu.Unlock()

	fields := strings.Fields(command)
	if len(fields) == 0 {
		return engine.Result{}, nil
	}

	switch fields[0] {
	case "let":
		// let v = <expr>
		if len(fields) < 4 || fields[2] != "=" {
			return engine.Result{Output: "syntax error", RC: 198}, nil
		}
		val, err := evalExpr(fields[3:])
		if err != nil {
			return engine.Result{Output: err.Error(), RC: 198}, nil
		}
		f.mu.Lock()
		f.vars[fields[1]] = val
		f.mu.Unlock()
		return engine.Result{}, nil

	case "show":
		f.mu.Lock()
		val := f.vars[fields[1]]
		f.mu.Unlock()
		return engine.Result{Output: strconv.Itoa(val)}, nil

	case "sleep":
		if fields[1] == "forever" {
			<-f.unblock
			return engine.Result{}, engine.ErrEngineClosed
		}
		d, err := time.ParseDuration(fields[1])
		if err != nil {
			return engine.Result{Output: err.Error(), RC: 198}, nil
		}
		time.Sleep(d)
		return engine.Result{}, nil

	case "fail":
		code := 1
		if len(fields) > 1 {
			code, _ = strconv.Atoi(fields[1])
		}
		return engine.Result{Output: "failed as requested", RC: code}, nil

	case "crash":
		f.mu.Lock()
		f.crashed = true
		f.mu.Unlock()
		return engine.Result{}, fmt.Errorf("interpreter stream ended: fake crash")

	default:
		return engine.Result{Output: "ran: " + command}, nil
	}
}

// evalExpr evaluates "<a> * <b>" or a bare number.
func evalExpr(fields []string) (int, error) {
	a, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0, fmt.Errorf("not a number: %s", fields[0])
	}
	if len(fields) == 1 {
		return a, nil
	}
	if len(fields) == 3 && fields[1] == "*" {
		b, err := strconv.Atoi(fields[2])
		if err != nil {
			return 0, fmt.Errorf("not a number: %s", fields[2])
		}
		return a * b, nil
	}
	return 0, fmt.Errorf("unsupported expression")
}

// Close implements engine.Engine.
func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	close(f.unblock)
	return nil
}

// Vars returns a copy of the variable store for assertions.
func (f *Fake) Vars() map[string]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]int, len(f.vars))
	for k, v := range f.vars {
		out[k] = v
	}
	return out
}

// Launcher is an engine.Launcher handing out fresh fakes. It records every
// engine it launched, keyed by working directory.
type Launcher struct {
	mu       sync.Mutex
	launched map[string]*Fake

	// LaunchErr, when set, makes Launch fail.
	LaunchErr error

	// ExecDelay is applied to every launched fake.
	ExecDelay time.Duration

	// LaunchDelay simulates a slow interpreter spawn.
	LaunchDelay time.Duration
}

// NewLauncher creates an empty fake launcher.
func NewLauncher() *Launcher {
	return &Launcher{launched: make(map[string]*Fake)}
}

// Launch implements engine.Launcher.
func (l *Launcher) Launch(ctx context.Context, workDir, logPath string) (engine.Engine, error) {
	if l.LaunchDelay > 0 {
		select {
		case <-time.After(l.LaunchDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.LaunchErr != nil {
		return nil, l.LaunchErr
	}
	f := NewFake()
	f.ExecDelay = l.ExecDelay
	l.launched[workDir] = f
	return f, nil
}

// Launched returns how many engines this launcher handed out.
func (l *Launcher) Launched() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.launched)
}

// Get returns the fake launched for workDir, if any.
func (l *Launcher) Get(workDir string) (*Fake, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	f, ok := l.launched[workDir]
	return f, ok
}
