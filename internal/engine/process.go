package engine

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/statengine/statmcp/internal/logging"
)

const (
	// markerPrefix starts every end-of-output token written by Execute.
	markerPrefix = "---statmcp-done-"

	// quitGrace is how long Close waits for a clean interpreter exit before
	// killing the process group.
	quitGrace = 2 * time.Second

	// sigkillDelay separates SIGTERM from SIGKILL during a forced close.
	sigkillDelay = 200 * time.Millisecond
)

// ProcessLauncher spawns interpreter subprocesses according to a dialect
// profile. Launch failures caused by a slow-starting runtime are retried
// with exponential backoff.
type ProcessLauncher struct {
	profile Profile
	binary  string
	retries int
	fs      afero.Fs
}

// LauncherOption configures a ProcessLauncher.
type LauncherOption func(*ProcessLauncher)

// WithBinary overrides the profile's interpreter executable.
func WithBinary(path string) LauncherOption {
	return func(l *ProcessLauncher) {
		if path != "" {
			l.binary = path
		}
	}
}

// WithSpawnRetries bounds spawn retries.
func WithSpawnRetries(n int) LauncherOption {
	return func(l *ProcessLauncher) {
		if n > 0 {
			l.retries = n
		}
	}
}

// WithFs substitutes the filesystem used for working directories and log
// files. Tests use afero.NewMemMapFs.
func WithFs(fs afero.Fs) LauncherOption {
	return func(l *ProcessLauncher) {
		l.fs = fs
	}
}

// NewLauncher creates a launcher for the given profile.
func NewLauncher(profile Profile, opts ...LauncherOption) (*ProcessLauncher, error) {
	if err := profile.compile(); err != nil {
		return nil, err
	}
	l := &ProcessLauncher{
		profile: profile,
		retries: 3,
		fs:      afero.NewOsFs(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Launch spawns a fresh interpreter bound to workDir, appending all captured
// output to logPath. The working directory and log file are created if absent.
func (l *ProcessLauncher) Launch(ctx context.Context, workDir, logPath string) (Engine, error) {
	if err := l.fs.MkdirAll(workDir, 0755); err != nil {
		return nil, fmt.Errorf("create working directory: %w", err)
	}
	if err := l.fs.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	logFile, err := l.fs.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open session log: %w", err)
	}

	var proc *process
	spawn := func() error {
		p, err := l.spawn(ctx, workDir, logFile)
		if err != nil {
			return err
		}
		proc = p
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(l.retries)),
		ctx,
	)
	if err := backoff.Retry(spawn, policy); err != nil {
		logFile.Close()
		return nil, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}
	return proc, nil
}

func (l *ProcessLauncher) spawn(ctx context.Context, workDir string, logFile afero.File) (*process, error) {
	argv := append([]string(nil), l.profile.Command...)
	if l.binary != "" {
		argv[0] = l.binary
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = workDir
	cmd.Env = os.Environ()

	// Process group so a forced close takes child processes with it.
	if runtime.GOOS != "windows" {
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}

	// One pipe for both streams: the interpreter interleaves diagnostics with
	// results and the capture must preserve that order.
	pr, pw, err := os.Pipe()
	if err != nil {
		stdin.Close()
		return nil, err
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		stdin.Close()
		pr.Close()
		pw.Close()
		return nil, err
	}
	// Parent keeps only the read end.
	pw.Close()

	logging.Debug().
		Str("profile", l.profile.Name).
		Int("pid", cmd.Process.Pid).
		Str("workDir", workDir).
		Msg("interpreter spawned")

	return &process{
		profile: l.profile,
		cmd:     cmd,
		stdin:   stdin,
		out:     bufio.NewReader(pr),
		log:     logFile,
	}, nil
}

// process is a live interpreter subprocess. The owning session serializes
// Execute; only Close may be called concurrently.
type process struct {
	profile Profile
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	out     *bufio.Reader
	log     afero.File

	mu     sync.Mutex // guards closed
	closed bool
}

// Execute writes the command and a marker echo to the interpreter, then reads
// captured output until the marker appears. Everything captured is appended
// to the session log before the call returns.
func (p *process) Execute(command string) (Result, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return Result{}, ErrEngineClosed
	}
	p.mu.Unlock()

	token := markerPrefix + uuid.NewString()

	if _, err := io.WriteString(p.stdin, command+"\n"); err != nil {
		return Result{}, fmt.Errorf("write command: %w", err)
	}
	if _, err := io.WriteString(p.stdin, p.profile.MarkerCommand(token)+"\n"); err != nil {
		return Result{}, fmt.Errorf("write marker: %w", err)
	}

	output, err := readUntilMarker(p.out, token, p.log)
	if err != nil {
		return Result{}, err
	}

	return Result{Output: output, RC: p.profile.DetectRC(output)}, nil
}

// readUntilMarker consumes lines until the marker token, teeing every
// captured line into the session log.
func readUntilMarker(r *bufio.Reader, token string, log io.Writer) (string, error) {
	var buf strings.Builder
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			// EOF mid-command means the interpreter died underneath us.
			return "", fmt.Errorf("interpreter stream ended: %w", err)
		}
		if strings.Contains(line, token) {
			return strings.TrimRight(buf.String(), "\n"), nil
		}
		buf.WriteString(line)
		if log != nil {
			_, _ = io.WriteString(log, line)
		}
	}
}

// Close asks the interpreter to quit, waits briefly, then kills the process
// group. Idempotent. A concurrent blocked Execute unblocks with an error once
// the stream closes.
func (p *process) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	if p.profile.Quit != "" {
		_, _ = io.WriteString(p.stdin, p.profile.Quit+"\n")
	}
	p.stdin.Close()

	done := make(chan error, 1)
	go func() { done <- p.cmd.Wait() }()

	select {
	case <-done:
	case <-time.After(quitGrace):
		p.kill()
		<-done
	}

	return p.log.Close()
}

// kill terminates the process group, SIGTERM first, then SIGKILL.
func (p *process) kill() {
	if p.cmd.Process == nil {
		return
	}
	pid := p.cmd.Process.Pid
	if runtime.GOOS != "windows" {
		_ = syscall.Kill(-pid, syscall.SIGTERM)
		time.Sleep(sigkillDelay)
		_ = syscall.Kill(-pid, syscall.SIGKILL)
		return
	}
	_ = p.cmd.Process.Kill()
}
