package pool

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/spf13/afero"

	"github.com/statengine/statmcp/internal/engine"
	"github.com/statengine/statmcp/internal/event"
	"github.com/statengine/statmcp/internal/logging"
	"github.com/statengine/statmcp/pkg/types"
)

// Policy drives capacity and recycling decisions.
type Policy struct {
	Capacity      int
	IdleTimeout   time.Duration
	MaxLifetime   time.Duration // 0 = unbounded
	ReapInterval  time.Duration
	QueueDepth    int
	ShutdownGrace time.Duration
}

// DefaultPolicy returns the policy used when configuration is silent.
func DefaultPolicy() Policy {
	return Policy{
		Capacity:      8,
		IdleTimeout:   30 * time.Minute,
		ReapInterval:  time.Minute,
		QueueDepth:    16,
		ShutdownGrace: 10 * time.Second,
	}
}

// Pool owns the bounded set of live sessions. All session map access and
// state-transition decisions share one lock domain, so the reaper can never
// evict a session between a resolve and its first execute.
type Pool struct {
	launcher engine.Launcher
	profile  string
	fs       afero.Fs
	root     string
	bus      *event.Bus
	rootLock *dirLock

	mu       sync.Mutex
	policy   Policy
	sessions map[string]*Session
	creating map[string]chan struct{}
	closed   bool

	stopReaper chan struct{}
	reaperDone chan struct{}
}

// Option configures a Pool.
type Option func(*Pool)

// WithFs substitutes the filesystem for working directories and logs.
func WithFs(fs afero.Fs) Option {
	return func(p *Pool) { p.fs = fs }
}

// WithRootLock makes New acquire an exclusive flock on the session root, so
// two server processes cannot share working directories or log files.
func WithRootLock() Option {
	return func(p *Pool) { p.rootLock = newDirLock(p.root) }
}

// New creates a pool writing session directories under root.
func New(launcher engine.Launcher, profile, root string, policy Policy, bus *event.Bus, opts ...Option) (*Pool, error) {
	p := &Pool{
		launcher:   launcher,
		profile:    profile,
		fs:         afero.NewOsFs(),
		root:       root,
		bus:        bus,
		policy:     policy,
		sessions:   make(map[string]*Session),
		creating:   make(map[string]chan struct{}),
		stopReaper: make(chan struct{}),
		reaperDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}

	if err := p.fs.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create session root: %w", err)
	}
	if p.rootLock != nil {
		if err := p.rootLock.TryLock(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRootLocked, err)
		}
	}

	go p.reap()
	return p, nil
}

// NewID generates a fresh session key for requests that did not name one.
func NewID() string {
	return "s-" + strings.ToLower(ulid.Make().String())
}

// Resolve returns the live session for id, creating one if the id is unknown
// or its previous session is failed/closed. Creation spawns an interpreter
// and is the most expensive operation in the system; it happens outside the
// pool lock so unrelated sessions keep executing.
func (p *Pool) Resolve(ctx context.Context, id string) (*Session, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}

		if s, ok := p.sessions[id]; ok {
			if !s.State().Terminal() {
				s.Touch()
				p.mu.Unlock()
				return s, nil
			}
			// Stale terminal entry; release its worker and re-create.
			delete(p.sessions, id)
			p.mu.Unlock()
			_ = s.Close()
			continue
		}

		if ch, ok := p.creating[id]; ok {
			// Someone else is already spawning this id; wait for them.
			p.mu.Unlock()
			select {
			case <-ch:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		victim, cause, err := p.makeRoomLocked()
		if err != nil {
			p.mu.Unlock()
			return nil, err
		}

		ch := make(chan struct{})
		p.creating[id] = ch
		p.mu.Unlock()

		if victim != nil {
			p.closeEvicted(victim, cause)
		}

		s, err := p.create(ctx, id)

		p.mu.Lock()
		delete(p.creating, id)
		close(ch)
		if err == nil {
			if p.closed {
				p.mu.Unlock()
				_ = s.Close()
				return nil, ErrPoolClosed
			}
			p.sessions[id] = s
		}
		p.mu.Unlock()

		if err != nil {
			return nil, err
		}

		p.publish(event.Event{
			Type: event.SessionCreated,
			Data: event.SessionCreatedData{Info: s.Snapshot()},
		})
		return s, nil
	}
}

// makeRoomLocked enforces |sessions| <= capacity, counting in-flight
// creations. If full it removes one session from the map and returns it with
// an eviction cause for the caller to close: a dead terminal entry when one
// exists, otherwise the least-recently-used evictable session. A Busy session
// is never chosen. Caller holds p.mu.
func (p *Pool) makeRoomLocked() (*Session, string, error) {
	if len(p.sessions)+len(p.creating) < p.policy.Capacity {
		return nil, "", nil
	}

	var victim *Session
	for _, s := range p.sessions {
		if s.State().Terminal() {
			// A failed session holds a slot but serves nothing; it is
			// always the first to go.
			delete(p.sessions, s.id)
			return s, "failed", nil
		}
		if !s.evictable() {
			continue
		}
		if victim == nil || s.lastUsedAt().Before(victim.lastUsedAt()) {
			victim = s
		}
	}
	if victim == nil {
		return nil, "", fmt.Errorf("%w: %d sessions live, none evictable", ErrPoolExhausted, len(p.sessions))
	}
	delete(p.sessions, victim.id)
	return victim, "lru", nil
}

// create spawns a fresh interpreter bound to a fresh working directory. The
// directory name carries a ULID so a re-created id never reuses the log file
// of its dead predecessor.
func (p *Pool) create(ctx context.Context, id string) (*Session, error) {
	dirName := sanitizeID(id) + "-" + strings.ToLower(ulid.Make().String())
	workDir := filepath.Join(p.root, dirName)
	logPath := filepath.Join(workDir, "session.log")

	start := time.Now()
	eng, err := p.launcher.Launch(ctx, workDir, logPath)
	if err != nil {
		return nil, fmt.Errorf("create session %s: %w", id, err)
	}

	log := logging.Session(id)
	log.Info().
		Str("workDir", workDir).
		Dur("took", time.Since(start)).
		Msg("session created")

	return newSession(id, p.profile, workDir, logPath, eng, p.policy.QueueDepth), nil
}

// Release hands a session back after a request. Sessions persist across
// requests by design; this only refreshes the idle-eviction clock.
func (p *Pool) Release(s *Session) {
	s.Touch()
}

// Evict closes the identified session explicitly, e.g. on client disconnect.
func (p *Pool) Evict(id string) error {
	p.mu.Lock()
	s, ok := p.sessions[id]
	if ok {
		delete(p.sessions, id)
	}
	p.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionClosed, id)
	}
	p.closeEvicted(s, "explicit")
	return nil
}

// NotifyFailed removes a failed session from the map so the next Resolve of
// the same id starts fresh. The dispatcher calls this after a timeout or
// engine crash.
func (p *Pool) NotifyFailed(s *Session, reason string) {
	p.mu.Lock()
	if cur, ok := p.sessions[s.id]; ok && cur == s {
		delete(p.sessions, s.id)
	}
	p.mu.Unlock()

	_ = s.Close()
	p.publish(event.Event{
		Type: event.SessionFailed,
		Data: event.SessionFailedData{SessionID: s.id, Reason: reason},
	})
}

// Get returns the live session for id without creating one.
func (p *Pool) Get(id string) (*Session, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[id]
	return s, ok
}

// List returns snapshots of all live sessions, including ids whose
// interpreter is still spawning.
func (p *Pool) List() []*types.Session {
	now := time.Now().UnixMilli()

	p.mu.Lock()
	sessions := make([]*Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		sessions = append(sessions, s)
	}
	spawning := make([]*types.Session, 0, len(p.creating))
	for id := range p.creating {
		spawning = append(spawning, &types.Session{
			ID:      id,
			State:   types.SessionInitializing,
			Profile: p.profile,
			Time:    types.SessionTime{Created: now, LastUsed: now},
		})
	}
	p.mu.Unlock()

	out := make([]*types.Session, 0, len(sessions)+len(spawning))
	for _, s := range sessions {
		out = append(out, s.Snapshot())
	}
	return append(out, spawning...)
}

// Len returns the number of live sessions.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// SetPolicy swaps recycling policy at runtime (config reload). Capacity
// reductions do not force-evict; the reaper and LRU path converge on the new
// bound as sessions go idle.
func (p *Pool) SetPolicy(policy Policy) {
	p.mu.Lock()
	p.policy = policy
	p.mu.Unlock()
}

// reap periodically evicts sessions idle past the policy threshold or older
// than the max lifetime. Busy sessions are skipped this cycle and caught on
// a later one.
func (p *Pool) reap() {
	defer close(p.reaperDone)

	for {
		p.mu.Lock()
		interval := p.policy.ReapInterval
		p.mu.Unlock()

		select {
		case <-p.stopReaper:
			return
		case <-time.After(interval):
		}

		for _, victim := range p.reapables() {
			p.closeEvicted(victim.s, victim.cause)
		}
	}
}

type reapVictim struct {
	s     *Session
	cause string
}

// reapables collects and removes expired sessions under the pool lock.
func (p *Pool) reapables() []reapVictim {
	now := time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	var victims []reapVictim
	for id, s := range p.sessions {
		if s.State().Terminal() {
			victims = append(victims, reapVictim{s, "failed"})
			delete(p.sessions, id)
			continue
		}
		if !s.evictable() {
			continue
		}
		switch {
		case p.policy.IdleTimeout > 0 && now.Sub(s.lastUsedAt()) > p.policy.IdleTimeout:
			victims = append(victims, reapVictim{s, "idle"})
			delete(p.sessions, id)
		case p.policy.MaxLifetime > 0 && now.Sub(s.createdAt) > p.policy.MaxLifetime:
			victims = append(victims, reapVictim{s, "lifetime"})
			delete(p.sessions, id)
		}
	}
	return victims
}

func (p *Pool) closeEvicted(s *Session, cause string) {
	if err := s.Close(); err != nil {
		s.log.Warn().Err(err).Msg("session close")
	}
	p.publish(event.Event{
		Type: event.SessionEvicted,
		Data: event.SessionEvictedData{SessionID: s.id, Cause: cause},
	})
}

// Shutdown stops accepting work, waits up to the policy's grace period for
// busy sessions to drain, then force-closes the rest. It returns the ids of
// sessions interrupted mid-call; their last results are undefined and the
// transport reports them failed.
func (p *Pool) Shutdown() []string {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.reaperDone
		return nil
	}
	p.closed = true
	grace := p.policy.ShutdownGrace
	p.mu.Unlock()

	close(p.stopReaper)
	<-p.reaperDone

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if p.busyCount() == 0 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	p.mu.Lock()
	remaining := make([]*Session, 0, len(p.sessions))
	for id, s := range p.sessions {
		remaining = append(remaining, s)
		delete(p.sessions, id)
	}
	p.mu.Unlock()

	var interrupted []string
	for _, s := range remaining {
		if !s.evictable() {
			interrupted = append(interrupted, s.id)
			s.log.Warn().Msg("session interrupted mid-call at shutdown")
		}
		p.closeEvicted(s, "shutdown")
	}

	if p.rootLock != nil {
		_ = p.rootLock.Unlock()
	}
	return interrupted
}

func (p *Pool) busyCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, s := range p.sessions {
		if !s.evictable() {
			n++
		}
	}
	return n
}

func (p *Pool) publish(e event.Event) {
	if p.bus != nil {
		p.bus.Publish(e)
	}
}

// sanitizeID maps a caller-supplied session key onto a safe directory prefix.
func sanitizeID(id string) string {
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "session"
	}
	return b.String()
}
