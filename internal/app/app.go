// Package app wires configuration, the session pool, the warm-up guard and
// the dispatcher into one startable unit shared by every transport.
package app

import (
	"context"
	"path/filepath"
	"time"

	"github.com/statengine/statmcp/internal/config"
	"github.com/statengine/statmcp/internal/dispatch"
	"github.com/statengine/statmcp/internal/engine"
	"github.com/statengine/statmcp/internal/event"
	"github.com/statengine/statmcp/internal/logging"
	"github.com/statengine/statmcp/internal/pool"
	"github.com/statengine/statmcp/internal/warmup"
	"github.com/statengine/statmcp/pkg/types"
)

// App is the assembled core. Transports hold the Dispatcher; everything else
// is owned here and torn down by Shutdown.
type App struct {
	Config     *types.Config
	Profile    engine.Profile
	Bus        *event.Bus
	Pool       *pool.Pool
	Guard      *warmup.Guard
	Dispatcher *dispatch.Dispatcher

	watcher *config.Watcher
}

// New builds the core in dependency order: configuration, logging, event
// bus, interpreter launcher, pool, warm-up guard, dispatcher. The warm-up
// runs to completion (success or recorded failure) before New returns, so
// the dispatcher never opens for traffic with the guard still pending.
func New(ctx context.Context, directory string) (*App, error) {
	cfg, err := config.Load(directory)
	if err != nil {
		return nil, err
	}

	logging.Init(logging.Config{
		Level:  logging.ParseLevel(cfg.Log.Level),
		Pretty: cfg.Log.Pretty,
	})

	paths := config.GetPaths()
	if err := paths.EnsurePaths(); err != nil {
		return nil, err
	}
	sessionRoot := cfg.DataDir
	if sessionRoot == "" {
		sessionRoot = paths.SessionsPath()
	}

	profile, err := engine.ResolveProfile(cfg.Engine.Profile, cfg.Engine.ProfilesFile)
	if err != nil {
		return nil, err
	}

	launcher, err := engine.NewLauncher(profile,
		engine.WithBinary(cfg.Engine.Binary),
		engine.WithSpawnRetries(cfg.Engine.SpawnRetries),
	)
	if err != nil {
		return nil, err
	}

	bus := event.NewBus()

	p, err := pool.New(launcher, profile.Name, sessionRoot, poolPolicy(cfg.Pool), bus,
		pool.WithRootLock())
	if err != nil {
		bus.Close()
		return nil, err
	}

	a := &App{
		Config:  cfg,
		Profile: profile,
		Bus:     bus,
		Pool:    p,
		Guard:   warmup.NewGuard(cfg.Warmup.DisableGraphicsOnFailure),
	}

	a.runWarmup(ctx, launcher, sessionRoot)

	a.Dispatcher = dispatch.New(p, a.Guard, profile, cfg.Dispatch, bus)

	a.watchConfig(directory)

	return a, nil
}

// runWarmup drives the one-shot initialization barrier. A failed warm-up is
// logged and published, never fatal to startup.
func (a *App) runWarmup(ctx context.Context, launcher engine.Launcher, sessionRoot string) {
	if a.Config.Warmup.Disabled {
		logging.Warn().Msg("graphics warm-up disabled by configuration")
		_ = a.Guard.Run(ctx, func() error { return nil })
		return
	}

	command := a.Config.Warmup.Command
	if command == "" {
		command = a.Profile.Warmup
	}
	timeout := time.Duration(a.Config.Warmup.TimeoutMs) * time.Millisecond

	scratchDir := filepath.Join(sessionRoot, "warmup")
	logPath := filepath.Join(scratchDir, "warmup.log")

	start := time.Now()
	err := a.Guard.Run(ctx, warmup.EngineWarmup(launcher, scratchDir, logPath, command, timeout))
	if err != nil {
		logging.Error().Err(err).Msg("graphics warm-up failed; continuing without it")
	}

	a.Bus.Publish(event.Event{
		Type: event.WarmupFinished,
		Data: event.WarmupFinishedData{
			OK:         err == nil,
			Err:        errString(err),
			DurationMs: time.Since(start).Milliseconds(),
		},
	})
}

// watchConfig reloads pool policy when the project configuration changes.
func (a *App) watchConfig(directory string) {
	w, err := config.NewWatcher(directory, func(cfg *types.Config) {
		a.Pool.SetPolicy(poolPolicy(cfg.Pool))
		a.Bus.Publish(event.Event{
			Type: event.ConfigReloaded,
			Data: event.ConfigReloadedData{
				PoolCapacity:  cfg.Pool.Capacity,
				IdleTimeoutMs: cfg.Pool.IdleTimeoutMs,
			},
		})
		logging.Info().Int("capacity", cfg.Pool.Capacity).Msg("pool policy reloaded")
	})
	if err != nil {
		logging.Warn().Err(err).Msg("config watcher unavailable")
		return
	}
	if w == nil {
		// No project config file to watch.
		return
	}
	w.Start()
	a.watcher = w
}

// Shutdown tears the core down: stop watching config, drain and close the
// pool, then close the bus. It returns the ids of sessions interrupted
// mid-call; their in-flight results are undefined.
func (a *App) Shutdown() []string {
	if a.watcher != nil {
		a.watcher.Stop()
	}

	interrupted := a.Pool.Shutdown()
	for _, id := range interrupted {
		logging.Warn().Str("session", id).Msg("session interrupted at shutdown")
	}

	_ = a.Bus.Close()
	return interrupted
}

// poolPolicy maps configuration onto the pool's recycling policy.
func poolPolicy(cfg types.PoolConfig) pool.Policy {
	policy := pool.DefaultPolicy()
	if cfg.Capacity > 0 {
		policy.Capacity = cfg.Capacity
	}
	if cfg.IdleTimeoutMs > 0 {
		policy.IdleTimeout = time.Duration(cfg.IdleTimeoutMs) * time.Millisecond
	}
	if cfg.MaxLifetimeMs > 0 {
		policy.MaxLifetime = time.Duration(cfg.MaxLifetimeMs) * time.Millisecond
	}
	if cfg.ReapIntervalMs > 0 {
		policy.ReapInterval = time.Duration(cfg.ReapIntervalMs) * time.Millisecond
	}
	if cfg.QueueDepth > 0 {
		policy.QueueDepth = cfg.QueueDepth
	}
	if cfg.ShutdownGraceMs > 0 {
		policy.ShutdownGrace = time.Duration(cfg.ShutdownGraceMs) * time.Millisecond
	}
	return policy
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
