package types

// Config represents the statmcp configuration, merged from JSONC config files
// and environment overrides.
type Config struct {
	// Schema reference (for editor support)
	Schema string `json:"$schema,omitempty"`

	// Engine selects and configures the interpreter binding.
	Engine EngineConfig `json:"engine,omitempty"`

	// Pool configures session capacity and recycling.
	Pool PoolConfig `json:"pool,omitempty"`

	// Warmup configures the one-shot graphics initialization barrier.
	Warmup WarmupConfig `json:"warmup,omitempty"`

	// Dispatch configures per-tool timeouts and run_file restrictions.
	Dispatch DispatchConfig `json:"dispatch,omitempty"`

	// Server configures the HTTP transport.
	Server ServerConfig `json:"server,omitempty"`

	// Log configures structured logging.
	Log LogConfig `json:"log,omitempty"`

	// DataDir is the root under which per-session working directories and
	// log files are created. Defaults to a per-user data directory.
	DataDir string `json:"dataDir,omitempty"`
}

// EngineConfig selects the interpreter dialect profile and binary.
type EngineConfig struct {
	// Profile is the dialect profile name ("r", "octave", or one defined in
	// ProfilesFile). Required.
	Profile string `json:"profile,omitempty"`

	// Binary overrides the profile's interpreter executable path.
	Binary string `json:"binary,omitempty"`

	// ProfilesFile points at a YAML file with additional dialect profiles.
	ProfilesFile string `json:"profilesFile,omitempty"`

	// SpawnRetries bounds how many times a failed interpreter spawn is retried.
	SpawnRetries int `json:"spawnRetries,omitempty"`
}

// PoolConfig bounds the session pool and drives idle eviction.
type PoolConfig struct {
	Capacity        int `json:"capacity,omitempty"`        // max live sessions, default 8
	IdleTimeoutMs   int `json:"idleTimeoutMs,omitempty"`   // evict sessions idle longer than this
	MaxLifetimeMs   int `json:"maxLifetimeMs,omitempty"`   // evict sessions older than this, 0 = unbounded
	ReapIntervalMs  int `json:"reapIntervalMs,omitempty"`  // reaper scan period
	QueueDepth      int `json:"queueDepth,omitempty"`      // per-session pending call limit
	ShutdownGraceMs int `json:"shutdownGraceMs,omitempty"` // drain window before force close
}

// WarmupConfig controls the graphics warm-up barrier.
type WarmupConfig struct {
	// Disabled skips the warm-up entirely. The warm-up is cheap and runs
	// unconditionally by default.
	Disabled bool `json:"disabled,omitempty"`

	// Command overrides the profile's warm-up command.
	Command string `json:"command,omitempty"`

	// DisableGraphicsOnFailure rejects graphics-producing requests until
	// restart if the warm-up failed, instead of letting them through.
	DisableGraphicsOnFailure bool `json:"disableGraphicsOnFailure,omitempty"`

	// TimeoutMs bounds the warm-up call itself.
	TimeoutMs int `json:"timeoutMs,omitempty"`
}

// DispatchConfig configures per-tool defaults.
type DispatchConfig struct {
	// CommandTimeoutMs is the default timeout for run_command and run_selection.
	CommandTimeoutMs int `json:"commandTimeoutMs,omitempty"`

	// FileTimeoutMs is the default timeout for run_file; scripts are expected
	// to run longer than single commands.
	FileTimeoutMs int `json:"fileTimeoutMs,omitempty"`

	// MaxTimeoutMs caps caller-supplied timeouts.
	MaxTimeoutMs int `json:"maxTimeoutMs,omitempty"`

	// AllowedScripts is a list of doublestar globs a run_file path must match.
	// Empty means any path is allowed.
	AllowedScripts []string `json:"allowedScripts,omitempty"`
}

// ServerConfig configures the HTTP transport.
type ServerConfig struct {
	Port       int  `json:"port,omitempty"`
	EnableCORS bool `json:"enableCors,omitempty"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level  string `json:"level,omitempty"` // DEBUG|INFO|WARN|ERROR
	Pretty bool   `json:"pretty,omitempty"`
}
