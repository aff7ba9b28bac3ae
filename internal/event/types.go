package event

import "github.com/statengine/statmcp/pkg/types"

// SessionCreatedData is the data for session.created events.
type SessionCreatedData struct {
	Info *types.Session `json:"info"`
}

// SessionFailedData is the data for session.failed events.
type SessionFailedData struct {
	SessionID string `json:"sessionID"`
	Reason    string `json:"reason"`
}

// SessionEvictedData is the data for session.evicted events.
type SessionEvictedData struct {
	SessionID string `json:"sessionID"`
	// Cause is "explicit", "idle", "lifetime", "lru", "failed" or "shutdown".
	Cause string `json:"cause"`
}

// ExecuteStartedData is the data for execute.started events.
type ExecuteStartedData struct {
	SessionID string `json:"sessionID"`
	RequestID string `json:"requestID"`
	Tool      string `json:"tool"`
}

// ExecuteFinishedData is the data for execute.finished events.
type ExecuteFinishedData struct {
	SessionID  string `json:"sessionID"`
	RequestID  string `json:"requestID"`
	Tool       string `json:"tool"`
	RC         int    `json:"rc"`
	DurationMs int64  `json:"durationMs"`
	Err        string `json:"error,omitempty"`
}

// WarmupFinishedData is the data for warmup.finished events.
type WarmupFinishedData struct {
	OK         bool   `json:"ok"`
	Err        string `json:"error,omitempty"`
	DurationMs int64  `json:"durationMs"`
}

// ConfigReloadedData is the data for config.reloaded events.
type ConfigReloadedData struct {
	PoolCapacity  int `json:"poolCapacity"`
	IdleTimeoutMs int `json:"idleTimeoutMs"`
}
