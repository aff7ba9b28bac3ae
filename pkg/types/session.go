// Package types provides the core data types for the statmcp server.
package types

// SessionState describes where a session is in its lifecycle.
type SessionState string

const (
	SessionInitializing SessionState = "initializing"
	SessionIdle         SessionState = "idle"
	SessionBusy         SessionState = "busy"
	SessionFailed       SessionState = "failed"
	SessionClosed       SessionState = "closed"
)

// Session is the externally visible view of one pooled interpreter session.
type Session struct {
	ID         string       `json:"id"`
	State      SessionState `json:"state"`
	WorkingDir string       `json:"workingDir"`
	LogPath    string       `json:"logPath"`
	Profile    string       `json:"profile"`
	Time       SessionTime  `json:"time"`
}

// SessionTime contains timestamps for a session, in unix milliseconds.
type SessionTime struct {
	Created  int64 `json:"created"`
	LastUsed int64 `json:"lastUsed"`
}

// Terminal reports whether the state is one a session never leaves.
func (s SessionState) Terminal() bool {
	return s == SessionFailed || s == SessionClosed
}
