package types

// Tool names accepted by the dispatcher.
const (
	ToolRunCommand   = "run_command"
	ToolRunSelection = "run_selection"
	ToolRunFile      = "run_file"
)

// ToolRequest is one inbound tool invocation, as handed over by a transport.
type ToolRequest struct {
	Tool      string            `json:"tool"`
	Params    map[string]string `json:"parameters,omitempty"`
	SessionID string            `json:"sessionId,omitempty"`
	TimeoutMs int               `json:"timeoutMs,omitempty"`
}

// ToolResponse is the uniform result shape returned for every request.
// Status is "success" or "error"; exactly one of Result/Message is meaningful.
type ToolResponse struct {
	Status    string `json:"status"`
	Result    string `json:"result,omitempty"`
	Message   string `json:"message,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	RC        int    `json:"rc,omitempty"`
}

const (
	StatusSuccess = "success"
	StatusError   = "error"
)
