package node

import (
	"encoding/json"
	"time"
)

// Status is the node's single process-wide status register value.
type Status string

// Status values reported on /state.
const (
	StatusUnknown Status = "UNKNOWN"
	StatusIdle    Status = "IDLE"
	StatusBusy    Status = "BUSY"
	StatusError   Status = "ERROR"
)

// StepStatus is the outcome reported back to the workflow engine.
type StepStatus string

// Step outcomes.
const (
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
)

// File is an uploaded file part attached to an action request.
type File struct {
	Name        string
	Filename    string
	ContentType string
	Data        []byte
}

// ActionRequest is a single "run this action" call from the workflow engine.
type ActionRequest struct {
	ID     string
	Handle string
	Vars   Vars
	Files  []File
}

// File returns the uploaded part with the given form name.
func (r ActionRequest) File(name string) (File, bool) {
	for _, f := range r.Files {
		if f.Name == name || f.Filename == name {
			return f, true
		}
	}
	return File{}, false
}

// Result is the step response returned from /action.
type Result struct {
	Status  StepStatus `json:"action_response"`
	Message string     `json:"action_msg"`
	Log     string     `json:"action_log,omitempty"`
	Path    string     `json:"path,omitempty"`

	// ProtocolHash is the digest of the protocol artifact the action ran, if any.
	ProtocolHash string `json:"-"`
}

// Succeeded builds a success result.
func Succeeded(msg string) Result {
	return Result{Status: StepSucceeded, Message: msg}
}

// Failed builds a failure result.
func Failed(msg string) Result {
	return Result{Status: StepFailed, Message: msg}
}

// Interface is the protocol name reported on /about.
const Interface = "wei_rest_node"

// About describes a node's capabilities on /about.
type About struct {
	Name          string   `json:"name"`
	Model         string   `json:"model"`
	Description   string   `json:"description"`
	Interface     string   `json:"interface"`
	Version       string   `json:"version"`
	Actions       []Action `json:"actions"`
	ResourcePools []string `json:"resource_pools"`
}

// Action is one entry of the About action list.
type Action struct {
	Name        string       `json:"name"`
	Description string       `json:"description"`
	Args        []ActionArg  `json:"args"`
	Files       []ActionFile `json:"files"`
}

// ActionArg describes a typed action argument.
type ActionArg struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Type        string `json:"type"`
	Required    bool   `json:"required"`
	Default     any    `json:"default"`
}

// ActionFile describes a file an action accepts.
type ActionFile struct {
	Name        string `json:"name"`
	Required    bool   `json:"required"`
	Description string `json:"description"`
}

// ActionRecord is the history entry persisted after each action.
type ActionRecord struct {
	ID           string          `json:"id"`
	Node         string          `json:"node"`
	Handle       string          `json:"handle"`
	Vars         json.RawMessage `json:"vars,omitempty"`
	Status       StepStatus      `json:"status"`
	Message      string          `json:"message"`
	ErrorKind    Kind            `json:"error_kind,omitempty"`
	ProtocolHash string          `json:"protocol_hash,omitempty"`
	LogPath      string          `json:"log_path,omitempty"`
	StartedAt    time.Time       `json:"started_at"`
	FinishedAt   time.Time       `json:"finished_at"`
}
