package bridge

import (
	"errors"
	"runtime"
)

// Inbound events
const (
	EventCreateTerminal = "create-terminal"
	EventTerminalInput  = "terminal-input"
	EventTerminalResize = "terminal-resize"
	EventKillTerminal   = "kill-terminal"
)

// Outbound events
const (
	EventTerminalCreated = "terminal-created"
	EventTerminalOutput  = "terminal-output"
	EventTerminalExit    = "terminal-exit"
	EventTerminalError   = "terminal-error"
	EventTerminalResized = "terminal-resized"
	EventTerminalKilled  = "terminal-killed"
)

// Error codes carried by terminal-error
const (
	CodeSpawnFailed    = "SPAWN_FAILED"
	CodeRateLimited    = "RATE_LIMITED"
	CodeTerminalExists = "TERMINAL_EXISTS"
	CodeInvalidRequest = "INVALID_REQUEST"
)

// ErrTerminalExists is returned when a connection already owns a live terminal
var ErrTerminalExists = errors.New("terminal already exists for this connection")

// CreateRequest is the create-terminal payload
type CreateRequest struct {
	Shell string `json:"shell,omitempty"`
	Cwd   string `json:"cwd,omitempty"`
}

// ResizeRequest is the terminal-resize payload and its acknowledgement
type ResizeRequest struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

// Created is the terminal-created payload
type Created struct {
	TerminalID string `json:"terminalId"`
	Shell      string `json:"shell"`
	Cwd        string `json:"cwd"`
	Platform   string `json:"platform"`
	Arch       string `json:"arch"`
}

// Exit is the terminal-exit payload
type Exit struct {
	Code int `json:"code"`
}

// Killed is the terminal-killed payload
type Killed struct {
	TerminalID string `json:"terminalId"`
}

// ErrorPayload is the terminal-error payload
type ErrorPayload struct {
	Message    string `json:"message"`
	Code       string `json:"code,omitempty"`
	RetryAfter int    `json:"retryAfter,omitempty"`
}

// Platform reports the host OS the way browser clients expect it
func Platform() string {
	if runtime.GOOS == "windows" {
		return "win32"
	}
	return runtime.GOOS
}

// Arch reports the host architecture the way browser clients expect it
func Arch() string {
	switch runtime.GOARCH {
	case "amd64":
		return "x64"
	case "386":
		return "ia32"
	default:
		return runtime.GOARCH
	}
}
