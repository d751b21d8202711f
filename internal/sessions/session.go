package sessions

import (
	"sync"
	"time"

	"github.com/hyper-ai-inc/termbridge/internal/process"
)

// State represents a session's lifecycle state
type State string

const (
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateExited   State = "exited"
	StateKilled   State = "killed"
)

// Session is one spawned shell bound to one connection
type Session struct {
	ID           string
	ConnectionID string
	Shell        string
	Cwd          string
	CreatedAt    time.Time

	mu    sync.RWMutex
	state State
	proc  *process.Process
}

// Info is the JSON view of a session
type Info struct {
	TerminalID   string    `json:"terminalId"`
	ConnectionID string    `json:"connectionId"`
	Shell        string    `json:"shell"`
	Cwd          string    `json:"cwd"`
	State        State     `json:"state"`
	CreatedAt    time.Time `json:"createdAt"`
	PID          int       `json:"pid,omitempty"`
}

// State returns the session's current state
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Process returns the supervised process, nil while starting
func (s *Session) Process() *process.Process {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.proc
}

// Running reports whether the underlying process is alive and accepting input
func (s *Session) Running() bool {
	p := s.Process()
	return p != nil && p.Running()
}

// Write forwards input to the process; dropped if it is not running
func (s *Session) Write(data []byte) bool {
	p := s.Process()
	if p == nil {
		return false
	}
	return p.Write(data)
}

// Kill terminates the process. Returns false if it was not running.
func (s *Session) Kill() bool {
	s.mu.Lock()
	p := s.proc
	if s.state == StateStarting || s.state == StateRunning {
		s.state = StateKilled
	}
	s.mu.Unlock()

	if p == nil {
		return false
	}
	return p.Kill()
}

// Info returns a snapshot for listing
func (s *Session) Info() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info := Info{
		TerminalID:   s.ID,
		ConnectionID: s.ConnectionID,
		Shell:        s.Shell,
		Cwd:          s.Cwd,
		State:        s.state,
		CreatedAt:    s.CreatedAt,
	}
	if s.proc != nil {
		info.PID = s.proc.Pid()
	}
	return info
}

// attach binds the spawned process. It reports false if the session was
// killed while starting, in which case the caller must kill p.
func (s *Session) attach(p *process.Process) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.proc = p
	switch s.state {
	case StateStarting:
		s.state = StateRunning
	case StateKilled:
		return false
	}
	return true
}

func (s *Session) markExited() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateKilled {
		s.state = StateExited
	}
}
