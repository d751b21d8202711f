// Package bridge implements the per-connection terminal state machine.
//
// A Handler owns at most one shell session for one client connection. It is
// transport-agnostic: inbound events arrive through HandleEvent and
// HandleInput, and everything sent to the client goes through an Emitter.
// Process output and exit notifications are serialized with inbound events
// by the handler's mutex, so the client always sees terminal-created before
// any output and output before terminal-exit.
package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/hyper-ai-inc/termbridge/internal/admission"
	"github.com/hyper-ai-inc/termbridge/internal/logutil"
	"github.com/hyper-ai-inc/termbridge/internal/metrics"
	"github.com/hyper-ai-inc/termbridge/internal/sessions"
)

// State is the connection's lifecycle state
type State string

const (
	StateIdle     State = "idle"
	StateCreating State = "creating"
	StateActive   State = "active"
	StateClosing  State = "closing"
	StateClosed   State = "closed"
)

// Emitter delivers events to the connection's client
type Emitter interface {
	// Emit sends a named event with a JSON-encodable payload
	Emit(event string, payload any) error

	// EmitOutput sends raw terminal output bytes
	EmitOutput(data []byte) error
}

// Config carries the per-connection settings a Handler needs
type Config struct {
	ConnectionID string

	// Identity keys the create limiter, see admission.Identity
	Identity string

	DefaultShell string
	DefaultCwd   string

	// CreateLimiter gates create-terminal; nil disables it
	CreateLimiter *admission.RateLimiter

	Metrics *metrics.Metrics
}

// Handler is the state machine for one connection
type Handler struct {
	registry *sessions.Registry
	emitter  Emitter
	cfg      Config

	mu      sync.Mutex
	state   State
	session *sessions.Session
	// gen identifies the current spawn so late callbacks from a killed
	// process are ignored
	gen uint64
}

// NewHandler creates a handler in the Idle state
func NewHandler(registry *sessions.Registry, emitter Emitter, cfg Config) *Handler {
	return &Handler{
		registry: registry,
		emitter:  emitter,
		cfg:      cfg,
		state:    StateIdle,
	}
}

// State returns the current state
func (h *Handler) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// TerminalID returns the active session id, or "" when there is none
func (h *Handler) TerminalID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.session == nil {
		return ""
	}
	return h.session.ID
}

// HandleEvent dispatches one inbound event. Events after Closed are ignored.
func (h *Handler) HandleEvent(event string, data json.RawMessage) {
	switch event {
	case EventCreateTerminal:
		var req CreateRequest
		if len(data) > 0 && string(data) != "null" {
			if err := json.Unmarshal(data, &req); err != nil {
				h.emitError(ErrorPayload{Message: "invalid create-terminal payload", Code: CodeInvalidRequest})
				return
			}
		}
		h.CreateTerminal(req)

	case EventTerminalInput:
		var text string
		if err := json.Unmarshal(data, &text); err != nil {
			// Not a JSON string; forward the raw payload
			h.HandleInput(data)
			return
		}
		h.HandleInput([]byte(text))

	case EventTerminalResize:
		var req ResizeRequest
		if err := json.Unmarshal(data, &req); err != nil {
			h.emitError(ErrorPayload{Message: "invalid terminal-resize payload", Code: CodeInvalidRequest})
			return
		}
		h.Resize(req)

	case EventKillTerminal:
		h.Kill()

	default:
		log.Printf("[bridge] connection %s: unknown event %q", h.cfg.ConnectionID, logutil.SanitizeForLog(logutil.Truncate(event, 64)))
		h.emitError(ErrorPayload{Message: fmt.Sprintf("unknown event %q", logutil.Truncate(event, 64)), Code: CodeInvalidRequest})
	}
}

// CreateTerminal spawns the connection's shell. A second create while a
// terminal is active is rejected with TERMINAL_EXISTS.
func (h *Handler) CreateTerminal(req CreateRequest) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch h.state {
	case StateClosing, StateClosed:
		return nil
	case StateActive, StateCreating:
		h.emitErrorLocked(ErrorPayload{Message: ErrTerminalExists.Error(), Code: CodeTerminalExists})
		return ErrTerminalExists
	}

	if h.cfg.CreateLimiter != nil {
		if err := h.cfg.CreateLimiter.Allow(h.cfg.Identity); err != nil {
			var rlErr *admission.RateLimitError
			if errors.As(err, &rlErr) {
				h.cfg.Metrics.Rejected("create")
				h.emitErrorLocked(ErrorPayload{
					Message:    fmt.Sprintf("Too many terminals created. Please try again in %d seconds.", rlErr.RetryAfterSeconds()),
					Code:       CodeRateLimited,
					RetryAfter: rlErr.RetryAfterSeconds(),
				})
			}
			return err
		}
	}

	shell := req.Shell
	if shell == "" {
		shell = h.cfg.DefaultShell
	}
	cwd := req.Cwd
	if cwd == "" {
		cwd = h.cfg.DefaultCwd
	}

	h.state = StateCreating
	h.gen++
	gen := h.gen

	s, err := h.registry.Create(h.cfg.ConnectionID, shell, cwd, sessions.Hooks{
		OnOutput: func(data []byte) { h.onOutput(gen, data) },
		OnExit:   func(code int) { h.onExit(gen, code) },
	})
	if err != nil {
		h.state = StateIdle
		h.emitErrorLocked(ErrorPayload{Message: fmt.Sprintf("Failed to create terminal: %v", err), Code: CodeSpawnFailed})
		return err
	}

	h.session = s
	h.state = StateActive
	log.Printf("[bridge] connection %s: terminal %s created", h.cfg.ConnectionID, s.ID)

	h.emitLocked(EventTerminalCreated, Created{
		TerminalID: s.ID,
		Shell:      shell,
		Cwd:        cwd,
		Platform:   Platform(),
		Arch:       Arch(),
	})
	return nil
}

// HandleInput forwards bytes to the active shell. Input with no running
// shell is dropped.
func (h *Handler) HandleInput(data []byte) {
	h.mu.Lock()
	s := h.session
	active := h.state == StateActive
	h.mu.Unlock()

	if !active || s == nil {
		return
	}
	s.Write(data)
}

// Resize acknowledges a resize request. No PTY is attached so the shell is
// not actually resized.
func (h *Handler) Resize(req ResizeRequest) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != StateActive || req.Cols <= 0 || req.Rows <= 0 {
		return
	}
	h.emitLocked(EventTerminalResized, req)
}

// Kill terminates the active shell. It is a no-op when none is running.
func (h *Handler) Kill() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != StateActive || h.session == nil {
		return
	}
	s := h.session
	s.Kill()
	h.registry.Remove(s.ID)
	h.session = nil
	h.state = StateIdle

	log.Printf("[bridge] connection %s: terminal %s killed", h.cfg.ConnectionID, s.ID)
	h.emitLocked(EventTerminalKilled, Killed{TerminalID: s.ID})
}

// Disconnect tears the connection down from any state. Its shell is killed
// and unregistered; nothing is emitted.
func (h *Handler) Disconnect() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state == StateClosed {
		return
	}
	h.state = StateClosing
	if s := h.session; s != nil {
		s.Kill()
		h.registry.Remove(s.ID)
		h.session = nil
		log.Printf("[bridge] connection %s: terminal %s killed on disconnect", h.cfg.ConnectionID, s.ID)
	}
	h.state = StateClosed
}

func (h *Handler) onOutput(gen uint64, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if gen != h.gen || h.state != StateActive {
		return
	}
	if err := h.emitter.EmitOutput(data); err != nil {
		log.Printf("[bridge] connection %s: output dropped: %v", h.cfg.ConnectionID, err)
	}
}

func (h *Handler) onExit(gen uint64, code int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	// Killed or superseded
	if gen != h.gen || h.state != StateActive {
		return
	}
	id := ""
	if h.session != nil {
		id = h.session.ID
	}
	h.session = nil
	h.state = StateIdle

	log.Printf("[bridge] connection %s: terminal %s exited with code %d", h.cfg.ConnectionID, id, code)
	h.emitLocked(EventTerminalExit, Exit{Code: code})
}

func (h *Handler) emitError(p ErrorPayload) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == StateClosed {
		return
	}
	h.emitErrorLocked(p)
}

func (h *Handler) emitErrorLocked(p ErrorPayload) {
	h.emitLocked(EventTerminalError, p)
}

// emitLocked sends an event; caller must hold h.mu
func (h *Handler) emitLocked(event string, payload any) {
	if err := h.emitter.Emit(event, payload); err != nil {
		log.Printf("[bridge] connection %s: emit %s failed: %v", h.cfg.ConnectionID, event, err)
	}
}
