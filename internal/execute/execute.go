// Package execute serves the one-shot command and script endpoints. Each
// request runs one process to completion under a wall-clock timeout.
package execute

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/hyper-ai-inc/termbridge/internal/fs"
	"github.com/hyper-ai-inc/termbridge/internal/logutil"
	"github.com/hyper-ai-inc/termbridge/internal/metrics"
	"github.com/hyper-ai-inc/termbridge/internal/process"
)

const (
	DefaultTimeout = 30 * time.Second

	maxBodySize = 1 << 20
)

// DefaultAllowedCommands are the executables the execute endpoint accepts
var DefaultAllowedCommands = []string{"ls", "pwd", "git", "npm", "node", "echo", "cat", "mkdir", "rm", "vercel"}

// interpreter maps a script language to its file extension and runner
type interpreter struct {
	ext string
	cmd string
}

var interpreters = map[string]interpreter{
	"bash":       {ext: "sh", cmd: "bash"},
	"shell":      {ext: "sh", cmd: "sh"},
	"python":     {ext: "py", cmd: "python3"},
	"node":       {ext: "js", cmd: "node"},
	"javascript": {ext: "js", cmd: "node"},
	"typescript": {ext: "ts", cmd: "ts-node"},
}

// Options configure the one-shot endpoints
type Options struct {
	AllowedCommands []string
	Dir             string
	ExecTimeout     time.Duration
	ScriptTimeout   time.Duration
	Scripts         *fs.ScratchDir
	Metrics         *metrics.Metrics
}

// Handler serves POST /api/terminal/execute and POST /api/scripts/run
type Handler struct {
	opts    Options
	allowed map[string]bool
}

// NewHandler creates a handler, filling unset options with defaults
func NewHandler(opts Options) *Handler {
	if opts.AllowedCommands == nil {
		opts.AllowedCommands = DefaultAllowedCommands
	}
	if opts.ExecTimeout <= 0 {
		opts.ExecTimeout = DefaultTimeout
	}
	if opts.ScriptTimeout <= 0 {
		opts.ScriptTimeout = DefaultTimeout
	}
	allowed := make(map[string]bool, len(opts.AllowedCommands))
	for _, c := range opts.AllowedCommands {
		allowed[c] = true
	}
	return &Handler{opts: opts, allowed: allowed}
}

// ExecuteRequest is the execute endpoint's body
type ExecuteRequest struct {
	Command string `json:"command"`
}

// ScriptRequest is the script endpoint's body
type ScriptRequest struct {
	Script   string   `json:"script"`
	Language string   `json:"language,omitempty"`
	Args     []string `json:"args,omitempty"`
}

// RunResponse is returned by both endpoints on completion
type RunResponse struct {
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ExitCode   int    `json:"exitCode"`
	ScriptPath string `json:"scriptPath,omitempty"`
}

// HandleExecute runs an allow-listed command split on whitespace
func (h *Handler) HandleExecute(w http.ResponseWriter, r *http.Request) {
	var req ExecuteRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	fields := strings.Fields(req.Command)
	if len(fields) == 0 {
		writeError(w, http.StatusBadRequest, "Command is required")
		return
	}
	if !h.allowed[fields[0]] {
		writeError(w, http.StatusForbidden, fmt.Sprintf("Command '%s' is not allowed", fields[0]))
		return
	}

	h.run(w, r, "execute", process.RunSpec{
		Command: fields[0],
		Args:    fields[1:],
		Dir:     h.opts.Dir,
		Timeout: h.opts.ExecTimeout,
	}, "")
}

// HandleRunScript writes the script to the scratch directory and runs it
// with the language's interpreter. Unknown languages run under bash.
func (h *Handler) HandleRunScript(w http.ResponseWriter, r *http.Request) {
	var req ScriptRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Script == "" {
		writeError(w, http.StatusBadRequest, "Script is required")
		return
	}
	if h.opts.Scripts == nil {
		writeError(w, http.StatusInternalServerError, "Script execution is not configured")
		return
	}

	interp := interpreterFor(req.Language)
	path, err := h.opts.Scripts.WriteScript(interp.ext, []byte(req.Script))
	if err != nil {
		log.Printf("[execute] failed to write script: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to execute script")
		return
	}

	h.run(w, r, "script", process.RunSpec{
		Command: interp.cmd,
		Args:    append([]string{path}, req.Args...),
		Dir:     h.opts.Dir,
		Timeout: h.opts.ScriptTimeout,
	}, path)
}

// interpreterFor resolves a language name, falling back to bash
func interpreterFor(language string) interpreter {
	if i, ok := interpreters[strings.ToLower(language)]; ok {
		return i
	}
	return interpreters["bash"]
}

func (h *Handler) run(w http.ResponseWriter, r *http.Request, endpoint string, spec process.RunSpec, scriptPath string) {
	start := time.Now()
	res, err := process.Run(r.Context(), spec)
	if err != nil {
		var spawnErr *process.SpawnError
		switch {
		case errors.Is(err, process.ErrTimeout):
			h.opts.Metrics.ObserveOneShot(endpoint, "timeout", time.Since(start))
			msg := "Command execution timeout"
			if endpoint == "script" {
				msg = "Script execution timeout"
			}
			writeError(w, http.StatusRequestTimeout, msg)
		case errors.As(err, &spawnErr):
			h.opts.Metrics.ObserveOneShot(endpoint, "spawn_failed", time.Since(start))
			writeError(w, http.StatusInternalServerError, spawnErr.Err.Error())
		case errors.Is(err, context.Canceled):
			// Client went away
			h.opts.Metrics.ObserveOneShot(endpoint, "canceled", time.Since(start))
		default:
			h.opts.Metrics.ObserveOneShot(endpoint, "error", time.Since(start))
			writeError(w, http.StatusInternalServerError, "Failed to execute command")
		}
		log.Printf("[execute] %s %s failed: %v", endpoint, logutil.SanitizeForLog(spec.Command), err)
		return
	}

	h.opts.Metrics.ObserveOneShot(endpoint, "ok", res.Duration)
	writeJSON(w, http.StatusOK, RunResponse{
		Stdout:     string(res.Stdout),
		Stderr:     string(res.Stderr),
		ExitCode:   res.ExitCode,
		ScriptPath: scriptPath,
	})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	return json.NewDecoder(r.Body).Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
