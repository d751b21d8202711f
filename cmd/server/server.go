package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/hashicorp/go-multierror"
	"github.com/robfig/cron/v3"

	"github.com/hyper-ai-inc/termbridge/internal/admission"
	"github.com/hyper-ai-inc/termbridge/internal/auth"
	"github.com/hyper-ai-inc/termbridge/internal/config"
	"github.com/hyper-ai-inc/termbridge/internal/execute"
	"github.com/hyper-ai-inc/termbridge/internal/fs"
	"github.com/hyper-ai-inc/termbridge/internal/metrics"
	"github.com/hyper-ai-inc/termbridge/internal/sessions"
	"github.com/hyper-ai-inc/termbridge/internal/ws"
)

// Server wires the terminal bridge's components together
type Server struct {
	cfg      config.Settings
	registry *sessions.Registry
	metrics  *metrics.Metrics
	apiGate  *auth.Gate
	wsRouter *ws.Router
	exec     *execute.Handler
	scripts  *fs.ScratchDir

	connectLimiter *admission.RateLimiter
	createLimiter  *admission.RateLimiter
	execLimiter    *admission.RateLimiter
	scriptLimiter  *admission.RateLimiter

	janitor *cron.Cron
}

// NewServer builds every component from cfg
func NewServer(cfg config.Settings) (*Server, error) {
	scripts, err := fs.NewScratchDir(cfg.ScriptDir)
	if err != nil {
		return nil, err
	}

	m := metrics.New()
	registry := sessions.NewRegistry(
		sessions.WithKillGrace(cfg.KillGrace),
		sessions.WithMetrics(m),
	)

	s := &Server{
		cfg:            cfg,
		registry:       registry,
		metrics:        m,
		scripts:        scripts,
		connectLimiter: admission.NewRateLimiter("connect", admission.Config{Window: cfg.ConnectRateWindow, Max: cfg.ConnectRateLimit}),
		createLimiter:  admission.NewRateLimiter("create", admission.Config{Window: cfg.CreateRateWindow, Max: cfg.CreateRateLimit}),
		execLimiter:    admission.NewRateLimiter("exec", admission.Config{Window: cfg.ExecRateWindow, Max: cfg.ExecRateLimit}),
		scriptLimiter:  admission.NewRateLimiter("script", admission.Config{Window: cfg.ScriptRateWindow, Max: cfg.ScriptRateLimit}),
		// The HTTP API checks the key whenever one is configured
		apiGate: auth.NewGate(cfg.APIKey != "", cfg.APIKey),
	}

	s.wsRouter = ws.NewRouter(registry, ws.Options{
		Origins:        ws.OriginPolicy{Allowed: ws.ParseOrigins(strings.Join(cfg.AllowedOrigins, ",")), Dev: cfg.Dev},
		Gate:           auth.NewGate(cfg.RequireAuth, cfg.APIKey),
		ConnectLimiter: s.connectLimiter,
		CreateLimiter:  s.createLimiter,
		DefaultShell:   cfg.Shell,
		DefaultCwd:     cfg.Cwd,
		Metrics:        m,
	})
	s.exec = execute.NewHandler(execute.Options{
		AllowedCommands: cfg.ExecAllowedCommands,
		Dir:             cfg.Cwd,
		ExecTimeout:     cfg.ExecTimeout,
		ScriptTimeout:   cfg.ScriptTimeout,
		Scripts:         scripts,
		Metrics:         m,
	})
	return s, nil
}

// Handler returns the HTTP routes
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	if s.cfg.TrustProxy {
		r.Use(chimw.RealIP)
	}
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)

	// Health check
	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", s.metrics.Handler())

	// Terminal socket
	r.Get("/terminal", s.wsRouter.HandleWebSocket)
	r.Get("/terminal/ws", s.wsRouter.HandleWebSocket)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.apiGate.RequireAuth)

		r.Get("/terminal/sessions", s.handleListSessions)
		r.With(admission.Limit(s.execLimiter, s.metrics, "exec", s.apiGate.Enabled())).
			Post("/terminal/execute", s.exec.HandleExecute)
		r.With(admission.Limit(s.scriptLimiter, s.metrics, "script", s.apiGate.Enabled())).
			Post("/scripts/run", s.exec.HandleRunScript)
	})

	return r
}

// Start launches background maintenance: rate-limit bucket sweeps and
// pruning of old scripts
func (s *Server) Start() error {
	c, err := admission.StartJanitor(s.cfg.SweepSchedule,
		s.connectLimiter, s.createLimiter, s.execLimiter, s.scriptLimiter)
	if err != nil {
		return err
	}
	if _, err := c.AddFunc(s.cfg.SweepSchedule, s.pruneScripts); err != nil {
		c.Stop()
		return fmt.Errorf("schedule script pruning: %w", err)
	}
	s.janitor = c

	for _, l := range []*admission.RateLimiter{s.connectLimiter, s.createLimiter, s.execLimiter, s.scriptLimiter} {
		lc := l.Config()
		log.Printf("[server] %s limit: %d per %s", l.Name(), lc.Max, lc.Window)
	}
	return nil
}

func (s *Server) pruneScripts() {
	if s.cfg.ScriptMaxAge <= 0 {
		return
	}
	n, err := s.scripts.Prune(s.cfg.ScriptMaxAge)
	if err != nil {
		log.Printf("[server] script prune failed: %v", err)
		return
	}
	if n > 0 {
		log.Printf("[server] pruned %d old script(s)", n)
	}
}

// Shutdown closes every terminal connection and kills every session. The
// HTTP listener must already be shut down.
func (s *Server) Shutdown(ctx context.Context) error {
	var result *multierror.Error

	if s.janitor != nil {
		<-s.janitor.Stop().Done()
	}

	closed := make(chan struct{})
	go func() {
		s.wsRouter.CloseAll()
		close(closed)
	}()
	select {
	case <-closed:
	case <-ctx.Done():
		result = multierror.Append(result, fmt.Errorf("closing connections: %w", ctx.Err()))
	}

	if err := s.registry.Shutdown(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"sessions":    s.registry.Len(),
		"connections": s.wsRouter.Len(),
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	list := s.registry.List()
	infos := make([]sessions.Info, 0, len(list))
	for _, sess := range list {
		infos = append(infos, sess.Info())
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": infos})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
