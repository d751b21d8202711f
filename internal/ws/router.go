package ws

import (
	"errors"
	"log"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/hyper-ai-inc/termbridge/internal/admission"
	"github.com/hyper-ai-inc/termbridge/internal/auth"
	"github.com/hyper-ai-inc/termbridge/internal/bridge"
	"github.com/hyper-ai-inc/termbridge/internal/logutil"
	"github.com/hyper-ai-inc/termbridge/internal/metrics"
	"github.com/hyper-ai-inc/termbridge/internal/sessions"
)

// Options configure the terminal socket endpoint
type Options struct {
	Origins OriginPolicy
	Gate    *auth.Gate

	// ConnectLimiter is keyed by client address; CreateLimiter by identity.
	// Nil disables the limit.
	ConnectLimiter *admission.RateLimiter
	CreateLimiter  *admission.RateLimiter

	DefaultShell string
	DefaultCwd   string

	Metrics *metrics.Metrics
}

// Router handles WebSocket connections to terminals
type Router struct {
	registry *sessions.Registry
	opts     Options
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[string]*Client
	wg      sync.WaitGroup
}

// NewRouter creates a new WebSocket router
func NewRouter(registry *sessions.Registry, opts Options) *Router {
	r := &Router{
		registry: registry,
		opts:     opts,
		clients:  make(map[string]*Client),
	}
	r.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     opts.Origins.Check,
	}
	return r
}

// HandleWebSocket admits the caller, upgrades to WebSocket and runs a
// terminal handler for the connection
func (r *Router) HandleWebSocket(w http.ResponseWriter, req *http.Request) {
	if !r.opts.Origins.Check(req) {
		log.Printf("[ws] rejected origin %q", logutil.SanitizeForLog(req.Header.Get("Origin")))
		r.opts.Metrics.Rejected("origin")
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	if err := r.opts.Gate.Authenticate(req); err != nil {
		log.Printf("[ws] authentication failed from %s", admission.ClientIP(req))
		r.opts.Metrics.Rejected("auth")
		auth.Unauthorized(w)
		return
	}

	if r.opts.ConnectLimiter != nil {
		if err := r.opts.ConnectLimiter.Allow(admission.ClientIP(req)); err != nil {
			var rlErr *admission.RateLimitError
			if errors.As(err, &rlErr) {
				r.opts.Metrics.Rejected("connect")
				admission.Reject(w, rlErr)
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}

	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		log.Printf("[ws] upgrade failed: %v", err)
		return
	}

	client := newClient(uuid.NewString(), conn)
	client.handler = bridge.NewHandler(r.registry, client, bridge.Config{
		ConnectionID:  client.ID,
		Identity:      admission.Identity(req, r.opts.Gate.Enabled()),
		DefaultShell:  r.opts.DefaultShell,
		DefaultCwd:    r.opts.DefaultCwd,
		CreateLimiter: r.opts.CreateLimiter,
		Metrics:       r.opts.Metrics,
	})

	r.mu.Lock()
	r.clients[client.ID] = client
	r.wg.Add(1)
	r.mu.Unlock()
	r.opts.Metrics.ConnectionOpened()
	log.Printf("[ws] connection %s opened from %s", client.ID, admission.ClientIP(req))

	go client.WritePump()
	go client.ReadPump(func() {
		r.mu.Lock()
		delete(r.clients, client.ID)
		r.mu.Unlock()
		r.opts.Metrics.ConnectionClosed()
		log.Printf("[ws] connection %s closed", client.ID)
		r.wg.Done()
	})
}

// Len returns the number of open connections
func (r *Router) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// CloseAll closes every open connection and waits for their handlers to
// finish tearing down
func (r *Router) CloseAll() {
	r.mu.Lock()
	clients := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		clients = append(clients, c)
	}
	r.mu.Unlock()

	for _, c := range clients {
		c.Close()
	}
	r.wg.Wait()
}
