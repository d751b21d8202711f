package sessions

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/hyper-ai-inc/termbridge/internal/logutil"
	"github.com/hyper-ai-inc/termbridge/internal/metrics"
	"github.com/hyper-ai-inc/termbridge/internal/process"
)

var (
	ErrSessionNotFound = errors.New("session not found")
)

// forceKillWait bounds how long Shutdown waits for a SIGKILLed process to be reaped
const forceKillWait = 2 * time.Second

// Hooks receive a session's process events
type Hooks struct {
	// OnOutput receives interleaved stdout/stderr chunks in order
	OnOutput func(data []byte)

	// OnExit runs once after the session has been removed from the registry
	OnExit func(code int)
}

// Option configures a Registry
type Option func(*Registry)

// WithEnv adds environment entries to every spawned shell
func WithEnv(env []string) Option {
	return func(r *Registry) {
		r.env = append(r.env, env...)
	}
}

// WithKillGrace sets the SIGTERM to SIGKILL delay for session processes
func WithKillGrace(d time.Duration) Option {
	return func(r *Registry) {
		r.killGrace = d
	}
}

// WithMetrics records session lifecycle on m
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) {
		r.metrics = m
	}
}

// Registry maps session ids to live sessions. It is the only state shared
// across connections and is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	// procs holds every spawned process until it is reaped, including ones
	// already removed from sessions by a kill or disconnect
	procs map[string]*process.Process

	seq       atomic.Uint64
	env       []string
	killGrace time.Duration
	metrics   *metrics.Metrics
	now       func() time.Time
}

// NewRegistry creates an empty registry
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		sessions:  make(map[string]*Session),
		procs:     make(map[string]*process.Process),
		killGrace: process.DefaultKillGrace,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// newID combines the connection id, a millisecond timestamp and a process-wide
// counter so ids never collide even within the same millisecond
func (r *Registry) newID(connectionID string) string {
	return fmt.Sprintf("term-%s-%d-%d", connectionID, r.now().UnixMilli(), r.seq.Add(1))
}

// Create spawns a shell for connectionID and registers it. The entry is
// inserted before the process starts so an immediate exit can never leave a
// dangling entry behind.
func (r *Registry) Create(connectionID, shell, cwd string, hooks Hooks) (*Session, error) {
	id := r.newID(connectionID)
	s := &Session{
		ID:           id,
		ConnectionID: connectionID,
		Shell:        shell,
		Cwd:          cwd,
		CreatedAt:    r.now(),
		state:        StateStarting,
	}

	r.mu.Lock()
	r.sessions[id] = s
	r.mu.Unlock()

	p, err := process.Spawn(
		process.Spec{Shell: shell, Dir: cwd, Env: r.env},
		process.WithOutput(hooks.OnOutput),
		process.WithKillGrace(r.killGrace),
		process.WithExit(func(code int) {
			s.markExited()
			r.untrack(id)
			r.Remove(id)
			if hooks.OnExit != nil {
				hooks.OnExit(code)
			}
		}),
	)
	if err != nil {
		r.mu.Lock()
		delete(r.sessions, id)
		r.mu.Unlock()
		r.metrics.SpawnFailed()
		log.Printf("[sessions] spawn failed for connection %s: %v", connectionID, logutil.SanitizeForLog(err.Error()))
		return nil, err
	}
	r.metrics.SessionCreated()
	r.track(id, p)

	if !s.attach(p) {
		p.Kill()
	}

	log.Printf("[sessions] created %s (pid %d, shell %s)", id, p.Pid(), logutil.SanitizeForLog(shell))
	return s, nil
}

func (r *Registry) track(id string, p *process.Process) {
	r.mu.Lock()
	defer r.mu.Unlock()
	select {
	case <-p.Done():
		// Reaped before we got here; the exit hook found nothing to untrack
		return
	default:
	}
	r.procs[id] = p
}

func (r *Registry) untrack(id string) {
	r.mu.Lock()
	delete(r.procs, id)
	r.mu.Unlock()
}

// Get retrieves a session by id
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Remove deletes a session and reports whether it was present.
// Calling it again for the same id is a no-op.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	r.metrics.SessionEnded(string(s.State()))
	return true
}

// List returns a snapshot of all registered sessions
func (r *Registry) List() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	return sessions
}

// Len returns the number of registered sessions
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Shutdown kills every registered session and waits until every process the
// registry spawned has been reaped, including processes whose sessions were
// already removed by a kill or disconnect. Processes still alive when ctx
// expires are sent SIGKILL.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.sessions = make(map[string]*Session)
	procs := make([]*process.Process, 0, len(r.procs))
	for _, p := range r.procs {
		procs = append(procs, p)
	}
	r.mu.Unlock()

	for _, s := range all {
		s.Kill()
		r.metrics.SessionEnded("shutdown")
	}
	for _, p := range procs {
		p.Kill()
	}

	var result *multierror.Error
	for _, p := range procs {
		if err := p.Wait(ctx); err != nil {
			p.ForceKill()
			reapCtx, cancel := context.WithTimeout(context.Background(), forceKillWait)
			if reapErr := p.Wait(reapCtx); reapErr != nil {
				result = multierror.Append(result, fmt.Errorf("pid %d not reaped after SIGKILL: %w", p.Pid(), err))
			}
			cancel()
		}
	}

	if len(procs) > 0 {
		log.Printf("[sessions] shutdown terminated %d process(es)", len(procs))
	}
	return result.ErrorOrNil()
}
