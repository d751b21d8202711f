package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// State is the lifecycle state of a supervised process
type State string

const (
	StateRunning State = "running"
	StateExited  State = "exited"
	StateKilled  State = "killed"
)

const (
	// DefaultKillGrace is how long a terminated process gets before SIGKILL
	DefaultKillGrace = 3 * time.Second

	// ExitCodeUnknown is reported when the real exit status is unavailable
	ExitCodeUnknown = -1

	readBufferSize = 32 * 1024
	drainTimeout   = 2 * time.Second
)

// terminalEnv makes interactive CLI tools render colors without a PTY
var terminalEnv = []string{
	"TERM=xterm-256color",
	"COLORTERM=truecolor",
	"FORCE_COLOR=3",
}

// SpawnError is returned when a shell cannot be started
type SpawnError struct {
	Shell string
	Dir   string
	Err   error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to spawn %q in %q: %v", e.Shell, e.Dir, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// Spec describes the process to start
type Spec struct {
	Shell string
	Args  []string
	Dir   string
	Env   []string
}

// Option configures a Process before it starts
type Option func(*Process)

// WithOutput registers the callback receiving interleaved stdout/stderr chunks.
// Chunks are delivered in order from a single goroutine.
func WithOutput(fn func(data []byte)) Option {
	return func(p *Process) {
		p.onOutput = fn
	}
}

// WithExit registers a callback invoked once with the exit code
func WithExit(fn func(code int)) Option {
	return func(p *Process) {
		p.exitHooks = append(p.exitHooks, fn)
	}
}

// WithKillGrace overrides the delay between SIGTERM and SIGKILL
func WithKillGrace(d time.Duration) Option {
	return func(p *Process) {
		if d > 0 {
			p.killGrace = d
		}
	}
}

// Process supervises one child process and its standard streams.
// No pseudo-terminal is allocated: stdout and stderr share one pipe.
type Process struct {
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	output    *os.File
	onOutput  func([]byte)
	killGrace time.Duration

	mu        sync.Mutex
	state     State
	exitCode  int
	exitHooks []func(int)
	pending   [][]byte

	wake       chan struct{}
	done       chan struct{}
	readerDone chan struct{}
}

// Environ returns the host environment layered with the terminal variables and extra.
// Later entries win for duplicate keys.
func Environ(extra []string) []string {
	all := make([]string, 0, len(os.Environ())+len(terminalEnv)+len(extra))
	all = append(all, os.Environ()...)
	all = append(all, terminalEnv...)
	all = append(all, extra...)

	index := make(map[string]int, len(all))
	out := make([]string, 0, len(all))
	for _, kv := range all {
		key := kv
		if i := strings.IndexByte(kv, '='); i >= 0 {
			key = kv[:i]
		}
		if at, ok := index[key]; ok {
			out[at] = kv
			continue
		}
		index[key] = len(out)
		out = append(out, kv)
	}
	return out
}

// Spawn starts the shell described by spec
func Spawn(spec Spec, opts ...Option) (*Process, error) {
	if spec.Shell == "" {
		return nil, &SpawnError{Shell: spec.Shell, Dir: spec.Dir, Err: errors.New("no shell specified")}
	}
	if spec.Dir != "" {
		info, err := os.Stat(spec.Dir)
		if err != nil {
			return nil, &SpawnError{Shell: spec.Shell, Dir: spec.Dir, Err: err}
		}
		if !info.IsDir() {
			return nil, &SpawnError{Shell: spec.Shell, Dir: spec.Dir, Err: errors.New("working directory is not a directory")}
		}
	}

	p := &Process{
		killGrace:  DefaultKillGrace,
		state:      StateRunning,
		exitCode:   ExitCodeUnknown,
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
		readerDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}

	cmd := exec.Command(spec.Shell, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = Environ(spec.Env)
	setProcessGroup(cmd)

	r, w, err := os.Pipe()
	if err != nil {
		return nil, &SpawnError{Shell: spec.Shell, Dir: spec.Dir, Err: err}
	}
	cmd.Stdout = w
	cmd.Stderr = w

	stdin, err := cmd.StdinPipe()
	if err != nil {
		r.Close()
		w.Close()
		return nil, &SpawnError{Shell: spec.Shell, Dir: spec.Dir, Err: err}
	}

	if err := cmd.Start(); err != nil {
		r.Close()
		w.Close()
		return nil, &SpawnError{Shell: spec.Shell, Dir: spec.Dir, Err: err}
	}
	// The child holds its own copy of the write end
	w.Close()

	p.cmd = cmd
	p.stdin = stdin
	p.output = r

	go p.readLoop()
	go p.writeLoop()
	go p.wait()

	return p, nil
}

// Pid returns the OS process id
func (p *Process) Pid() int {
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// State returns the current lifecycle state
func (p *Process) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Running reports whether the process still accepts input
func (p *Process) Running() bool {
	return p.State() == StateRunning
}

// ExitCode returns the exit code once the process has been reaped
func (p *Process) ExitCode() (int, bool) {
	select {
	case <-p.done:
	default:
		return 0, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode, true
}

// Done returns a channel closed after the process is reaped and exit hooks are scheduled
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the process is reaped or ctx is done
func (p *Process) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OnExit registers fn to run once with the exit code.
// If the process already exited, fn runs immediately.
func (p *Process) OnExit(fn func(code int)) {
	p.mu.Lock()
	select {
	case <-p.done:
		code := p.exitCode
		p.mu.Unlock()
		fn(code)
		return
	default:
	}
	p.exitHooks = append(p.exitHooks, fn)
	p.mu.Unlock()
}

// Write queues data for the process's stdin. Input to a process that is no
// longer running is dropped; the return value reports whether data was queued.
func (p *Process) Write(data []byte) bool {
	if len(data) == 0 {
		return false
	}

	p.mu.Lock()
	if p.state != StateRunning {
		p.mu.Unlock()
		return false
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	p.pending = append(p.pending, buf)
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
	return true
}

// Kill terminates the process group. Killing a process that already exited
// or was already killed is a no-op and returns false.
func (p *Process) Kill() bool {
	p.mu.Lock()
	if p.state != StateRunning {
		p.mu.Unlock()
		return false
	}
	p.state = StateKilled
	p.pending = nil
	p.mu.Unlock()

	select {
	case <-p.done:
		return true
	default:
	}

	if err := terminateProcess(p.cmd); err != nil {
		log.Printf("[process] SIGTERM pid %d: %v", p.Pid(), err)
	}
	go func() {
		timer := time.NewTimer(p.killGrace)
		defer timer.Stop()
		select {
		case <-p.done:
		case <-timer.C:
			if err := killProcess(p.cmd); err != nil {
				log.Printf("[process] SIGKILL pid %d: %v", p.Pid(), err)
			}
		}
	}()
	return true
}

// ForceKill sends SIGKILL to the process group without a grace period
func (p *Process) ForceKill() {
	p.mu.Lock()
	if p.state == StateRunning {
		p.state = StateKilled
		p.pending = nil
	}
	p.mu.Unlock()

	select {
	case <-p.done:
		return
	default:
	}
	if err := killProcess(p.cmd); err != nil {
		log.Printf("[process] SIGKILL pid %d: %v", p.Pid(), err)
	}
}

// readLoop forwards output chunks until the pipe closes
func (p *Process) readLoop() {
	defer close(p.readerDone)

	buf := make([]byte, readBufferSize)
	for {
		n, err := p.output.Read(buf)
		if n > 0 && p.onOutput != nil {
			data := make([]byte, n)
			copy(data, buf[:n])
			p.onOutput(data)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				// A broken output stream ends the process
				log.Printf("[process] output read failed for pid %d: %v", p.Pid(), err)
				_ = killProcess(p.cmd)
			}
			return
		}
	}
}

// writeLoop drains queued input to stdin in order
func (p *Process) writeLoop() {
	for {
		select {
		case <-p.wake:
		case <-p.done:
			return
		}

		p.mu.Lock()
		batch := p.pending
		p.pending = nil
		p.mu.Unlock()

		for _, data := range batch {
			if _, err := p.stdin.Write(data); err != nil {
				p.mu.Lock()
				running := p.state == StateRunning
				p.pending = nil
				p.mu.Unlock()
				if running {
					log.Printf("[process] stdin write failed for pid %d: %v", p.Pid(), err)
					_ = killProcess(p.cmd)
				}
				return
			}
		}
	}
}

// wait reaps the process, drains output, then fires exit hooks once
func (p *Process) wait() {
	_ = p.cmd.Wait()
	code := exitCodeOf(p.cmd.ProcessState)

	// A background grandchild may keep the pipe open; don't wait for it forever
	timer := time.NewTimer(drainTimeout)
	select {
	case <-p.readerDone:
	case <-timer.C:
		p.output.Close()
		<-p.readerDone
	}
	timer.Stop()
	p.output.Close()

	p.mu.Lock()
	if p.state == StateRunning {
		p.state = StateExited
	}
	p.exitCode = code
	p.pending = nil
	hooks := p.exitHooks
	p.exitHooks = nil
	close(p.done)
	p.mu.Unlock()

	for _, fn := range hooks {
		fn(code)
	}
}

func exitCodeOf(ps *os.ProcessState) int {
	if ps == nil {
		return ExitCodeUnknown
	}
	if code := ps.ExitCode(); code >= 0 {
		return code
	}
	return signalExitCode(ps)
}
