package process

import (
	"bytes"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"
)

// outputBuffer collects output chunks from a process
type outputBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (o *outputBuffer) write(data []byte) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.buf.Write(data)
}

func (o *outputBuffer) String() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.buf.String()
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

func TestSpawnEchoesInput(t *testing.T) {
	out := &outputBuffer{}
	p, err := Spawn(Spec{Shell: "/bin/cat"}, WithOutput(out.write))
	if err != nil {
		t.Fatalf("failed to spawn: %v", err)
	}
	defer p.Kill()

	if !p.Write([]byte("hello\n")) {
		t.Fatal("expected write to be queued")
	}

	if !waitFor(t, 3*time.Second, func() bool { return strings.Contains(out.String(), "hello") }) {
		t.Fatalf("timeout waiting for echo, got %q", out.String())
	}
}

func TestInputOrderPreserved(t *testing.T) {
	out := &outputBuffer{}
	p, err := Spawn(Spec{Shell: "/bin/cat"}, WithOutput(out.write))
	if err != nil {
		t.Fatalf("failed to spawn: %v", err)
	}
	defer p.Kill()

	var want strings.Builder
	for i := 0; i < 200; i++ {
		chunk := strings.Repeat(string(rune('a'+i%26)), i%7+1)
		want.WriteString(chunk)
		p.Write([]byte(chunk))
	}

	if !waitFor(t, 5*time.Second, func() bool { return len(out.String()) >= want.Len() }) {
		t.Fatalf("timeout: got %d bytes, want %d", len(out.String()), want.Len())
	}
	if out.String() != want.String() {
		t.Errorf("output mismatch:\n got %q\nwant %q", out.String(), want.String())
	}
}

func TestStderrInterleavedIntoOutput(t *testing.T) {
	out := &outputBuffer{}
	exited := make(chan int, 1)
	p, err := Spawn(Spec{Shell: "/bin/sh", Args: []string{"-c", "echo out; echo err 1>&2"}},
		WithOutput(out.write),
		WithExit(func(code int) { exited <- code }),
	)
	if err != nil {
		t.Fatalf("failed to spawn: %v", err)
	}

	select {
	case code := <-exited:
		if code != 0 {
			t.Errorf("expected exit 0, got %d", code)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for exit")
	}

	got := out.String()
	if !strings.Contains(got, "out") || !strings.Contains(got, "err") {
		t.Errorf("expected both streams in output, got %q", got)
	}
	if p.Running() {
		t.Error("expected process to report not running")
	}
}

func TestExitCodeReported(t *testing.T) {
	exited := make(chan int, 1)
	_, err := Spawn(Spec{Shell: "/bin/sh", Args: []string{"-c", "exit 7"}},
		WithExit(func(code int) { exited <- code }),
	)
	if err != nil {
		t.Fatalf("failed to spawn: %v", err)
	}

	select {
	case code := <-exited:
		if code != 7 {
			t.Errorf("expected exit 7, got %d", code)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for exit")
	}
}

func TestTerminalEnvironment(t *testing.T) {
	out := &outputBuffer{}
	exited := make(chan int, 1)
	_, err := Spawn(Spec{Shell: "/bin/sh", Args: []string{"-c", `echo "$TERM $COLORTERM $FORCE_COLOR $EXTRA"`}, Env: []string{"EXTRA=yes"}},
		WithOutput(out.write),
		WithExit(func(code int) { exited <- code }),
	)
	if err != nil {
		t.Fatalf("failed to spawn: %v", err)
	}

	select {
	case <-exited:
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for exit")
	}

	if got := strings.TrimSpace(out.String()); got != "xterm-256color truecolor 3 yes" {
		t.Errorf("unexpected environment: %q", got)
	}
}

func TestEnvironLaterEntriesWin(t *testing.T) {
	env := Environ([]string{"TERM=dumb"})
	count := 0
	for _, kv := range env {
		if strings.HasPrefix(kv, "TERM=") {
			count++
			if kv != "TERM=dumb" {
				t.Errorf("expected override, got %q", kv)
			}
		}
	}
	if count != 1 {
		t.Errorf("expected one TERM entry, got %d", count)
	}
}

func TestSpawnInvalidShell(t *testing.T) {
	_, err := Spawn(Spec{Shell: "/nonexistent/shell"})
	if err == nil {
		t.Fatal("expected spawn error")
	}
	var spawnErr *SpawnError
	if !errors.As(err, &spawnErr) {
		t.Fatalf("expected *SpawnError, got %T: %v", err, err)
	}
	if spawnErr.Shell != "/nonexistent/shell" {
		t.Errorf("unexpected shell in error: %q", spawnErr.Shell)
	}
}

func TestSpawnInvalidWorkingDirectory(t *testing.T) {
	_, err := Spawn(Spec{Shell: "/bin/sh", Dir: "/nonexistent/dir"})
	var spawnErr *SpawnError
	if !errors.As(err, &spawnErr) {
		t.Fatalf("expected *SpawnError, got %T: %v", err, err)
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected not-exist cause, got %v", err)
	}
}

func TestKillIsIdempotent(t *testing.T) {
	var mu sync.Mutex
	exits := 0
	p, err := Spawn(Spec{Shell: "/bin/cat"}, WithExit(func(int) {
		mu.Lock()
		exits++
		mu.Unlock()
	}))
	if err != nil {
		t.Fatalf("failed to spawn: %v", err)
	}

	if !p.Kill() {
		t.Error("expected first kill to terminate")
	}
	if p.Kill() {
		t.Error("expected second kill to be a no-op")
	}
	if p.State() != StateKilled {
		t.Errorf("expected state killed, got %s", p.State())
	}

	select {
	case <-p.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for process to be reaped")
	}
	p.Kill()

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if exits != 1 {
		t.Errorf("expected exactly one exit callback, got %d", exits)
	}
}

func TestKillEscalatesAfterGrace(t *testing.T) {
	p, err := Spawn(Spec{Shell: "/bin/sh", Args: []string{"-c", "trap '' TERM; while :; do sleep 1; done"}},
		WithKillGrace(200*time.Millisecond),
	)
	if err != nil {
		t.Fatalf("failed to spawn: %v", err)
	}
	// Let the trap install
	time.Sleep(100 * time.Millisecond)

	p.Kill()

	select {
	case <-p.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("expected SIGKILL escalation to reap the process")
	}
}

func TestWriteAfterExitIsDropped(t *testing.T) {
	p, err := Spawn(Spec{Shell: "/bin/sh", Args: []string{"-c", "exit 0"}})
	if err != nil {
		t.Fatalf("failed to spawn: %v", err)
	}

	select {
	case <-p.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for exit")
	}

	if p.Write([]byte("late keystroke\n")) {
		t.Error("expected write to exited process to be dropped")
	}
}

func TestOnExitAfterExitFiresImmediately(t *testing.T) {
	p, err := Spawn(Spec{Shell: "/bin/sh", Args: []string{"-c", "exit 3"}})
	if err != nil {
		t.Fatalf("failed to spawn: %v", err)
	}
	<-p.Done()

	got := -100
	p.OnExit(func(code int) { got = code })
	if got != 3 {
		t.Errorf("expected immediate callback with 3, got %d", got)
	}

	code, ok := p.ExitCode()
	if !ok || code != 3 {
		t.Errorf("ExitCode() = %d, %v; want 3, true", code, ok)
	}
}

func TestKilledExitCodeReflectsSignal(t *testing.T) {
	exited := make(chan int, 1)
	p, err := Spawn(Spec{Shell: "/bin/cat"}, WithExit(func(code int) { exited <- code }))
	if err != nil {
		t.Fatalf("failed to spawn: %v", err)
	}
	p.Kill()

	select {
	case code := <-exited:
		// 128 + SIGTERM
		if code != 143 {
			t.Errorf("expected 143, got %d", code)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for exit")
	}
}
