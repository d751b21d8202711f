package process

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestRunCapturesOutput(t *testing.T) {
	res, err := Run(context.Background(), RunSpec{
		Command: "/bin/sh",
		Args:    []string{"-c", "echo stdout; echo stderr 1>&2; exit 2"},
		Timeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.TrimSpace(string(res.Stdout)) != "stdout" {
		t.Errorf("unexpected stdout: %q", res.Stdout)
	}
	if strings.TrimSpace(string(res.Stderr)) != "stderr" {
		t.Errorf("unexpected stderr: %q", res.Stderr)
	}
	if res.ExitCode != 2 {
		t.Errorf("expected exit code 2, got %d", res.ExitCode)
	}
}

func TestRunTimeoutKillsProcess(t *testing.T) {
	start := time.Now()
	_, err := Run(context.Background(), RunSpec{
		Command: "/bin/sh",
		Args:    []string{"-c", "sleep 30"},
		Timeout: 200 * time.Millisecond,
	})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("timeout took too long: %s", elapsed)
	}
}

func TestRunContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	_, err := Run(ctx, RunSpec{Command: "/bin/sh", Args: []string{"-c", "sleep 30"}})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestRunMissingCommand(t *testing.T) {
	_, err := Run(context.Background(), RunSpec{Command: "/nonexistent/binary"})
	var spawnErr *SpawnError
	if !errors.As(err, &spawnErr) {
		t.Fatalf("expected *SpawnError, got %T: %v", err, err)
	}
}

func TestRunStdin(t *testing.T) {
	res, err := Run(context.Background(), RunSpec{
		Command: "/bin/cat",
		Stdin:   strings.NewReader("piped"),
		Timeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(res.Stdout) != "piped" {
		t.Errorf("unexpected stdout: %q", res.Stdout)
	}
}
