package execute

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hyper-ai-inc/termbridge/internal/fs"
)

func setupTestHandler(t *testing.T, opts Options) *Handler {
	t.Helper()
	if opts.Scripts == nil {
		scripts, err := fs.NewScratchDir(filepath.Join(t.TempDir(), "scripts"))
		if err != nil {
			t.Fatalf("failed to create scratch dir: %v", err)
		}
		opts.Scripts = scripts
	}
	return NewHandler(opts)
}

func post(t *testing.T, handler http.HandlerFunc, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("POST", "/", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func decodeRun(t *testing.T, rec *httptest.ResponseRecorder) RunResponse {
	t.Helper()
	var resp RunResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return resp
}

func TestExecuteEcho(t *testing.T) {
	h := setupTestHandler(t, Options{})

	rec := post(t, h.HandleExecute, `{"command":"echo hello world"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodeRun(t, rec)
	if strings.TrimSpace(resp.Stdout) != "hello world" {
		t.Errorf("unexpected stdout %q", resp.Stdout)
	}
	if resp.ExitCode != 0 {
		t.Errorf("expected exit 0, got %d", resp.ExitCode)
	}
}

func TestExecuteNonZeroExit(t *testing.T) {
	h := setupTestHandler(t, Options{})

	rec := post(t, h.HandleExecute, `{"command":"ls /definitely/not/here"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	resp := decodeRun(t, rec)
	if resp.ExitCode == 0 {
		t.Error("expected non-zero exit code")
	}
	if resp.Stderr == "" {
		t.Error("expected stderr output")
	}
}

func TestExecuteValidation(t *testing.T) {
	h := setupTestHandler(t, Options{})

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"missing command", `{}`, http.StatusBadRequest},
		{"blank command", `{"command":"   "}`, http.StatusBadRequest},
		{"malformed body", `{`, http.StatusBadRequest},
		{"not allowed", `{"command":"curl http://example.com"}`, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := post(t, h.HandleExecute, tt.body)
			if rec.Code != tt.status {
				t.Errorf("expected %d, got %d: %s", tt.status, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestExecuteTimeout(t *testing.T) {
	h := setupTestHandler(t, Options{
		AllowedCommands: []string{"sleep"},
		ExecTimeout:     200 * time.Millisecond,
	})

	start := time.Now()
	rec := post(t, h.HandleExecute, `{"command":"sleep 30"}`)
	if rec.Code != http.StatusRequestTimeout {
		t.Fatalf("expected 408, got %d", rec.Code)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("timeout took too long: %s", elapsed)
	}
}

func TestExecuteSpawnFailure(t *testing.T) {
	h := setupTestHandler(t, Options{AllowedCommands: []string{"no-such-binary-xyz"}})

	rec := post(t, h.HandleExecute, `{"command":"no-such-binary-xyz"}`)
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", rec.Code)
	}
}

func TestRunScriptShell(t *testing.T) {
	h := setupTestHandler(t, Options{})

	rec := post(t, h.HandleRunScript, `{"script":"echo \"$1-$2\"; exit 3","language":"shell","args":["a","b"]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodeRun(t, rec)
	if strings.TrimSpace(resp.Stdout) != "a-b" {
		t.Errorf("unexpected stdout %q", resp.Stdout)
	}
	if resp.ExitCode != 3 {
		t.Errorf("expected exit 3, got %d", resp.ExitCode)
	}
	if filepath.Ext(resp.ScriptPath) != ".sh" {
		t.Errorf("unexpected script path %q", resp.ScriptPath)
	}
	if _, err := os.Stat(resp.ScriptPath); err != nil {
		t.Errorf("expected script on disk: %v", err)
	}
}

func TestRunScriptMissing(t *testing.T) {
	h := setupTestHandler(t, Options{})

	rec := post(t, h.HandleRunScript, `{"language":"python"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestRunScriptTimeout(t *testing.T) {
	h := setupTestHandler(t, Options{ScriptTimeout: 200 * time.Millisecond})

	rec := post(t, h.HandleRunScript, `{"script":"sleep 30","language":"shell"}`)
	if rec.Code != http.StatusRequestTimeout {
		t.Fatalf("expected 408, got %d", rec.Code)
	}
	var body map[string]string
	json.NewDecoder(rec.Body).Decode(&body)
	if body["error"] != "Script execution timeout" {
		t.Errorf("unexpected error %q", body["error"])
	}
}

func TestInterpreterFor(t *testing.T) {
	tests := []struct {
		language string
		ext      string
		cmd      string
	}{
		{"bash", "sh", "bash"},
		{"shell", "sh", "sh"},
		{"Python", "py", "python3"},
		{"node", "js", "node"},
		{"javascript", "js", "node"},
		{"typescript", "ts", "ts-node"},
		{"cobol", "sh", "bash"},
		{"", "sh", "bash"},
	}
	for _, tt := range tests {
		t.Run(tt.language, func(t *testing.T) {
			got := interpreterFor(tt.language)
			if got.ext != tt.ext || got.cmd != tt.cmd {
				t.Errorf("interpreterFor(%q) = %+v", tt.language, got)
			}
		})
	}
}
