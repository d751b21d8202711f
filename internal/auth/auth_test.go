package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCheck(t *testing.T) {
	tests := []struct {
		name     string
		required bool
		secret   string
		token    string
		wantErr  bool
	}{
		{"not required", false, "s3cret", "", false},
		{"required matching", true, "s3cret", "s3cret", false},
		{"required wrong", true, "s3cret", "nope", true},
		{"required missing", true, "s3cret", "", true},
		{"required no secret allows", true, "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewGate(tt.required, tt.secret)
			err := g.Check(tt.token)
			if tt.wantErr && !errors.Is(err, ErrAuthFailed) {
				t.Errorf("expected ErrAuthFailed, got %v", err)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestTokenFromRequest(t *testing.T) {
	tests := []struct {
		name    string
		target  string
		headers map[string]string
		want    string
	}{
		{"query", "/terminal?token=abc", nil, "abc"},
		{"api key header", "/", map[string]string{"X-API-Key": "abc"}, "abc"},
		{"bearer", "/", map[string]string{"Authorization": "Bearer abc"}, "abc"},
		{"lowercase bearer", "/", map[string]string{"Authorization": "bearer abc"}, "abc"},
		{"raw authorization", "/", map[string]string{"Authorization": "abc"}, "abc"},
		{"none", "/", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", tt.target, nil)
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			if got := TokenFromRequest(r); got != tt.want {
				t.Errorf("TokenFromRequest() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRequireAuth(t *testing.T) {
	g := NewGate(true, "s3cret")
	handler := g.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	t.Run("rejects without token", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("expected 401, got %d", rec.Code)
		}
		if rec.Header().Get("WWW-Authenticate") != `Bearer realm="API"` {
			t.Errorf("unexpected challenge: %q", rec.Header().Get("WWW-Authenticate"))
		}
	})

	t.Run("accepts bearer token", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set("Authorization", "Bearer s3cret")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("expected 200, got %d", rec.Code)
		}
	})
}

func TestNilGateAllows(t *testing.T) {
	var g *Gate
	if err := g.Check(""); err != nil {
		t.Errorf("expected nil gate to allow, got %v", err)
	}
}
