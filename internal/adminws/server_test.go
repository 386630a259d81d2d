package adminws

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sixddc/ccbot/internal/store"
)

func newTestServer(allowedOrigins []string, authToken string) *Server {
	return NewServer(nil, nil, allowedOrigins, authToken)
}

func TestCheckOrigin(t *testing.T) {
	tests := []struct {
		name           string
		allowedOrigins []string
		origin         string
		host           string
		want           bool
	}{
		{
			name:           "no Origin header always passes",
			allowedOrigins: nil,
			origin:         "",
			host:           "example.com",
			want:           true,
		},
		{
			name:           "allowlist: matching origin accepted",
			allowedOrigins: []string{"http://example.com"},
			origin:         "http://example.com",
			host:           "example.com",
			want:           true,
		},
		{
			name:           "allowlist: non-matching origin rejected",
			allowedOrigins: []string{"http://example.com"},
			origin:         "http://evil.com",
			host:           "example.com",
			want:           false,
		},
		{
			name:           "no allowlist: same host accepted",
			allowedOrigins: nil,
			origin:         "http://example.com",
			host:           "example.com",
			want:           true,
		},
		{
			name:           "no allowlist: localhost accepted",
			allowedOrigins: nil,
			origin:         "http://localhost:8080",
			host:           "example.com",
			want:           true,
		},
		{
			name:           "no allowlist: mismatched host rejected",
			allowedOrigins: nil,
			origin:         "http://attacker.com",
			host:           "example.com",
			want:           false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(tt.allowedOrigins, "")
			req := httptest.NewRequest(http.MethodGet, "/ws", nil)
			req.Host = tt.host
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			if got := s.checkOrigin(req); got != tt.want {
				t.Errorf("checkOrigin() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAuthorize(t *testing.T) {
	s := newTestServer(nil, "secret")

	noToken := httptest.NewRequest(http.MethodGet, "/api/bindings", nil)
	if s.authorize(noToken) {
		t.Error("request with no token should be rejected")
	}

	query := httptest.NewRequest(http.MethodGet, "/api/bindings?token=secret", nil)
	if !s.authorize(query) {
		t.Error("request with matching ?token= should be authorized")
	}

	header := httptest.NewRequest(http.MethodGet, "/api/bindings", nil)
	header.Header.Set("X-Ccbot-Token", "secret")
	if !s.authorize(header) {
		t.Error("request with matching X-Ccbot-Token should be authorized")
	}

	bearer := httptest.NewRequest(http.MethodGet, "/api/bindings", nil)
	bearer.Header.Set("Authorization", "Bearer secret")
	if !s.authorize(bearer) {
		t.Error("request with matching Bearer token should be authorized")
	}

	open := newTestServer(nil, "")
	if !open.authorize(noToken) {
		t.Error("empty authToken should authorize everything")
	}
}

func TestBuildSnapshot(t *testing.T) {
	st := store.New(t.TempDir()+"/store.json", t.TempDir()+"/session_map.json", t.TempDir(), "ccbot", 0)
	st.BindThread(1, 100, "@1", "work")
	st.SetDisplayName("@1", "work")

	snap := buildSnapshot(st)
	if len(snap.Bindings) != 1 {
		t.Fatalf("expected 1 binding, got %d", len(snap.Bindings))
	}
	if snap.Bindings[0].WindowID != "@1" {
		t.Errorf("binding window_id = %q, want @1", snap.Bindings[0].WindowID)
	}
}
