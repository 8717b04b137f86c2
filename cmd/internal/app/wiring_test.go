package app

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	paseto "aidanwoods.dev/go-paseto"
	"github.com/alicebob/miniredis/v2"

	"huddle/cmd/internal/auth"
)

func newTestApp(t *testing.T, cfg Config) (*App, auth.TokenManager) {
	t.Helper()

	secret := paseto.NewV4AsymmetricSecretKey().ExportHex()
	t.Setenv("HUDDLE_AUTH_SCHEME", "paseto")
	t.Setenv("HUDDLE_PASETO_V4_SECRET_KEY_HEX", secret)
	t.Setenv("HUDDLE_PASETO_V4_PUBLIC_KEY_HEX", "")

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := New(context.Background(), cfg, log)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(a.closeResources)

	acfg := auth.DefaultConfig()
	acfg.PasetoV4SecretKeyHex = secret
	tokens, err := auth.NewTokenManager(acfg)
	if err != nil {
		t.Fatalf("NewTokenManager: %v", err)
	}
	return a, tokens
}

func get(t *testing.T, url, token string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer func() { _ = resp.Body.Close() }()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(b)
}

func TestApp_InMemoryWiring(t *testing.T) {
	mr := miniredis.RunT(t)
	a, tokens := newTestApp(t, Config{
		DevUsers: "u-1:alice",
		RedisURL: "redis://" + mr.Addr(),
	})

	mux := http.NewServeMux()
	a.registerHTTP(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	if code, _ := get(t, srv.URL+"/healthz", ""); code != http.StatusOK {
		t.Fatalf("healthz: %d", code)
	}
	if code, body := get(t, srv.URL+"/readyz", ""); code != http.StatusOK {
		t.Fatalf("readyz: %d %s", code, body)
	}
	if code, _ := get(t, srv.URL+"/api/rooms", ""); code != http.StatusUnauthorized {
		t.Fatalf("api without token: %d", code)
	}

	tok, _, err := tokens.Issue("u-1", time.Now().UTC())
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if code, body := get(t, srv.URL+"/api/rooms", tok); code != http.StatusOK {
		t.Fatalf("api with seeded user: %d %s", code, body)
	}

	code, body := get(t, srv.URL+"/metrics", "")
	if code != http.StatusOK || !strings.Contains(body, "huddle_realtime_auth_failures_total 1") {
		t.Fatalf("metrics: %d\n%s", code, body)
	}
}

func TestApp_ReadinessRequiresDB(t *testing.T) {
	a, _ := newTestApp(t, Config{ReadinessRequireDB: true})

	mux := http.NewServeMux()
	a.registerHTTP(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	if code, _ := get(t, srv.URL+"/readyz", ""); code != http.StatusServiceUnavailable {
		t.Fatalf("readyz without db: %d", code)
	}
}

func TestApp_RunStopsOnCancel(t *testing.T) {
	a, _ := newTestApp(t, Config{HTTPAddr: "127.0.0.1:0"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}
}
