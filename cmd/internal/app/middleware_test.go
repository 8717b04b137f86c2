package app

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRequestLogMeta(t *testing.T) {
	t.Parallel()

	for status, want := range map[int]struct {
		level  slog.Level
		result string
		class  string
	}{
		101: {slog.LevelInfo, "success", "1xx"},
		204: {slog.LevelInfo, "success", "2xx"},
		307: {slog.LevelInfo, "redirect", "3xx"},
		429: {slog.LevelWarn, "client_error", "4xx"},
		502: {slog.LevelError, "server_error", "5xx"},
	} {
		level, result := requestLogMeta(status)
		if level != want.level || result != want.result || statusClass(status) != want.class {
			t.Fatalf("status=%d: got level=%v result=%q class=%q", status, level, result, statusClass(status))
		}
	}
	if statusClass(42) != "unknown" {
		t.Fatalf("out-of-range status must be unknown")
	}
}

func TestWithCORS(t *testing.T) {
	t.Parallel()

	cfg := Config{
		CORSAllowedOrigins:   []string{"https://chat.huddle.test", "http://localhost:*"},
		CORSAllowCredentials: true,
		CORSMaxAgeSeconds:    600,
	}

	cases := []struct {
		name       string
		method     string
		headers    map[string]string
		wantStatus int
		wantNext   bool
		wantAllow  string
	}{
		{
			name:       "no origin",
			method:     http.MethodGet,
			wantStatus: http.StatusOK, wantNext: true,
		},
		{
			name:       "allowed origin",
			method:     http.MethodGet,
			headers:    map[string]string{"Origin": "https://chat.huddle.test"},
			wantStatus: http.StatusOK, wantNext: true, wantAllow: "https://chat.huddle.test",
		},
		{
			name:       "port wildcard",
			method:     http.MethodPost,
			headers:    map[string]string{"Origin": "http://localhost:5173"},
			wantStatus: http.StatusOK, wantNext: true, wantAllow: "http://localhost:5173",
		},
		{
			name:       "wildcard does not cross scheme",
			method:     http.MethodGet,
			headers:    map[string]string{"Origin": "https://localhost:5173"},
			wantStatus: http.StatusForbidden,
		},
		{
			name:   "preflight",
			method: http.MethodOptions,
			headers: map[string]string{
				"Origin":                         "https://chat.huddle.test",
				"Access-Control-Request-Method":  http.MethodPost,
				"Access-Control-Request-Headers": "Authorization, Content-Type",
			},
			wantStatus: http.StatusNoContent, wantAllow: "https://chat.huddle.test",
		},
		{
			name:       "websocket upgrade left to the gateway",
			method:     http.MethodGet,
			headers:    map[string]string{"Origin": "https://elsewhere.test", "Upgrade": "websocket"},
			wantStatus: http.StatusOK, wantNext: true,
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			called := false
			h := WithCORS(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				called = true
				w.WriteHeader(http.StatusOK)
			}), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))

			req := httptest.NewRequest(tc.method, "/api/rooms", nil)
			for k, v := range tc.headers {
				req.Header.Set(k, v)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)

			if rr.Code != tc.wantStatus || called != tc.wantNext {
				t.Fatalf("status=%d next=%v; want status=%d next=%v", rr.Code, called, tc.wantStatus, tc.wantNext)
			}
			if got := rr.Header().Get("Access-Control-Allow-Origin"); got != tc.wantAllow {
				t.Fatalf("allow-origin=%q want %q", got, tc.wantAllow)
			}
			if tc.method == http.MethodOptions {
				if rr.Header().Get("Access-Control-Allow-Headers") != "Authorization, Content-Type" ||
					rr.Header().Get("Access-Control-Max-Age") != "600" ||
					rr.Header().Get("Access-Control-Allow-Credentials") != "true" {
					t.Fatalf("preflight headers incomplete: %v", rr.Header())
				}
			}
		})
	}
}

func TestMiddlewareChain_HeadersAndLogLine(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, nil))

	h := WithRequestLogging(WithSecurityHeaders(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
	})), log)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	for k, want := range map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Referrer-Policy":        "no-referrer",
	} {
		if got := rr.Header().Get(k); got != want {
			t.Fatalf("%s=%q want %q", k, got, want)
		}
	}

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("unmarshal log line: %v", err)
	}
	if line["level"] != "ERROR" || line["result"] != "server_error" || line["status_class"] != "5xx" || line["bytes"] != float64(9) {
		t.Fatalf("unexpected log line: %v", line)
	}
}
