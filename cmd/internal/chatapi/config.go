package chatapi

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config controls HTTP API limits.
type Config struct {
	MaxBodyBytes int64
	RoomsLimit   int

	// AuthFailMax failed authentications per client IP within AuthFailWindow
	// answer 429 until the window slides. Zero disables the throttle.
	AuthFailMax    int
	AuthFailWindow time.Duration
	TrustProxy     bool
}

// LoadConfigFromEnv reads HUDDLE_API_* variables with safe defaults.
func LoadConfigFromEnv() Config {
	cfg := Config{
		MaxBodyBytes: envInt64("HUDDLE_API_MAX_BODY_BYTES", 64<<10),
		RoomsLimit:   int(envInt64("HUDDLE_API_ROOMS_LIMIT", 100)),

		AuthFailMax:    int(envInt64("HUDDLE_API_AUTH_FAIL_MAX", 20)),
		AuthFailWindow: time.Duration(envInt64("HUDDLE_API_AUTH_FAIL_WINDOW_SECONDS", 60)) * time.Second,
		TrustProxy:     strings.EqualFold(strings.TrimSpace(os.Getenv("HUDDLE_TRUST_PROXY")), "true"),
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 64 << 10
	}
	if cfg.RoomsLimit <= 0 {
		cfg.RoomsLimit = 100
	}
	if cfg.AuthFailWindow <= 0 {
		cfg.AuthFailWindow = time.Minute
	}
	return cfg
}

func envInt64(key string, def int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}
