package app

import "time"

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string // json | pretty

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	DatabaseURL   string
	DBMaxConns    int32
	DBMinConns    int32
	DBSchema      string
	DBAutoMigrate bool

	// If true, /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool

	// RedisURL enables the cross-instance relay when set.
	RedisURL string

	// RoomsAutoCreate creates unknown rooms on first join.
	RoomsAutoCreate bool

	// DevUsers seeds "id:name,id:name" users at startup.
	DevUsers string

	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("HUDDLE_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("HUDDLE_LOG_LEVEL", "info"),
		LogFormat: EnvString("HUDDLE_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("HUDDLE_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("HUDDLE_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("HUDDLE_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("HUDDLE_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("HUDDLE_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL:   EnvString("HUDDLE_DATABASE_URL", ""),
		DBMaxConns:    EnvInt32("HUDDLE_DB_MAX_CONNS", 10),
		DBMinConns:    EnvInt32("HUDDLE_DB_MIN_CONNS", 0),
		DBSchema:      EnvString("HUDDLE_DB_SCHEMA", "huddle"),
		DBAutoMigrate: EnvBool("HUDDLE_DB_AUTO_MIGRATE", false),

		ReadinessRequireDB: EnvBool("HUDDLE_READINESS_REQUIRE_DB", false),

		RedisURL: EnvString("HUDDLE_REDIS_URL", ""),

		RoomsAutoCreate: EnvBool("HUDDLE_ROOMS_AUTOCREATE", false),
		DevUsers:        EnvString("HUDDLE_DEV_USERS", ""),

		CORSAllowedOrigins:   EnvCSV("HUDDLE_CORS_ALLOWED_ORIGINS", "http://localhost:*,http://127.0.0.1:*"),
		CORSAllowCredentials: EnvBool("HUDDLE_CORS_ALLOW_CREDENTIALS", false),
		CORSMaxAgeSeconds:    EnvInt("HUDDLE_CORS_MAX_AGE_SECONDS", 600),
	}
}
