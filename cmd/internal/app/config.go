package app

import (
	"strings"
	"time"
)

// Progress backends.
const (
	ProgressMemory = "memory"
	ProgressSQLite = "sqlite"
	ProgressRedis  = "redis"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string // "json" or "pretty"

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	DatabaseURL string
	DBSchema    string
	DBMaxConns  int32
	DBMinConns  int32

	DBMaxConnLifetime time.Duration
	DBMaxConnIdle     time.Duration
	DBConnectTimeout  time.Duration

	// If true, /readyz returns 503 unless the database is configured and reachable.
	ReadinessRequireDB bool

	// Bearer credentials for the websocket gateway and the progress API.
	JWTSecret string
	JWTIssuer string

	ProgressBackend string
	SQLitePath      string
	RedisAddr       string
	RedisPassword   string
	RedisDB         int

	// Per-participant request budget for the progress API; 0 disables it.
	ProgressRateLimit  int
	ProgressRateWindow time.Duration

	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("EDULOOM_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("EDULOOM_LOG_LEVEL", "info"),
		LogFormat: strings.ToLower(EnvString("EDULOOM_LOG_FORMAT", "json")),

		ReadHeaderTimeout: EnvDuration("EDULOOM_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("EDULOOM_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("EDULOOM_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("EDULOOM_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("EDULOOM_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("EDULOOM_DATABASE_URL", ""),
		DBSchema:    EnvString("EDULOOM_DB_SCHEMA", "eduloom"),
		DBMaxConns:  EnvInt32("EDULOOM_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("EDULOOM_DB_MIN_CONNS", 0),

		DBMaxConnLifetime: EnvDuration("EDULOOM_DB_MAX_CONN_LIFETIME", time.Hour),
		DBMaxConnIdle:     EnvDuration("EDULOOM_DB_MAX_CONN_IDLE", 30*time.Minute),
		DBConnectTimeout:  EnvDuration("EDULOOM_DB_CONNECT_TIMEOUT", 3*time.Second),

		ReadinessRequireDB: EnvBool("EDULOOM_READINESS_REQUIRE_DB", false),

		JWTSecret: EnvString("EDULOOM_JWT_SECRET", ""),
		JWTIssuer: EnvString("EDULOOM_JWT_ISSUER", "eduloom"),

		ProgressBackend: strings.ToLower(EnvString("EDULOOM_PROGRESS_BACKEND", ProgressMemory)),
		SQLitePath:      EnvString("EDULOOM_SQLITE_PATH", "eduloom-progress.db"),
		RedisAddr:       EnvString("EDULOOM_REDIS_ADDR", ""),
		RedisPassword:   EnvString("EDULOOM_REDIS_PASSWORD", ""),
		RedisDB:         EnvInt("EDULOOM_REDIS_DB", 0),

		ProgressRateLimit:  EnvInt("EDULOOM_PROGRESS_RATE_LIMIT", 120),
		ProgressRateWindow: EnvDuration("EDULOOM_PROGRESS_RATE_WINDOW", time.Minute),

		CORSAllowedOrigins:   EnvCSV("EDULOOM_CORS_ALLOWED_ORIGINS", ""),
		CORSAllowCredentials: EnvBool("EDULOOM_CORS_ALLOW_CREDENTIALS", false),
		CORSMaxAgeSeconds:    EnvInt("EDULOOM_CORS_MAX_AGE", 600),
	}
}
