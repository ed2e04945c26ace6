package app

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/joho/godotenv"
)

// Store kinds.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreBadger   = "badger"
)

const defaultWSAllowedOrigins = "http://localhost,http://127.0.0.1"

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string `env:"COURIER_HTTP_ADDR,default=0.0.0.0:8080"`
	LogLevel  string `env:"COURIER_LOG_LEVEL,default=info"`
	LogFormat string `env:"COURIER_LOG_FORMAT,default=json"`

	ReadHeaderTimeout time.Duration `env:"COURIER_HTTP_READ_HEADER_TIMEOUT,default=5s"`
	ReadTimeout       time.Duration `env:"COURIER_HTTP_READ_TIMEOUT,default=15s"`
	WriteTimeout      time.Duration `env:"COURIER_HTTP_WRITE_TIMEOUT,default=15s"`
	IdleTimeout       time.Duration `env:"COURIER_HTTP_IDLE_TIMEOUT,default=60s"`
	ShutdownTimeout   time.Duration `env:"COURIER_SHUTDOWN_TIMEOUT,default=10s"`
	MaxHeaderBytes    int           `env:"COURIER_HTTP_MAX_HEADER_BYTES,default=1048576"`
	MaxBodyBytes      int64         `env:"COURIER_HTTP_MAX_BODY_BYTES,default=16384"`

	// CORS for the query surface (comma separated; empty disables CORS headers).
	CORSAllowedOrigins   string `env:"COURIER_CORS_ALLOWED_ORIGINS"`
	CORSAllowCredentials bool   `env:"COURIER_CORS_ALLOW_CREDENTIALS,default=false"`
	CORSMaxAgeSeconds    int    `env:"COURIER_CORS_MAX_AGE_SECONDS,default=600"`

	Store       string `env:"COURIER_STORE,default=memory"`
	DatabaseURL string `env:"COURIER_DATABASE_URL"`
	DBSchema    string `env:"COURIER_DB_SCHEMA,default=courier"`
	DBMaxConns  int    `env:"COURIER_DB_MAX_CONNS,default=10"`
	DBMinConns  int    `env:"COURIER_DB_MIN_CONNS,default=0"`
	DBMigrate   bool   `env:"COURIER_DB_MIGRATE,default=true"`
	BadgerDir   string `env:"COURIER_BADGER_DIR"`

	RedisURL        string        `env:"COURIER_REDIS_URL"`
	UnreadCacheTTL  time.Duration `env:"COURIER_UNREAD_CACHE_TTL,default=10m"`
	MemoryCacheSize int64         `env:"COURIER_MEMORY_CACHE_ITEMS,default=100000"`

	AuthMode           string        `env:"COURIER_AUTH_MODE,default=paseto"`
	PasetoPublicKeyHex string        `env:"COURIER_PASETO_PUBLIC_KEY_HEX"`
	AuthIssuer         string        `env:"COURIER_AUTH_ISSUER"`
	JWTSecret          string        `env:"COURIER_JWT_SECRET"`
	AuthTimeout        time.Duration `env:"COURIER_AUTH_TIMEOUT,default=5s"`
	AuthClockSkew      time.Duration `env:"COURIER_AUTH_CLOCK_SKEW,default=30s"`

	WSAllowedOrigins    string        `env:"COURIER_WS_ALLOWED_ORIGINS"`
	WSOriginRequired    bool          `env:"COURIER_WS_ORIGIN_REQUIRED,default=false"`
	WSDevInsecure       bool          `env:"COURIER_WS_DEV_INSECURE,default=false"`
	WSAllowQueryToken   bool          `env:"COURIER_WS_ALLOW_QUERY_TOKEN,default=true"`
	WSSendQueue         int           `env:"COURIER_WS_SEND_QUEUE,default=256"`
	WSWriteTimeout      time.Duration `env:"COURIER_WS_WRITE_TIMEOUT,default=5s"`
	WSReadIdleTimeout   time.Duration `env:"COURIER_WS_READ_IDLE_TIMEOUT,default=0s"`
	WSHeartbeatInterval time.Duration `env:"COURIER_WS_HEARTBEAT_INTERVAL,default=25s"`
	WSHeartbeatTimeout  time.Duration `env:"COURIER_WS_HEARTBEAT_TIMEOUT,default=5s"`
	WSRateEvents        int           `env:"COURIER_WS_RATE_EVENTS,default=120"`
	WSRateWindow        time.Duration `env:"COURIER_WS_RATE_WINDOW,default=10s"`
	WSCommandTimeout    time.Duration `env:"COURIER_WS_COMMAND_TIMEOUT,default=10s"`

	ResolveAttempts int           `env:"COURIER_RESOLVE_ATTEMPTS,default=4"`
	ResolveBackoff  time.Duration `env:"COURIER_RESOLVE_BACKOFF,default=25ms"`
	MaxMessageChars int           `env:"COURIER_MAX_MESSAGE_CHARS,default=4000"`
}

// LoadConfig reads an optional .env file, then the environment.
// Variables already set in the environment win over the file.
// Serving callers run Validate afterwards; migrate only needs the store fields.
func LoadConfig() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return Config{}, fmt.Errorf("config error: %w", err)
	}
	cfg.normalize()
	return cfg, nil
}

func (c *Config) normalize() {
	c.Store = strings.ToLower(strings.TrimSpace(c.Store))
	c.AuthMode = strings.ToLower(strings.TrimSpace(c.AuthMode))
	c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat))
	// Tag defaults cannot carry commas.
	if strings.TrimSpace(c.WSAllowedOrigins) == "" {
		c.WSAllowedOrigins = defaultWSAllowedOrigins
	}
}

// Validate enforces cross-field rules.
func (c Config) Validate() error {
	var errs []error

	switch c.Store {
	case StoreMemory, "":
	case StorePostgres:
		if strings.TrimSpace(c.DatabaseURL) == "" {
			errs = append(errs, errors.New("COURIER_STORE=postgres requires COURIER_DATABASE_URL"))
		}
	case StoreBadger:
	default:
		errs = append(errs, fmt.Errorf("COURIER_STORE: unknown store %q", c.Store))
	}

	switch c.AuthMode {
	case "paseto", "":
		if strings.TrimSpace(c.PasetoPublicKeyHex) == "" {
			errs = append(errs, errors.New("COURIER_AUTH_MODE=paseto requires COURIER_PASETO_PUBLIC_KEY_HEX"))
		}
	case "jwt":
		if len(c.JWTSecret) < 32 {
			errs = append(errs, errors.New("COURIER_AUTH_MODE=jwt requires COURIER_JWT_SECRET of at least 32 bytes"))
		}
	default:
		errs = append(errs, fmt.Errorf("COURIER_AUTH_MODE: unknown mode %q", c.AuthMode))
	}

	switch c.LogFormat {
	case "json", "pretty", "":
	default:
		errs = append(errs, fmt.Errorf("COURIER_LOG_FORMAT: unknown format %q", c.LogFormat))
	}

	if c.DBMinConns < 0 || (c.DBMaxConns > 0 && c.DBMinConns > c.DBMaxConns) {
		errs = append(errs, errors.New("COURIER_DB_MIN_CONNS must be between 0 and COURIER_DB_MAX_CONNS"))
	}
	if c.MaxMessageChars <= 0 {
		errs = append(errs, errors.New("COURIER_MAX_MESSAGE_CHARS must be positive"))
	}
	return errors.Join(errs...)
}

// splitCSV splits a comma separated list, dropping blanks.
func splitCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
