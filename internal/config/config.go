package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// セッション永続化先のバックエンド名
const (
	SessionBackendPostgres = "postgres"
	SessionBackendRedis    = "redis"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Identity provider
	IdentityAPIKey       string
	IdentityBaseURL      string
	IdentityTokenURL     string
	IdentityEmulatorHost string
	GatewayTimeout       time.Duration

	// Auth
	ResendCooldown time.Duration
	MachineIdleTTL time.Duration

	// Session
	SessionSecret  string
	SessionMaxAge  int
	SessionBackend string
	RedisURL       string

	// Rate Limit
	RateLimitGeneral int
	RateLimitAuth    int

	// Worker
	CleanupInterval time.Duration

	// Server
	ServerPort string
	BaseURL    string

	// Cookie
	CookieSecure bool
	CookieDomain string

	// CORS
	CORSAllowedOrigin string
}

// SessionMaxAgeDuration はSessionMaxAge（秒）をtime.Durationで返す。
func (c *Config) SessionMaxAgeDuration() time.Duration {
	return time.Duration(c.SessionMaxAge) * time.Second
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合は、未設定の変数名をまとめたエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.IdentityAPIKey = os.Getenv("IDENTITY_API_KEY")
	if cfg.IdentityAPIKey == "" {
		missing = append(missing, "IDENTITY_API_KEY")
	}

	cfg.SessionSecret = os.Getenv("SESSION_SECRET")
	if cfg.SessionSecret == "" {
		missing = append(missing, "SESSION_SECRET")
	}

	cfg.BaseURL = os.Getenv("BASE_URL")
	if cfg.BaseURL == "" {
		missing = append(missing, "BASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.IdentityBaseURL = getEnvString("IDENTITY_BASE_URL", "https://identitytoolkit.googleapis.com/v1")
	cfg.IdentityTokenURL = getEnvString("IDENTITY_TOKEN_URL", "https://securetoken.googleapis.com/v1")
	cfg.IdentityEmulatorHost = getEnvString("IDENTITY_EMULATOR_HOST", "")
	cfg.GatewayTimeout = getEnvDuration("GATEWAY_TIMEOUT", 10*time.Second)
	cfg.ResendCooldown = getEnvDuration("RESEND_COOLDOWN", 60*time.Second)
	cfg.MachineIdleTTL = getEnvDuration("MACHINE_IDLE_TTL", 30*time.Minute)
	cfg.SessionMaxAge = getEnvInt("SESSION_MAX_AGE", 1209600)
	cfg.SessionBackend = strings.ToLower(getEnvString("SESSION_BACKEND", SessionBackendPostgres))
	cfg.RedisURL = getEnvString("REDIS_URL", "")
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitAuth = getEnvInt("RATE_LIMIT_AUTH", 10)
	cfg.CleanupInterval = getEnvDuration("CLEANUP_INTERVAL", time.Hour)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")

	switch cfg.SessionBackend {
	case SessionBackendPostgres:
	case SessionBackendRedis:
		if cfg.RedisURL == "" {
			return nil, fmt.Errorf("REDIS_URL is required when SESSION_BACKEND=%s", SessionBackendRedis)
		}
	default:
		return nil, fmt.Errorf("unsupported SESSION_BACKEND: %q", cfg.SessionBackend)
	}

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
