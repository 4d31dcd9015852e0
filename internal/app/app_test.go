package app

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/expenseman/internal/auth"
	"github.com/hitoshi/expenseman/internal/config"
	"github.com/hitoshi/expenseman/internal/handler"
	"github.com/hitoshi/expenseman/internal/metrics"
	"github.com/hitoshi/expenseman/internal/middleware"
	"github.com/hitoshi/expenseman/internal/model"
	"github.com/hitoshi/expenseman/internal/repository"
	"github.com/hitoshi/expenseman/internal/session"
)

func TestInit_WithValidConfig_Succeeds(t *testing.T) {
	setTestEnv(t)

	var buf bytes.Buffer
	cfg, err := Init(&buf)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if cfg == nil {
		t.Fatal("expected non-nil config")
	}

	if cfg.IdentityAPIKey != "test-api-key" {
		t.Errorf("IdentityAPIKey = %q, want %q", cfg.IdentityAPIKey, "test-api-key")
	}

	// グローバルロガーがJSON出力かつ秘匿属性を伏せること
	slog.Default().Info("init test", slog.String("password", "Str0ng!Pass"))
	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected JSON log output, got error: %v\nraw: %s", err, buf.String())
	}
	if entry["msg"] != "init test" {
		t.Errorf("msg = %q, want %q", entry["msg"], "init test")
	}
	if entry["password"] == "Str0ng!Pass" {
		t.Error("password should be redacted in log output")
	}
}

func TestInit_WithMissingConfig_ReturnsError(t *testing.T) {
	clearRequiredEnv(t)

	var buf bytes.Buffer
	cfg, err := Init(&buf)
	if err == nil {
		t.Fatal("expected error for missing required env vars, got nil")
	}
	if cfg != nil {
		t.Error("expected nil config on error")
	}
}

func testConfig() *config.Config {
	return &config.Config{
		IdentityAPIKey:    "test-api-key",
		IdentityBaseURL:   "https://identitytoolkit.googleapis.com/v1",
		IdentityTokenURL:  "https://securetoken.googleapis.com/v1",
		GatewayTimeout:    5 * time.Second,
		ResendCooldown:    time.Minute,
		MachineIdleTTL:    30 * time.Minute,
		SessionSecret:     "test-session-secret-32bytes-long!",
		SessionMaxAge:     1209600,
		SessionBackend:    config.SessionBackendPostgres,
		RateLimitGeneral:  120,
		RateLimitAuth:     10,
		CookieSecure:      true,
		CookieDomain:      "",
		CORSAllowedOrigin: "https://app.example.com",
	}
}

func TestNewGateway(t *testing.T) {
	t.Run("既定のエンドポイントを受け付ける", func(t *testing.T) {
		gw, err := newGateway(testConfig())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if gw == nil {
			t.Fatal("expected gateway")
		}
	})

	t.Run("内部アドレスのエンドポイントを拒否する", func(t *testing.T) {
		cfg := testConfig()
		cfg.IdentityBaseURL = "https://169.254.169.254/v1"
		if _, err := newGateway(cfg); err == nil {
			t.Fatal("expected error for internal endpoint")
		}
	})

	t.Run("平文HTTPのエンドポイントを拒否する", func(t *testing.T) {
		cfg := testConfig()
		cfg.IdentityTokenURL = "http://securetoken.googleapis.com/v1"
		if _, err := newGateway(cfg); err == nil {
			t.Fatal("expected error for http endpoint")
		}
	})

	t.Run("エミュレータ指定時は検証しない", func(t *testing.T) {
		cfg := testConfig()
		cfg.IdentityBaseURL = "http://localhost/v1"
		cfg.IdentityEmulatorHost = "localhost:9099"
		if _, err := newGateway(cfg); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})
}

func TestOpenSessionKV_Postgres(t *testing.T) {
	kv, closeKV, err := openSessionKV(context.Background(), testConfig(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer closeKV()

	if _, ok := kv.(*repository.PostgresKVStore); !ok {
		t.Errorf("kv = %T, want *repository.PostgresKVStore", kv)
	}
}

func TestOpenSessionKV_Redis(t *testing.T) {
	mr := miniredis.RunT(t)

	cfg := testConfig()
	cfg.SessionBackend = config.SessionBackendRedis
	cfg.RedisURL = "redis://" + mr.Addr() + "/0"

	kv, closeKV, err := openSessionKV(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer closeKV()

	if _, ok := kv.(*repository.RedisKVStore); !ok {
		t.Fatalf("kv = %T, want *repository.RedisKVStore", kv)
	}

	if err := kv.Set(context.Background(), "probe", []byte("1"), time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if !mr.Exists(redisKeyPrefix + "probe") {
		t.Errorf("expected key %q in redis, got %v", redisKeyPrefix+"probe", mr.Keys())
	}
}

func TestOpenSessionKV_RedisUnreachable(t *testing.T) {
	cfg := testConfig()
	cfg.SessionBackend = config.SessionBackendRedis
	cfg.RedisURL = "redis://127.0.0.1:1/0"

	if _, _, err := openSessionKV(context.Background(), cfg, nil); err == nil {
		t.Fatal("expected error for unreachable redis")
	}
}

type pingerFunc func(ctx context.Context) error

func (f pingerFunc) PingContext(ctx context.Context) error { return f(ctx) }

type nopProfiles struct{}

func (nopProfiles) FindByUID(ctx context.Context, uid string) (*model.Profile, error) {
	return nil, nil
}

func TestNewRouterDeps_WiresRouter(t *testing.T) {
	cfg := testConfig()

	mr := miniredis.RunT(t)
	client, err := repository.OpenRedis("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("OpenRedis: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	store := session.NewStore(repository.NewRedisKVStore(client, redisKeyPrefix), cfg.SessionMaxAgeDuration())
	gw, err := newGateway(cfg)
	if err != nil {
		t.Fatalf("newGateway: %v", err)
	}

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)
	registry := auth.NewRegistry(store, auth.Deps{Gateway: gw, Metrics: collector}, cfg.MachineIdleTTL)

	rl := middleware.NewRateLimiter(middleware.NewRateLimiterConfig(cfg.RateLimitGeneral, cfg.RateLimitAuth))
	t.Cleanup(rl.Stop)

	router := newRouterDepsHandler(t, cfg, routerServices{
		db:          pingerFunc(func(ctx context.Context) error { return nil }),
		collector:   collector,
		gatherer:    reg,
		rateLimiter: rl,
		registry:    registry,
		profiles:    nopProfiles{},
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("/health status = %d, want 200", rec.Code)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/auth/state", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("/auth/state status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"logged_out"`) {
		t.Errorf("body = %s, want logged_out state", rec.Body.String())
	}

	cookies := rec.Result().Cookies()
	if len(cookies) == 0 {
		t.Fatal("expected cookies to be issued")
	}
	for _, c := range cookies {
		if !c.Secure {
			t.Errorf("cookie %s should be Secure for https BASE_URL", c.Name)
		}
	}
	if registry.Len() != 1 {
		t.Errorf("registry.Len() = %d, want 1", registry.Len())
	}
}

func newRouterDepsHandler(t *testing.T, cfg *config.Config, svc routerServices) http.Handler {
	t.Helper()
	deps := newRouterDeps(cfg, svc)
	if string(deps.ClientCookie.Secret) != cfg.SessionSecret {
		t.Errorf("ClientCookie.Secret not wired from SESSION_SECRET")
	}
	if deps.ClientCookie.MaxAge != 14*24*time.Hour {
		t.Errorf("ClientCookie.MaxAge = %v, want 14 days", deps.ClientCookie.MaxAge)
	}
	return handler.NewRouter(deps)
}

func TestMaskDatabaseURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"postgres://user:secret@db:5432/expenseman?sslmode=disable", "postgres://user:xxxxx@db:5432/expenseman?sslmode=disable"},
		{"postgres://db:5432/expenseman", "postgres://db:5432/expenseman"},
		{"not a url", "***"},
	}
	for _, tt := range tests {
		if got := maskDatabaseURL(tt.in); got != tt.want {
			t.Errorf("maskDatabaseURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
