package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/expenseman/internal/auth"
	"github.com/hitoshi/expenseman/internal/config"
	"github.com/hitoshi/expenseman/internal/database"
	"github.com/hitoshi/expenseman/internal/handler"
	"github.com/hitoshi/expenseman/internal/identity"
	"github.com/hitoshi/expenseman/internal/logger"
	"github.com/hitoshi/expenseman/internal/metrics"
	"github.com/hitoshi/expenseman/internal/middleware"
	"github.com/hitoshi/expenseman/internal/repository"
	"github.com/hitoshi/expenseman/internal/security"
	"github.com/hitoshi/expenseman/internal/session"
	"github.com/hitoshi/expenseman/internal/worker/cleanup"
)

const (
	// redisKeyPrefix はRedisバックエンドで使うキーの接頭辞。
	redisKeyPrefix = "expenseman:"

	// registrySweepInterval はアイドル状態機械の破棄を確認する間隔。
	registrySweepInterval = time.Minute

	connectTimeout = 5 * time.Second
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
		slog.String("session_backend", cfg.SessionBackend),
	)

	switch cmd {
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// runServe はAPIサーバーモードで起動する。
// DB・セッションストア・IdPゲートウェイをワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. DB接続
	db, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	// 2. セッションストア
	kv, closeKV, err := openSessionKV(ctx, cfg, db)
	if err != nil {
		return err
	}
	defer closeKV()
	store := session.NewStore(kv, cfg.SessionMaxAgeDuration())

	// 3. IdPゲートウェイ
	gateway, err := newGateway(cfg)
	if err != nil {
		return err
	}

	// 4. 認証状態機械のレジストリ
	profiles := repository.NewPostgresProfileRepo(db)
	collector := metrics.NewCollector(prometheus.DefaultRegisterer)
	registry := auth.NewRegistry(store, auth.Deps{
		Gateway:        gateway,
		Profiles:       profiles,
		Metrics:        collector,
		ResendCooldown: cfg.ResendCooldown,
		GatewayTimeout: cfg.GatewayTimeout,
	}, cfg.MachineIdleTTL)
	go registry.Run(ctx, registrySweepInterval)

	// 5. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(middleware.NewRateLimiterConfig(cfg.RateLimitGeneral, cfg.RateLimitAuth))
	defer rateLimiter.Stop()

	router := handler.NewRouter(newRouterDeps(cfg, routerServices{
		db:          db,
		collector:   collector,
		gatherer:    prometheus.DefaultGatherer,
		rateLimiter: rateLimiter,
		registry:    registry,
		profiles:    profiles,
	}))

	// 6. HTTPサーバーの起動
	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// IdP呼び出しを含むため、ゲートウェイのタイムアウトより長くする
		WriteTimeout: cfg.GatewayTimeout*3 + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("API server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server listen error: %w", err)
	case <-ctx.Done():
	}
	slog.Info("shutting down API server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// routerServices はルーター構築に必要な実体をまとめる。
type routerServices struct {
	db          handler.HealthChecker
	collector   metrics.MetricsCollector
	gatherer    prometheus.Gatherer
	rateLimiter *middleware.RateLimiter
	registry    *auth.Registry
	profiles    handler.ProfileFinder
}

// newRouterDeps は設定値とサービスからRouterDepsを組み立てる。
func newRouterDeps(cfg *config.Config, svc routerServices) *handler.RouterDeps {
	return &handler.RouterDeps{
		HealthChecker:   svc.db,
		MetricsGatherer: svc.gatherer,
		Metrics:         svc.collector,
		Logger:          slog.Default(),
		ClientCookie: middleware.ClientCookieConfig{
			Secret: []byte(cfg.SessionSecret),
			MaxAge: cfg.SessionMaxAgeDuration(),
			Secure: cfg.CookieSecure,
			Domain: cfg.CookieDomain,
		},
		CSRF: middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		},
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       svc.rateLimiter,
		Machines:          handler.NewRegistryAdapter(svc.registry),
		Profiles:          svc.profiles,
	}
}

// openDatabase はDB接続を開き、疎通を確認する。
func openDatabase(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := database.Open(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established")
	return db, nil
}

// openSessionKV はSESSION_BACKENDに応じたセッション永続化先を返す。
// 戻り値のclose関数は常に呼び出してよい。
func openSessionKV(ctx context.Context, cfg *config.Config, db *sql.DB) (repository.KVStore, func() error, error) {
	if cfg.SessionBackend != config.SessionBackendRedis {
		return repository.NewPostgresKVStore(db), func() error { return nil }, nil
	}

	client, err := repository.OpenRedis(cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	slog.Info("redis connection established")
	return repository.NewRedisKVStore(client, redisKeyPrefix), client.Close, nil
}

// newGateway はIdPゲートウェイを生成する。
// エミュレータ指定時は平文HTTPのローカル接続を許可し、それ以外はエンドポイントを検証した上で
// 内部ネットワークへ到達できないクライアントを使う。
func newGateway(cfg *config.Config) (*identity.RESTGateway, error) {
	if cfg.IdentityEmulatorHost != "" {
		identityURL, tokenURL := identity.EmulatorURLs(cfg.IdentityEmulatorHost)
		slog.Warn("using identity emulator", slog.String("host", cfg.IdentityEmulatorHost))
		return identity.NewRESTGateway(identity.Config{
			APIKey:      cfg.IdentityAPIKey,
			IdentityURL: identityURL,
			TokenURL:    tokenURL,
			HTTPClient:  &http.Client{Timeout: cfg.GatewayTimeout},
		}), nil
	}

	guard := security.NewEndpointGuard()
	for _, endpoint := range []string{cfg.IdentityBaseURL, cfg.IdentityTokenURL} {
		if err := guard.ValidateEndpoint(endpoint); err != nil {
			return nil, fmt.Errorf("invalid identity endpoint %q: %w", endpoint, err)
		}
	}

	return identity.NewRESTGateway(identity.Config{
		APIKey:      cfg.IdentityAPIKey,
		IdentityURL: cfg.IdentityBaseURL,
		TokenURL:    cfg.IdentityTokenURL,
		HTTPClient:  guard.NewSafeClient(cfg.GatewayTimeout),
	}), nil
}

// runWorker はワーカーモードで起動する。
// 期限切れのセッションエントリをCLEANUP_INTERVAL間隔で削除する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	if cfg.SessionBackend == config.SessionBackendRedis {
		slog.Info("session entries expire in redis; nothing to clean up")
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("worker starting", slog.Duration("cleanup_interval", cfg.CleanupInterval))

	cleanup.NewCleanupJob(db, slog.Default()).Start(ctx, cfg.CleanupInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLのパスワードを伏せる。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	return u.Redacted()
}
