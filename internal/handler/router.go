package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/expenseman/internal/metrics"
	"github.com/hitoshi/expenseman/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// 監視
	HealthChecker   HealthChecker
	MetricsGatherer prometheus.Gatherer // nilの場合は/metricsを公開しない
	Metrics         metrics.MetricsCollector
	Logger          *slog.Logger

	// ミドルウェア依存
	ClientCookie      middleware.ClientCookieConfig
	CSRF              middleware.CSRFConfig
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter

	// 認証
	Machines MachineProvider
	Profiles ProfileFinder
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → SecurityHeaders → Logging → Metrics → RealIP → CORS
//	  → Client → CSRF → RateLimit(General) [→ RateLimit(Auth)]
//
// /health と /metrics はクライアントCookieを発行しない。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	collector := deps.Metrics
	if collector == nil {
		collector = metrics.Nop{}
	}

	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewMetricsMiddleware(collector))
	r.Use(chimw.RealIP)
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	authHandler := NewAuthHandler(deps.Machines)
	profileHandler := NewProfileHandler(deps.Machines, deps.Profiles)

	// --- クライアントCookie不要のルート ---
	if deps.HealthChecker != nil {
		r.Get("/health", NewHealthHandler(deps.HealthChecker))
	}
	if deps.MetricsGatherer != nil {
		r.Handle("/metrics", metrics.SetupMetricsRoute(deps.MetricsGatherer))
	}

	// --- クライアント単位のルート ---
	// ミドルウェアスタック: Client → CSRF → RateLimit(General)
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewClientMiddleware(deps.ClientCookie))
		r.Use(middleware.NewCSRFMiddleware(deps.CSRF))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Get("/api/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRF).ServeHTTP)

		r.Route("/auth", func(r chi.Router) {
			// 登録・ログインは送信元IP単位の制限を追加
			r.With(deps.RateLimiter.AuthMiddleware()).Post("/register", authHandler.Register)
			r.With(deps.RateLimiter.AuthMiddleware()).Post("/login", authHandler.Login)

			r.Post("/verification/resend", authHandler.ResendVerification)
			r.Post("/verification/check", authHandler.CheckVerification)
			r.Post("/refresh", authHandler.Refresh)
			r.Post("/logout", authHandler.Logout)
			r.Get("/state", authHandler.State)
		})

		r.Get("/api/profile", profileHandler.GetProfile)
	})

	return r
}
