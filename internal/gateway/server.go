package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/nao1215/stockquest/internal/config"
	"github.com/nao1215/stockquest/internal/identity"
	"github.com/nao1215/stockquest/pkg/gate"
	"github.com/nao1215/stockquest/pkg/httpclient"
	"github.com/nao1215/stockquest/pkg/middleware"
)

// shutdownTimeout はグレースフルシャットダウンの待ち時間。
const shutdownTimeout = 10 * time.Second

// Server はアクセスゲートウェイのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// cfg はゲートウェイの設定。
	cfg config.Config
	// store はユーザー・ロール・監査イベントのストア。
	store *identity.Store
	// sessions はセッションとプロフィールのプロバイダ。
	sessions *identity.SessionProvider
	// roles はロールのプロバイダ。
	roles *identity.RoleProvider
	// profileClient はプロフィールサービスのクライアント。ローカルDBを使う場合はnil。
	profileClient *httpclient.Client
	// auditor はゲートの判定と権限変更を記録する。
	auditor *storeAuditor
	// proxyClient は内部サービスへの転送に使うHTTPクライアント。
	proxyClient *http.Client
	// logger はロガー。
	logger *zap.Logger
}

// NewServer は新しいGatewayサーバーを生成する。storeのクローズは呼び出し側の責務。
func NewServer(cfg config.Config, store *identity.Store, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	pcfg := identity.ProviderConfig{
		Wait:     cfg.Gate.ResolveWait,
		TTL:      cfg.Gate.CacheTTL,
		ErrorTTL: cfg.Gate.ErrorTTL,
		Logger:   logger,
	}

	var (
		profiles      identity.ProfileSource = store
		profileClient *httpclient.Client
	)
	if cfg.Services.Profile != "" {
		profileClient = httpclient.New(cfg.Services.Profile)
		profiles = identity.NewRemoteProfiles(profileClient)
	}

	router := gin.New()
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.RequestLogger(logger))
	router.Use(middleware.CORS(cfg.CORS.AllowedOrigins))

	s := &Server{
		router:        router,
		cfg:           cfg,
		store:         store,
		sessions:      identity.NewSessionProvider(middleware.TokenVerifier(cfg.Session.JWTSecret), store, profiles, pcfg),
		roles:         identity.NewRoleProvider(store, pcfg),
		profileClient: profileClient,
		auditor:       &storeAuditor{store: store, logger: logger},
		proxyClient:   &http.Client{Timeout: httpclient.DefaultTimeout},
		logger:        logger,
	}
	s.setupRoutes()

	return s
}

// Handler はHTTPハンドラを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run はHTTPサーバーを起動し、ctxがキャンセルされるとグレースフルに停止する。
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", s.cfg.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Gatewayサービスを起動", zap.String("port", s.cfg.Port))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	s.logger.Info("Gatewayサービスを停止")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("シャットダウンに失敗: %w", err)
	}
	return nil
}

// Close はプロバイダのバックグラウンド処理を終了する。
func (s *Server) Close() {
	s.sessions.Close()
	s.roles.Close()
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes() {
	authGate := middleware.AuthGate(s.sessions, gate.AuthGate{
		AuthEntryPath:  s.cfg.Gate.AuthEntryPath,
		OnboardingPath: s.cfg.Gate.OnboardingPath,
	}, middleware.WithGateLogger(s.logger), middleware.WithAuditor(s.auditor))
	adminGate := middleware.RoleGate(s.roles, gate.RoleGate{},
		middleware.WithGateLogger(s.logger), middleware.WithAuditor(s.auditor))
	ownerGate := middleware.RoleGate(s.roles, gate.RoleGate{RequireOwner: true},
		middleware.WithGateLogger(s.logger), middleware.WithAuditor(s.auditor))

	// ログイン（認証不要）
	s.router.GET(s.cfg.Gate.AuthEntryPath, s.handleAuthEntry())
	auth := s.router.Group("/auth")
	{
		auth.POST("/logout", s.handleLogout())
		if s.cfg.DevMode {
			// 開発用トークン発行
			auth.POST("/dev-token", s.handleDevToken())
		}
	}

	// オンボーディング（ゲートはこのパス自体への遷移を許可する）
	onboarding := s.router.Group(s.cfg.Gate.OnboardingPath, authGate)
	{
		onboarding.GET("", s.handleOnboardingStatus())
		onboarding.POST("", s.handleCompleteOnboarding())
	}

	// 認証とオンボーディングが必須のAPIエンドポイント
	api := s.router.Group("/api/v1", authGate)
	{
		api.GET("/me", s.handleGetCurrentUser())

		// 株価データ（プロキシ）
		api.GET("/quotes/:symbol", s.handleProxyWithParam(s.cfg.Services.MarketData, "/api/v1/quotes/", "symbol"))
		// レッスン（プロキシ）
		api.GET("/lessons", s.handleProxy(s.cfg.Services.Lesson, "/api/v1/lessons"))
		api.GET("/lessons/:id", s.handleProxyWithParam(s.cfg.Services.Lesson, "/api/v1/lessons/", "id"))
	}

	// 管理者専用
	admin := api.Group("/admin", adminGate)
	{
		admin.GET("/users/:id/roles", s.handleGetRoles())
		admin.POST("/users/:id/roles", s.handleGrantRole(identity.RoleAdmin))
	}

	// オーナー専用
	owner := admin.Group("/owner", ownerGate)
	{
		owner.POST("/users/:id/roles", s.handleGrantRole(identity.RoleOwner))
		owner.DELETE("/users/:id/roles/:role", s.handleRevokeRole())
		owner.GET("/access-events", s.handleListAccessEvents())
	}

	// ヘルスチェック
	s.router.GET("/health", s.handleHealth())
}

// handleHealth はデータベースへの疎通を含むヘルスチェックのハンドラを返す。
func (s *Server) handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := s.store.Ping(c.Request.Context()); err != nil {
			s.logger.Error("ヘルスチェックに失敗", zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "service": "gateway"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "gateway"})
	}
}
