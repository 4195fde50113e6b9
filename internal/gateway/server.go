package gateway

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/serezk4/lockbox-backend/internal/gateway/admission"
	"github.com/serezk4/lockbox-backend/internal/gateway/route"
	"github.com/serezk4/lockbox-backend/pkg/apperror"
	"github.com/serezk4/lockbox-backend/pkg/credcache"
	"github.com/serezk4/lockbox-backend/pkg/logger"
	"github.com/serezk4/lockbox-backend/pkg/metrics"
	"github.com/serezk4/lockbox-backend/pkg/middleware"
)

// Server はGatewayサービスのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// cfg はサービス設定。
	cfg Config
	// routes はルーティングテーブル。
	routes *route.Table
	// admission は流入制御。
	admission *admission.Controller
	// validator はベアラートークンの検証器。
	validator middleware.TokenValidator
	// cache は準備完了確認に使う資格情報キャッシュ。
	cache credcache.Cache
	// proxy は全ルートで共有するリバースプロキシ。
	proxy *httputil.ReverseProxy
}

// Deps はServerが利用する外部コンポーネント。
type Deps struct {
	Validator middleware.TokenValidator
	Cache     credcache.Cache
	// Admission が nil の場合は設定から生成する。
	Admission *admission.Controller
	// Transport が nil の場合は http.DefaultTransport を使う。
	Transport http.RoundTripper
}

// NewServer は新しいGatewayサーバーを生成する。
// RoutesFileが設定されていれば起動時に読み込み、不正であればエラーを返す。
func NewServer(cfg Config, deps Deps) (*Server, error) {
	if deps.Validator == nil {
		return nil, errors.New("トークン検証器が設定されていません")
	}
	if deps.Admission == nil {
		deps.Admission = admission.New(admission.WithIdleTimeout(cfg.BucketIdleTimeout))
	}
	if deps.Transport == nil {
		deps.Transport = http.DefaultTransport
	}

	router := gin.New()
	router.RedirectTrailingSlash = false
	router.RedirectFixedPath = false
	if err := router.SetTrustedProxies(cfg.TrustedProxies); err != nil {
		return nil, fmt.Errorf("信頼するプロキシの設定に失敗: %w", err)
	}
	router.Use(middleware.RequestLogger())
	router.Use(middleware.Recovery())
	if len(cfg.CORSOrigins) > 0 {
		router.Use(middleware.CORS(cfg.CORSOrigins))
	}

	s := &Server{
		router:    router,
		cfg:       cfg,
		routes:    route.NewTable(),
		admission: deps.Admission,
		validator: deps.Validator,
		cache:     deps.Cache,
		proxy:     newReverseProxy(deps.Transport),
	}
	if cfg.RoutesFile != "" {
		if err := s.ReloadRoutes(); err != nil {
			return nil, err
		}
	}
	s.setupRoutes()

	return s, nil
}

// Handler はHTTPハンドラを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Routes はルーティングテーブルを返す。
func (s *Server) Routes() *route.Table {
	return s.routes
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
		logger.L().Info("Gatewayサービスを起動します", zap.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("HTTPサーバーの起動に失敗: %w", err)
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
		defer cancel()
		logger.L().Info("Gatewayサービスを停止します")
		return srv.Shutdown(sctx)
	}
}

// ReloadRoutes はルート定義ファイルを読み直してテーブルを差し替える。
// 不正なルートがあれば現在のテーブルを維持する。
func (s *Server) ReloadRoutes() error {
	if s.cfg.RoutesFile == "" {
		return apperror.New(apperror.KindConfigurationInvalid, "ルート定義ファイルが設定されていません")
	}
	routes, err := route.LoadFile(s.cfg.RoutesFile)
	if err != nil {
		if apperror.KindOf(err) == apperror.KindInternal {
			return apperror.Wrap(apperror.KindConfigurationInvalid, "ルート定義ファイルを読み込めません", err)
		}
		return err
	}
	if err := s.routes.Reload(routes); err != nil {
		logger.L().Warn("ルートのリロードに失敗したため現在のテーブルを維持します", zap.Error(err))
		return err
	}

	ids := make([]string, 0, len(routes))
	for _, r := range routes {
		ids = append(ids, r.ID)
	}
	s.admission.Retain(ids)

	snap := s.routes.Snapshot()
	logger.L().Info("ルートをリロードしました",
		zap.Uint64("generation", snap.Generation), zap.Int("routes", len(snap.Routes)))
	return nil
}

// setupRoutes はAPIルーティングを設定する。
// ここに登録したパス以外はすべてディスパッチャーが処理する。
func (s *Server) setupRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "gateway"})
	})
	s.router.GET("/ready", s.handleReady())
	s.router.GET("/metrics", metrics.Handler())

	// 管理用エンドポイント（管理トークン必須）
	if s.cfg.AdminToken != "" {
		admin := s.router.Group("/admin")
		admin.Use(s.adminAuth())
		{
			admin.GET("/routes", s.handleListRoutes())
			admin.POST("/routes/reload", s.handleReloadRoutes())
		}
	}

	s.router.NoRoute(s.handleDispatch())
}

// handleReady は資格情報キャッシュへの疎通を確認するハンドラを返す。
func (s *Server) handleReady() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cache != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), time.Second)
			defer cancel()
			if err := s.cache.Ping(ctx); err != nil {
				logger.From(c.Request.Context()).Warn("キャッシュに接続できません", zap.Error(err))
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "service": "gateway"})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready", "service": "gateway"})
	}
}

// adminAuth は管理トークンを検証するミドルウェアを返す。
func (s *Server) adminAuth() gin.HandlerFunc {
	want := []byte(s.cfg.AdminToken)
	return func(c *gin.Context) {
		got, ok := middleware.BearerToken(c.Request)
		if !ok || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			apperror.Respond(c, apperror.New(apperror.KindUnauthenticated, "管理トークンが無効です"))
			return
		}
		c.Next()
	}
}

// routeView は管理APIで返すルートとブレーカー状態。
type routeView struct {
	route.Route
	Breaker admission.BreakerStats `json:"breaker"`
}

// handleListRoutes は現在のルートとブレーカー状態を返すハンドラを返す。
func (s *Server) handleListRoutes() gin.HandlerFunc {
	return func(c *gin.Context) {
		snap := s.routes.Snapshot()
		views := make([]routeView, 0, len(snap.Routes))
		for _, r := range snap.Routes {
			stats, _ := s.admission.Stats(r.ID)
			views = append(views, routeView{Route: r, Breaker: stats})
		}
		c.JSON(http.StatusOK, gin.H{
			"generation": snap.Generation,
			"loaded_at":  snap.LoadedAt,
			"routes":     views,
		})
	}
}

// handleReloadRoutes はルート定義を再読み込みするハンドラを返す。
func (s *Server) handleReloadRoutes() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := s.ReloadRoutes(); err != nil {
			status, body := apperror.Body(err)
			if failures := route.Failures(err); len(failures) > 0 {
				body["failures"] = failures
			}
			c.AbortWithStatusJSON(status, body)
			return
		}
		snap := s.routes.Snapshot()
		c.JSON(http.StatusOK, gin.H{"generation": snap.Generation, "routes": len(snap.Routes)})
	}
}
