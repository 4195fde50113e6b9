package authz

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/serezk4/lockbox-backend/pkg/apperror"
	"github.com/serezk4/lockbox-backend/pkg/credential"
	"github.com/serezk4/lockbox-backend/pkg/logger"
	"github.com/serezk4/lockbox-backend/pkg/metrics"
	"github.com/serezk4/lockbox-backend/pkg/middleware"
)

// Server は認可サービスのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// cfg はサービス設定。
	cfg Config
	// service はセッション管理。
	service *Service
	// clients はイントロスペクション要求のクライアント認証に使う。
	clients *Registry
	// validator はベアラートークンの検証器。
	validator middleware.TokenValidator
}

// NewServer は新しい認可サーバーを生成する。
func NewServer(cfg Config, service *Service, clients *Registry, validator middleware.TokenValidator) (*Server, error) {
	if service == nil || clients == nil || validator == nil {
		return nil, errors.New("認可サーバーの依存関係が不足しています")
	}
	router := gin.New()
	if err := router.SetTrustedProxies(cfg.TrustedProxies); err != nil {
		return nil, fmt.Errorf("信頼するプロキシの設定に失敗: %w", err)
	}
	router.Use(middleware.RequestLogger())
	router.Use(middleware.Recovery())

	s := &Server{
		router:    router,
		cfg:       cfg,
		service:   service,
		clients:   clients,
		validator: validator,
	}
	s.setupRoutes()
	return s, nil
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
		logger.L().Info("認可サービスを起動します", zap.String("addr", srv.Addr))
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
		logger.L().Info("認可サービスを停止します")
		return srv.Shutdown(sctx)
	}
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "authz"})
	})
	s.router.GET("/ready", s.handleReady())
	s.router.GET("/metrics", metrics.Handler())

	oauth := s.router.Group("/oauth")
	{
		oauth.POST("/token", s.handleToken())
		oauth.POST("/introspect", s.handleIntrospect())
	}

	// 利用者自身のセッション管理（認証必須）
	api := s.router.Group("/api/v1")
	api.Use(middleware.Authenticate(s.validator))
	{
		api.GET("/sessions", s.handleListSessions())
		api.DELETE("/sessions/:id", s.handleRevokeSession())
	}
}

func (s *Server) handleReady() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), time.Second)
		defer cancel()
		if err := s.service.Ping(ctx); err != nil {
			logger.From(c.Request.Context()).Warn("依存先に接続できません", zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "service": "authz"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready", "service": "authz"})
	}
}

// tokenResponse はトークンエンドポイントのレスポンス。
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
	SessionID    string `json:"session_id"`
}

// handleToken はトークン発行・更新のハンドラを返す。
// クライアント認証はBasic認証またはフォームのclient_id/client_secretで行う。
func (s *Server) handleToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientID, secret := clientCredentials(c)
		grantType := c.PostForm("grant_type")
		if grantType == "" {
			apperror.Respond(c, apperror.New(apperror.KindInvalidRequest, "grant_typeが必要です"))
			return
		}

		var (
			issued Issued
			err    error
		)
		if grantType == "refresh_token" {
			issued, err = s.service.Refresh(c.Request.Context(), RefreshRequest{
				ClientID:     clientID,
				ClientSecret: secret,
				RefreshToken: c.PostForm("refresh_token"),
			})
		} else {
			issued, err = s.service.Authorize(c.Request.Context(), GrantRequest{
				ClientID:     clientID,
				ClientSecret: secret,
				GrantType:    grantType,
				Username:     c.PostForm("username"),
				Password:     c.PostForm("password"),
				Code:         c.PostForm("code"),
				RedirectURI:  c.PostForm("redirect_uri"),
				Scopes:       credential.ParseScopes(c.PostForm("scope")),
			})
		}
		if err != nil {
			apperror.Respond(c, err)
			return
		}

		resp := tokenResponse{
			AccessToken:  issued.Pair.Access.Raw,
			TokenType:    "Bearer",
			RefreshToken: issued.Pair.Refresh.Raw,
			Scope:        issued.Pair.Access.Claims.Scopes.String(),
			SessionID:    issued.SessionID,
		}
		if exp := issued.Pair.Access.Claims.ExpiresAt; !exp.IsZero() {
			resp.ExpiresIn = max(int64(time.Until(exp).Seconds()), 0)
		}
		c.Header("Cache-Control", "no-store")
		c.JSON(http.StatusOK, resp)
	}
}

// introspectResponse はイントロスペクションのレスポンス。
type introspectResponse struct {
	Active    bool     `json:"active"`
	Subject   string   `json:"sub,omitempty"`
	ClientID  string   `json:"client_id,omitempty"`
	Scope     string   `json:"scope,omitempty"`
	Issuer    string   `json:"iss,omitempty"`
	Audience  []string `json:"aud,omitempty"`
	ExpiresAt int64    `json:"exp,omitempty"`
	IssuedAt  int64    `json:"iat,omitempty"`
	SessionID string   `json:"sid,omitempty"`
	TokenType string   `json:"token_type,omitempty"`
}

// handleIntrospect はトークンの有効性を返すハンドラを返す。
// 無効なトークンについては active=false 以外の情報を返さない。
func (s *Server) handleIntrospect() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientID, secret := clientCredentials(c)
		if _, err := s.clients.Authenticate(clientID, secret); err != nil {
			apperror.Respond(c, apperror.Wrap(apperror.KindUnauthenticated, "クライアント認証に失敗しました", err))
			return
		}
		raw := c.PostForm("token")
		if raw == "" {
			apperror.Respond(c, apperror.New(apperror.KindInvalidRequest, "tokenが必要です"))
			return
		}

		result := s.validator.Validate(c.Request.Context(), raw)
		if !result.Valid() {
			c.JSON(http.StatusOK, introspectResponse{Active: false})
			return
		}
		claims := result.Claims
		resp := introspectResponse{
			Active:    true,
			Subject:   claims.Subject,
			ClientID:  claims.ClientID,
			Scope:     claims.Scopes.String(),
			Issuer:    claims.Issuer,
			Audience:  claims.Audience,
			SessionID: claims.SessionID,
			TokenType: string(claims.TokenType),
		}
		if !claims.ExpiresAt.IsZero() {
			resp.ExpiresAt = claims.ExpiresAt.Unix()
		}
		if !claims.IssuedAt.IsZero() {
			resp.IssuedAt = claims.IssuedAt.Unix()
		}
		c.JSON(http.StatusOK, resp)
	}
}

// handleListSessions は認証済みユーザーのセッション一覧を返すハンドラを返す。
func (s *Server) handleListSessions() gin.HandlerFunc {
	return func(c *gin.Context) {
		subject := middleware.GetUserID(c)
		if subject == "" {
			apperror.Respond(c, apperror.New(apperror.KindUnauthorized, "主体の無いトークンではセッションを操作できません"))
			return
		}
		sessions, err := s.service.ListSessions(c.Request.Context(), subject)
		if err != nil {
			apperror.Respond(c, err)
			return
		}
		if sessions == nil {
			sessions = []Session{}
		}
		c.JSON(http.StatusOK, gin.H{"sessions": sessions})
	}
}

// handleRevokeSession は認証済みユーザーのセッションを失効させるハンドラを返す。
// すべての失効手順が完了してから204を返す。
func (s *Server) handleRevokeSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor := middleware.GetUserID(c)
		if actor == "" {
			apperror.Respond(c, apperror.New(apperror.KindUnauthorized, "主体の無いトークンではセッションを操作できません"))
			return
		}
		if err := s.service.RevokeSession(c.Request.Context(), c.Param("id"), actor); err != nil {
			apperror.Respond(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// clientCredentials はBasic認証ヘッダーまたはフォームからクライアント資格情報を取り出す。
func clientCredentials(c *gin.Context) (string, string) {
	if id, secret, ok := c.Request.BasicAuth(); ok {
		return id, secret
	}
	return strings.TrimSpace(c.PostForm("client_id")), c.PostForm("client_secret")
}
