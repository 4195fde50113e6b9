package idp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coreos/go-oidc/v3/oidc"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/serezk4/lockbox-backend/pkg/credential"
	"github.com/serezk4/lockbox-backend/pkg/httpclient"
	"github.com/serezk4/lockbox-backend/pkg/logger"
	"github.com/serezk4/lockbox-backend/pkg/metrics"
)

// Config はIDプロバイダ接続の設定。
type Config struct {
	// Issuer はプロバイダの発行者URL（例: https://kc.example.com/realms/lockbox）。
	Issuer string `yaml:"issuer"`
	// Discover がtrueの場合、Issuerの .well-known/openid-configuration から
	// エンドポイントを取得する。
	Discover bool `yaml:"discover"`
	TokenURL         string `yaml:"token_url"`
	IntrospectionURL string `yaml:"introspection_url"`
	RevocationURL    string `yaml:"revocation_url"`
	JWKSURL          string `yaml:"jwks_url"`
	// ClientID, ClientSecret はこのサービス自身のクライアント資格情報。
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	// Timeout は1回の呼び出しのタイムアウト。
	Timeout time.Duration `yaml:"timeout"`
	// MaxAttempts は最初の試行を含む最大試行回数。
	MaxAttempts uint `yaml:"max_attempts"`
	// InitialInterval, MaxInterval はバックオフの初期間隔と上限。
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
}

// withDefaults は未設定の値に既定値を入れる。
func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 2 * time.Second
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 3
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = 100 * time.Millisecond
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = 2 * time.Second
	}
	return c
}

// keycloakEndpoints はKeycloakのエンドポイントパスを発行者URLから組み立てる。
func keycloakEndpoints(c *Config) {
	base := strings.TrimSuffix(c.Issuer, "/") + "/protocol/openid-connect"
	if c.TokenURL == "" {
		c.TokenURL = base + "/token"
	}
	if c.IntrospectionURL == "" {
		c.IntrospectionURL = base + "/token/introspect"
	}
	if c.RevocationURL == "" {
		c.RevocationURL = base + "/revoke"
	}
	if c.JWKSURL == "" {
		c.JWKSURL = base + "/certs"
	}
}

// OIDCAdapter はOIDC/OAuth2エンドポイントを用いたAdapterの実装。
type OIDCAdapter struct {
	cfg        Config
	client     *httpclient.Client
	httpClient *http.Client
}

// NewOIDCAdapter はアダプタを生成する。Discoverが有効な場合はプロバイダの
// メタデータからエンドポイントを解決する。
func NewOIDCAdapter(ctx context.Context, cfg Config, httpClient *http.Client) (*OIDCAdapter, error) {
	cfg = cfg.withDefaults()
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	if cfg.Discover {
		if err := discover(ctx, &cfg, httpClient); err != nil {
			return nil, err
		}
	}
	if cfg.Issuer != "" {
		keycloakEndpoints(&cfg)
	}
	if cfg.TokenURL == "" || cfg.IntrospectionURL == "" || cfg.RevocationURL == "" {
		return nil, errors.New("IDプロバイダのエンドポイントが設定されていません")
	}

	return &OIDCAdapter{
		cfg: cfg,
		client: httpclient.New("",
			httpclient.WithHTTPClient(httpClient),
			httpclient.WithBasicAuth(cfg.ClientID, cfg.ClientSecret),
		),
		httpClient: httpClient,
	}, nil
}

// JWKSURL は解決済みのJWKSエンドポイントを返す。
func (a *OIDCAdapter) JWKSURL() string {
	return a.cfg.JWKSURL
}

// discover はOIDCディスカバリでエンドポイントを補完する。
func discover(ctx context.Context, cfg *Config, httpClient *http.Client) error {
	dctx, cancel := context.WithTimeout(oidc.ClientContext(ctx, httpClient), cfg.Timeout)
	defer cancel()

	provider, err := oidc.NewProvider(dctx, cfg.Issuer)
	if err != nil {
		return fmt.Errorf("OIDCディスカバリに失敗: %w", err)
	}
	var meta struct {
		IntrospectionEndpoint string `json:"introspection_endpoint"`
		RevocationEndpoint    string `json:"revocation_endpoint"`
		JWKSURI               string `json:"jwks_uri"`
	}
	if err := provider.Claims(&meta); err != nil {
		return fmt.Errorf("OIDCメタデータの解析に失敗: %w", err)
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = provider.Endpoint().TokenURL
	}
	if cfg.IntrospectionURL == "" {
		cfg.IntrospectionURL = meta.IntrospectionEndpoint
	}
	if cfg.RevocationURL == "" {
		cfg.RevocationURL = meta.RevocationEndpoint
	}
	if cfg.JWKSURL == "" {
		cfg.JWKSURL = meta.JWKSURI
	}
	return nil
}

// introspectionResponse はRFC 7662 / Keycloakのイントロスペクション応答。
type introspectionResponse struct {
	Active    bool     `json:"active"`
	Scope     string   `json:"scope"`
	ClientID  string   `json:"client_id"`
	Azp       string   `json:"azp"`
	Sub       string   `json:"sub"`
	Iss       string   `json:"iss"`
	Aud       audience `json:"aud"`
	Exp       int64    `json:"exp"`
	Iat       int64    `json:"iat"`
	Sid       string   `json:"sid"`
	Typ       string   `json:"typ"`
	TokenType string   `json:"token_type"`
}

// audience は文字列または文字列配列のaudを受け付ける。
type audience []string

// UnmarshalJSON はjson.Unmarshalerを実装する。
func (a *audience) UnmarshalJSON(b []byte) error {
	var single string
	if err := json.Unmarshal(b, &single); err == nil {
		if single != "" {
			*a = audience{single}
		}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*a = many
	return nil
}

func (r introspectionResponse) claims() credential.Claims {
	c := credential.Claims{
		Subject:   r.Sub,
		Issuer:    r.Iss,
		Audience:  []string(r.Aud),
		Scopes:    credential.ParseScopes(r.Scope),
		SessionID: r.Sid,
		ClientID:  r.ClientID,
		TokenType: credential.TokenTypeAccess,
	}
	if c.ClientID == "" {
		c.ClientID = r.Azp
	}
	if r.Exp > 0 {
		c.ExpiresAt = time.Unix(r.Exp, 0)
	}
	if r.Iat > 0 {
		c.IssuedAt = time.Unix(r.Iat, 0)
	}
	if strings.EqualFold(r.Typ, "refresh") || strings.Contains(r.TokenType, "refresh") {
		c.TokenType = credential.TokenTypeRefresh
	}
	return c
}

// Introspect はAdapter.Introspectを実装する。
func (a *OIDCAdapter) Introspect(ctx context.Context, raw string) (Introspection, error) {
	return retry(ctx, a, "introspect", func(ctx context.Context) (Introspection, error) {
		var resp introspectionResponse
		form := url.Values{"token": {raw}, "token_type_hint": {"access_token"}}
		if err := a.client.PostForm(ctx, a.cfg.IntrospectionURL, form, &resp); err != nil {
			return Introspection{}, err
		}
		if !resp.Active {
			return Introspection{Active: false}, nil
		}
		return Introspection{Active: true, Claims: resp.claims()}, nil
	})
}

// Revoke はAdapter.Revokeを実装する。
func (a *OIDCAdapter) Revoke(ctx context.Context, raw string, hint credential.TokenType) error {
	typeHint := "access_token"
	if hint == credential.TokenTypeRefresh {
		typeHint = "refresh_token"
	}
	_, err := retry(ctx, a, "revoke", func(ctx context.Context) (struct{}, error) {
		form := url.Values{"token": {raw}, "token_type_hint": {typeHint}}
		return struct{}{}, a.client.PostForm(ctx, a.cfg.RevocationURL, form, nil)
	})
	return err
}

// Issue はAdapter.Issueを実装する。
func (a *OIDCAdapter) Issue(ctx context.Context, grant Grant) (credential.Pair, error) {
	return retry(ctx, a, "issue", func(ctx context.Context) (credential.Pair, error) {
		tok, err := a.token(context.WithValue(ctx, oauth2.HTTPClient, a.httpClient), grant)
		if err != nil {
			return credential.Pair{}, err
		}
		return pairFromToken(tok, grant), nil
	})
}

// token はグラント種別に応じてoauth2パッケージでトークンを取得する。
func (a *OIDCAdapter) token(ctx context.Context, grant Grant) (*oauth2.Token, error) {
	conf := &oauth2.Config{
		ClientID:     a.cfg.ClientID,
		ClientSecret: a.cfg.ClientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  a.cfg.TokenURL,
			AuthStyle: oauth2.AuthStyleInHeader,
		},
		RedirectURL: grant.RedirectURI,
		Scopes:      grant.Scopes,
	}

	switch grant.Type {
	case GrantPassword:
		return conf.PasswordCredentialsToken(ctx, grant.Username, grant.Password)
	case GrantClientCredentials:
		cc := &clientcredentials.Config{
			ClientID:     a.cfg.ClientID,
			ClientSecret: a.cfg.ClientSecret,
			TokenURL:     a.cfg.TokenURL,
			Scopes:       grant.Scopes,
			AuthStyle:    oauth2.AuthStyleInHeader,
		}
		return cc.Token(ctx)
	case GrantAuthorizationCode:
		return conf.Exchange(ctx, grant.Code)
	case GrantRefreshToken:
		return conf.TokenSource(ctx, &oauth2.Token{RefreshToken: grant.RefreshToken}).Token()
	default:
		return nil, &Error{Op: "issue", Class: ClassRejected, Err: fmt.Errorf("未対応のグラント種別: %q", grant.Type)}
	}
}

// pairFromToken はoauth2.Tokenをトークンの組に変換する。
func pairFromToken(tok *oauth2.Token, grant Grant) credential.Pair {
	access := credential.Credential{Raw: tok.AccessToken}
	if credential.LooksLikeJWT(tok.AccessToken) {
		if c, err := credential.ParseUnverified(tok.AccessToken); err == nil {
			access.Claims = c
		}
	}
	if access.Claims.ExpiresAt.IsZero() && !tok.Expiry.IsZero() {
		access.Claims.ExpiresAt = tok.Expiry
	}
	if len(access.Claims.Scopes) == 0 {
		if s, ok := tok.Extra("scope").(string); ok {
			access.Claims.Scopes = credential.ParseScopes(s)
		} else {
			access.Claims.Scopes = grant.Scopes
		}
	}
	if access.Claims.SessionID == "" {
		access.Claims.SessionID, _ = tok.Extra("session_state").(string)
	}
	access.Claims.TokenType = credential.TokenTypeAccess

	pair := credential.Pair{Access: access}
	if tok.RefreshToken != "" {
		refresh := credential.Credential{Raw: tok.RefreshToken, Claims: access.Claims}
		refresh.Claims.TokenType = credential.TokenTypeRefresh
		refresh.Claims.ExpiresAt = time.Time{}
		if secs := extraSeconds(tok, "refresh_expires_in"); secs > 0 {
			refresh.Claims.ExpiresAt = time.Now().Add(time.Duration(secs) * time.Second)
		}
		pair.Refresh = refresh
	}
	return pair
}

func extraSeconds(tok *oauth2.Token, key string) int64 {
	switch v := tok.Extra(key).(type) {
	case float64:
		return int64(v)
	case json.Number:
		n, _ := v.Int64()
		return n
	}
	return 0
}

// retry は呼び出しごとにタイムアウトを設け、一時的な失敗をバックオフ付きで再試行する。
func retry[T any](ctx context.Context, a *OIDCAdapter, op string, fn func(context.Context) (T, error)) (T, error) {
	attempt := 0
	operation := func() (T, error) {
		attempt++
		callCtx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
		defer cancel()

		v, err := fn(callCtx)
		if err == nil {
			return v, nil
		}
		perr := classify(op, err)
		if perr.Class == ClassRejected || ctx.Err() != nil {
			return v, backoff.Permanent(perr)
		}
		logger.From(ctx).Debug("IDプロバイダ呼び出しに失敗、再試行します",
			logger.Op(op), zap.Int("attempt", attempt), zap.Error(err))
		return v, perr
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = a.cfg.InitialInterval
	expBackoff.MaxInterval = a.cfg.MaxInterval
	expBackoff.RandomizationFactor = 0.5
	expBackoff.Reset()

	v, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(a.cfg.MaxAttempts),
	)
	metrics.ProviderCallsTotal.WithLabelValues(op, metrics.Result(err)).Inc()
	if err != nil {
		return v, classify(op, err)
	}
	return v, nil
}
