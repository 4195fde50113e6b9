// Package idp は外部IDプロバイダ（Keycloak互換のOIDCプロバイダ）との通信を担う。
//
// すべての呼び出しはタイムアウトを持ち、失敗は一時的（transient）か
// 拒否（rejected）に分類される。一時的な失敗はジッター付き指数バックオフで
// 再試行し、回数上限に達した場合は一時的な失敗として呼び出し元に返す。
package idp

import (
	"context"

	"github.com/serezk4/lockbox-backend/pkg/credential"
)

// Introspection はイントロスペクションの結果。
type Introspection struct {
	// Active はトークンが有効かどうか。
	Active bool
	// Claims はプロバイダが返した主張。
	Claims credential.Claims
}

// GrantType はOAuth2のグラント種別。
type GrantType string

const (
	// GrantPassword はリソースオーナーパスワードグラント。
	GrantPassword GrantType = "password"
	// GrantClientCredentials はクライアントクレデンシャルグラント。
	GrantClientCredentials GrantType = "client_credentials"
	// GrantAuthorizationCode は認可コードグラント。
	GrantAuthorizationCode GrantType = "authorization_code"
	// GrantRefreshToken はリフレッシュトークングラント。
	GrantRefreshToken GrantType = "refresh_token"
)

// Grant はトークン発行要求。
type Grant struct {
	Type         GrantType
	Username     string
	Password     string
	Code         string
	RedirectURI  string
	RefreshToken string
	Scopes       []string
}

// Adapter はIDプロバイダとの通信の契約。
type Adapter interface {
	// Introspect はトークンの有効性と主張を問い合わせる。
	Introspect(ctx context.Context, raw string) (Introspection, error)
	// Revoke はトークンを失効させる。
	Revoke(ctx context.Context, raw string, hint credential.TokenType) error
	// Issue はグラントに基づいてトークンを発行する。
	Issue(ctx context.Context, grant Grant) (credential.Pair, error)
}
