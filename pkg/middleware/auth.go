package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/serezk4/lockbox-backend/pkg/apperror"
	"github.com/serezk4/lockbox-backend/pkg/credential"
	"github.com/serezk4/lockbox-backend/pkg/logger"
	"github.com/serezk4/lockbox-backend/pkg/validator"
)

// TokenValidator はベアラートークンを検証する。
type TokenValidator interface {
	Validate(ctx context.Context, raw string) credential.ValidationResult
}

// HeaderUserID はサービス間でユーザーIDを伝播するためのHTTPヘッダーキー。
const HeaderUserID = "X-User-ID"

const (
	ctxKeyUserID      = "user_id"
	ctxKeyClaims      = "claims"
	ctxKeyFingerprint = "fingerprint"
)

// BearerToken はAuthorizationヘッダーからベアラートークンを取り出す。
// スキーム名の大文字小文字は区別しない。
func BearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	scheme, token, found := strings.Cut(authHeader, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// Authenticate はベアラートークンを検証するGinミドルウェアを返す。
// 検証に成功した場合、コンテキストに主体のクレームを設定する。
// scopesを指定した場合、すべてのスコープを持たないトークンは403で拒否する。
func Authenticate(v TokenValidator, scopes ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, ok := BearerToken(c.Request)
		if !ok {
			apperror.Respond(c, apperror.New(apperror.KindUnauthenticated, "Bearerトークンが必要です"))
			return
		}

		result := v.Validate(c.Request.Context(), raw)
		if !result.Valid() {
			logger.From(c.Request.Context()).Info("トークンの検証に失敗",
				logger.Fingerprint(result.Fingerprint))
			apperror.Respond(c, apperror.New(apperror.KindUnauthenticated, "トークンが無効です"))
			return
		}
		if !validator.RequireScopes(result, scopes) {
			apperror.Respond(c, apperror.New(apperror.KindUnauthorized, "スコープが不足しています"))
			return
		}

		SetPrincipal(c, result)
		c.Next()
	}
}

// SetPrincipal は検証済みの主体をコンテキストに設定する。
func SetPrincipal(c *gin.Context, result credential.ValidationResult) {
	c.Set(ctxKeyUserID, result.Claims.Subject)
	c.Set(ctxKeyClaims, result.Claims)
	c.Set(ctxKeyFingerprint, result.Fingerprint)
}

// GetUserID はGinコンテキストからユーザーIDを取得する。
// Authenticateミドルウェアが事前に適用されている必要がある。
func GetUserID(c *gin.Context) string {
	return c.GetString(ctxKeyUserID)
}

// GetClaims はGinコンテキストから検証済みのクレームを取得する。
func GetClaims(c *gin.Context) (credential.Claims, bool) {
	v, ok := c.Get(ctxKeyClaims)
	if !ok {
		return credential.Claims{}, false
	}
	claims, ok := v.(credential.Claims)
	return claims, ok
}

// GetFingerprint は検証済みトークンのフィンガープリントを取得する。
func GetFingerprint(c *gin.Context) string {
	return c.GetString(ctxKeyFingerprint)
}
