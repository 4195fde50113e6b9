package credential

import (
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// LooksLikeJWT はトークンがJWSコンパクト形式（3セグメント）かを返す。
func LooksLikeJWT(raw string) bool {
	return strings.Count(raw, ".") == 2
}

// ParseUnverified は署名を検証せずにJWTの主張を読み出す。
// 有効期限による早期判定やプロバイダ応答の補完にのみ使い、認可の根拠にはしない。
func ParseUnverified(raw string) (Claims, error) {
	mc := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, mc); err != nil {
		return Claims{}, fmt.Errorf("JWTの解析に失敗: %w", err)
	}
	return ClaimsFromMap(mc), nil
}

// ClaimsFromMap はJWTのクレームをClaimsに変換する。
// Keycloak形式（scope, sid, azp, typ）にも対応する。
func ClaimsFromMap(mc jwt.MapClaims) Claims {
	var c Claims
	c.Subject, _ = mc.GetSubject()
	c.Issuer, _ = mc.GetIssuer()
	if aud, err := mc.GetAudience(); err == nil {
		c.Audience = []string(aud)
	}
	if exp, err := mc.GetExpirationTime(); err == nil && exp != nil {
		c.ExpiresAt = exp.Time
	}
	if iat, err := mc.GetIssuedAt(); err == nil && iat != nil {
		c.IssuedAt = iat.Time
	}

	switch v := mc["scope"].(type) {
	case string:
		c.Scopes = ParseScopes(v)
	case []any:
		c.Scopes = stringSlice(v)
	}
	if len(c.Scopes) == 0 {
		if v, ok := mc["scp"].([]any); ok {
			c.Scopes = stringSlice(v)
		}
	}

	c.SessionID, _ = mc["sid"].(string)
	if c.ClientID, _ = mc["client_id"].(string); c.ClientID == "" {
		c.ClientID, _ = mc["azp"].(string)
	}

	c.TokenType = TokenTypeAccess
	typ, _ := mc["typ"].(string)
	tt, _ := mc["token_type"].(string)
	if strings.EqualFold(typ, "refresh") || strings.EqualFold(tt, "refresh") {
		c.TokenType = TokenTypeRefresh
	}
	return c
}

func stringSlice(in []any) ScopeSet {
	out := make(ScopeSet, 0, len(in))
	for _, v := range in {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
