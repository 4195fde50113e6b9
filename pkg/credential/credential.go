// Package credential は資格情報（ベアラートークン）と検証結果のデータモデルを提供する。
//
// 生のトークン値は不透明な文字列として扱い、キャッシュキーやログには
// SHA-256フィンガープリントのみを用いる。
package credential

import (
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"strings"
	"time"
)

// TokenType は資格情報の種類を表す。
type TokenType string

const (
	// TokenTypeAccess はアクセストークン。
	TokenTypeAccess TokenType = "access"
	// TokenTypeRefresh はリフレッシュトークン。
	TokenTypeRefresh TokenType = "refresh"
)

// Verdict は検証の判定を表す。
type Verdict string

const (
	// VerdictValid は有効。
	VerdictValid Verdict = "valid"
	// VerdictInvalid は無効（署名不正、未知、プロバイダ到達不能による拒否）。
	VerdictInvalid Verdict = "invalid"
	// VerdictExpired は有効期限切れ。
	VerdictExpired Verdict = "expired"
	// VerdictRevoked は失効済み。
	VerdictRevoked Verdict = "revoked"
)

// ScopeSet はスコープの集合。
type ScopeSet []string

// ParseScopes は空白区切りのスコープ文字列を解析する。
func ParseScopes(s string) ScopeSet {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return nil
	}
	return ScopeSet(fields)
}

// Has はスコープを含むかを返す。
func (s ScopeSet) Has(scope string) bool {
	return slices.Contains(s, scope)
}

// HasAll は要求されたスコープをすべて含むかを返す。
func (s ScopeSet) HasAll(required []string) bool {
	for _, r := range required {
		if !s.Has(r) {
			return false
		}
	}
	return true
}

// String は空白区切りの表現を返す。
func (s ScopeSet) String() string {
	return strings.Join(s, " ")
}

// Claims は資格情報に紐づく主張。
type Claims struct {
	// Subject は主体（ユーザーまたはサービス）の識別子。
	Subject string `json:"sub,omitempty"`
	// Issuer は発行者。
	Issuer string `json:"iss,omitempty"`
	// Audience は想定受信者。
	Audience []string `json:"aud,omitempty"`
	// ExpiresAt は有効期限。ゼロ値は不明を表す。
	ExpiresAt time.Time `json:"exp,omitzero"`
	// IssuedAt は発行日時。
	IssuedAt time.Time `json:"iat,omitzero"`
	// Scopes は付与されたスコープ。
	Scopes ScopeSet `json:"scopes,omitempty"`
	// TokenType はトークン種別。
	TokenType TokenType `json:"token_type,omitempty"`
	// SessionID はIDプロバイダ側のセッション識別子。
	SessionID string `json:"sid,omitempty"`
	// ClientID はトークンを取得したクライアント。
	ClientID string `json:"client_id,omitempty"`
}

// Credential は不透明なベアラートークンとその主張。発行後は不変。
type Credential struct {
	// Raw は生のトークン値。
	Raw string
	// Claims は既知の主張。
	Claims Claims
}

// Fingerprint は資格情報のフィンガープリントを返す。
func (c Credential) Fingerprint() string {
	return Fingerprint(c.Raw)
}

// Fingerprint は生のトークン値のSHA-256ハッシュを16進文字列で返す。
func Fingerprint(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Pair はIDプロバイダが発行したトークンの組。
type Pair struct {
	// Access はアクセストークン。
	Access Credential
	// Refresh はリフレッシュトークン。発行されない場合はRawが空。
	Refresh Credential
}

// ValidationResult は資格情報の検証結果。
// キャッシュに格納され、失効処理以外で書き換えられることはない。
type ValidationResult struct {
	// Fingerprint は対象資格情報のフィンガープリント。
	Fingerprint string `json:"fingerprint"`
	// Verdict は判定。
	Verdict Verdict `json:"verdict"`
	// VerifiedAt は判定を得た日時。
	VerifiedAt time.Time `json:"verified_at"`
	// ValidUntil はこの結果を使ってよい期限。資格情報の有効期限を超えない。
	ValidUntil time.Time `json:"valid_until"`
	// Claims は検証済みの主張。
	Claims Claims `json:"claims"`
	// Degraded はプロバイダ障害のため古い結果を返したことを示す。
	Degraded bool `json:"-"`
	// ProviderUnavailable はプロバイダに到達できず拒否したことを示す。
	ProviderUnavailable bool `json:"-"`
}

// Valid は判定が有効かを返す。
func (r ValidationResult) Valid() bool {
	return r.Verdict == VerdictValid
}

// ValidUntil は検証日時、キャッシュ最大寿命、資格情報の有効期限から
// 結果の利用期限を計算する。資格情報の有効期限を超えることはない。
func ValidUntil(claims Claims, verifiedAt time.Time, maxAge time.Duration) time.Time {
	limit := verifiedAt.Add(maxAge)
	if !claims.ExpiresAt.IsZero() && claims.ExpiresAt.Before(limit) {
		return claims.ExpiresAt
	}
	return limit
}

// NewResult は検証結果を生成する。
func NewResult(fingerprint string, verdict Verdict, claims Claims, verifiedAt time.Time, maxAge time.Duration) ValidationResult {
	return ValidationResult{
		Fingerprint: fingerprint,
		Verdict:     verdict,
		VerifiedAt:  verifiedAt,
		ValidUntil:  ValidUntil(claims, verifiedAt, maxAge),
		Claims:      claims,
	}
}
