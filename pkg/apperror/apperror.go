// Package apperror はゲートウェイと認可サービスが外部に返すエラー種別を定義する。
//
// エラー種別（Kind）は安定した識別子であり、レスポンスボディの "error" フィールドに
// そのまま出力される。内部状態（スタックトレース、接続先、トークン値など）は
// レスポンスに含めない。
package apperror

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Kind はエラーの種別を表す。
type Kind string

const (
	// KindNotFound はルートやリソースが見つからないことを表す。
	KindNotFound Kind = "not_found"
	// KindRateLimited はトークンバケットが枯渇したことを表す。
	KindRateLimited Kind = "rate_limited"
	// KindCircuitOpen はルートのサーキットブレーカーが開いていることを表す。
	KindCircuitOpen Kind = "circuit_open"
	// KindUnauthenticated は認証情報が無い、または無効であることを表す。
	KindUnauthenticated Kind = "unauthenticated"
	// KindUnauthorized は認証済みだが権限（スコープ）が不足していることを表す。
	KindUnauthorized Kind = "unauthorized"
	// KindUpstreamTimeout はバックエンドが期限内に応答しなかったことを表す。
	KindUpstreamTimeout Kind = "upstream_timeout"
	// KindUpstreamUnavailable はバックエンドに到達できなかったことを表す。
	KindUpstreamUnavailable Kind = "upstream_unavailable"
	// KindProviderTransientFailure はIDプロバイダの一時的な障害を表す。
	KindProviderTransientFailure Kind = "provider_transient_failure"
	// KindProviderRejected はIDプロバイダが要求を拒否したことを表す。
	KindProviderRejected Kind = "provider_rejected"
	// KindConfigurationInvalid は設定の検証に失敗したことを表す。
	KindConfigurationInvalid Kind = "configuration_invalid"
	// KindInvalidRequest はリクエストの形式が不正であることを表す。
	KindInvalidRequest Kind = "invalid_request"
	// KindInternal は分類できない内部エラーを表す。
	KindInternal Kind = "internal"
)

// defaultMessages は種別ごとのクライアント向けメッセージ。
var defaultMessages = map[Kind]string{
	KindNotFound:                 "リソースが見つかりません",
	KindRateLimited:              "リクエストが多すぎます",
	KindCircuitOpen:              "サービスが一時的に利用できません",
	KindUnauthenticated:          "認証に失敗しました",
	KindUnauthorized:             "権限がありません",
	KindUpstreamTimeout:          "上流サービスがタイムアウトしました",
	KindUpstreamUnavailable:      "上流サービスに接続できません",
	KindProviderTransientFailure: "認証基盤が一時的に利用できません",
	KindProviderRejected:         "認証基盤が要求を拒否しました",
	KindConfigurationInvalid:     "設定が不正です",
	KindInvalidRequest:           "リクエストが不正です",
	KindInternal:                 "内部サーバーエラーが発生しました",
}

// Error は種別付きのエラー。
type Error struct {
	// Kind はエラー種別。
	Kind Kind
	// Message はクライアントに返してよいメッセージ。
	Message string
	// Err は原因となったエラー。レスポンスには含めない。
	Err error
}

// Error はerrorインターフェースを実装する。
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap は原因エラーを返す。
func (e *Error) Unwrap() error {
	return e.Err
}

// New は種別とメッセージからエラーを生成する。
// messageが空の場合は種別の既定メッセージを使う。
func New(kind Kind, message string) *Error {
	if message == "" {
		message = defaultMessages[kind]
	}
	return &Error{Kind: kind, Message: message}
}

// Wrap は原因エラーに種別を付与する。
func Wrap(kind Kind, message string, err error) *Error {
	e := New(kind, message)
	e.Err = err
	return e
}

// KindOf はエラーチェーンから種別を取り出す。種別が無ければKindInternal。
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is はエラーが指定の種別であるかを判定する。
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// HTTPStatus は種別に対応するHTTPステータスコードを返す。
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindCircuitOpen, KindUpstreamUnavailable, KindProviderTransientFailure:
		return http.StatusServiceUnavailable
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindUnauthorized:
		return http.StatusForbidden
	case KindUpstreamTimeout:
		return http.StatusGatewayTimeout
	case KindProviderRejected, KindConfigurationInvalid, KindInvalidRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// Body はエラーをHTTPステータスとレスポンスボディに変換する。
func Body(err error) (int, gin.H) {
	var e *Error
	if !errors.As(err, &e) {
		e = New(KindInternal, "")
	}
	msg := e.Message
	if msg == "" {
		msg = defaultMessages[e.Kind]
	}
	return HTTPStatus(e.Kind), gin.H{"error": string(e.Kind), "message": msg}
}

// Respond はエラーをJSONレスポンスとして書き込み、後続ハンドラを中断する。
func Respond(c *gin.Context, err error) {
	status, body := Body(err)
	if status == http.StatusUnauthorized {
		c.Header("WWW-Authenticate", `Bearer error="invalid_token"`)
	}
	c.AbortWithStatusJSON(status, body)
}
