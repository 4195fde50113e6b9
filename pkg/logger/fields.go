package logger

import (
	"time"

	"go.uber.org/zap"
)

// RequestID はリクエストIDのフィールド。
func RequestID(v string) zap.Field { return zap.String("request_id", v) }

// Method はHTTPメソッドのフィールド。
func Method(v string) zap.Field { return zap.String("method", v) }

// Path はリクエストパスのフィールド。
func Path(v string) zap.Field { return zap.String("path", v) }

// Status はHTTPステータスのフィールド。
func Status(v int) zap.Field { return zap.Int("status", v) }

// Duration は処理時間のフィールド。
func Duration(v time.Duration) zap.Field { return zap.Duration("duration", v) }

// ClientIP はクライアントIPのフィールド。
func ClientIP(v string) zap.Field { return zap.String("client_ip", v) }

// RouteID はルートIDのフィールド。
func RouteID(v string) zap.Field { return zap.String("route_id", v) }

// Upstream は転送先のフィールド。
func Upstream(v string) zap.Field { return zap.String("upstream", v) }

// Fingerprint は資格情報フィンガープリントのフィールド。
// 生のトークンは決してログに出さず、こちらを使う。
func Fingerprint(v string) zap.Field {
	if len(v) > 12 {
		v = v[:12]
	}
	return zap.String("fingerprint", v)
}

// SessionID はセッションIDのフィールド。
func SessionID(v string) zap.Field { return zap.String("session_id", v) }

// Subject は主体（ユーザー）のフィールド。
func Subject(v string) zap.Field { return zap.String("subject", v) }

// ClientID はOAuthクライアントIDのフィールド。
func ClientID(v string) zap.Field { return zap.String("client_id", v) }

// Op は操作名のフィールド。
func Op(v string) zap.Field { return zap.String("op", v) }
