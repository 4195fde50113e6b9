package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/serezk4/lockbox-backend/pkg/httpclient"
	"github.com/serezk4/lockbox-backend/pkg/logger"
)

// HeaderRequestID はリクエストIDを伝播するHTTPヘッダーキー。
const HeaderRequestID = httpclient.HeaderRequestID

const (
	ctxKeyRequestID = "request_id"
	// ctxKeyRouteID はディスパッチャーが照合したルートIDを格納するキー。
	ctxKeyRouteID = "route_id"

	maxRequestIDLength = 128
)

// RequestLogger はリクエストIDの採番とアクセスログ出力を行うGinミドルウェアを返す。
// 受信したX-Request-IDが妥当であればそれを引き継ぎ、無ければUUIDを採番する。
// リクエストIDはレスポンスヘッダー、コンテキストのロガー、下流への呼び出しに伝播する。
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		id := c.GetHeader(HeaderRequestID)
		if id == "" || len(id) > maxRequestIDLength {
			id = uuid.NewString()
		}
		c.Set(ctxKeyRequestID, id)
		c.Header(HeaderRequestID, id)

		l := logger.L().With(logger.RequestID(id))
		ctx := logger.ToContext(c.Request.Context(), l)
		ctx = httpclient.WithRequestID(ctx, id)
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		status := c.Writer.Status()
		fields := []zap.Field{
			logger.Method(c.Request.Method),
			logger.Path(c.Request.URL.Path),
			logger.Status(status),
			logger.Duration(time.Since(start)),
			logger.ClientIP(c.ClientIP()),
		}
		if routeID := c.GetString(ctxKeyRouteID); routeID != "" {
			fields = append(fields, logger.RouteID(routeID))
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}

		level := zapcore.InfoLevel
		switch {
		case status >= 500:
			level = zapcore.ErrorLevel
		case status >= 400:
			level = zapcore.WarnLevel
		}
		l.Log(level, "リクエストを処理しました", fields...)
	}
}

// GetRequestID はGinコンテキストからリクエストIDを取得する。
// RequestLoggerミドルウェアが事前に適用されている必要がある。
func GetRequestID(c *gin.Context) string {
	return c.GetString(ctxKeyRequestID)
}

// SetRouteID はアクセスログに出力するルートIDを設定する。
func SetRouteID(c *gin.Context, id string) {
	c.Set(ctxKeyRouteID, id)
}
