package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/serezk4/lockbox-backend/pkg/apperror"
	"github.com/serezk4/lockbox-backend/pkg/logger"
)

// Recovery はパニックからの回復を行うGinミドルウェアを返す。
// パニック発生時にスタックトレースをログに出力し、500エラーを返す。
// http.ErrAbortHandler はレスポンスの中断を表すため、そのまま再送出する。
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				if r == http.ErrAbortHandler {
					panic(r)
				}
				logger.From(c.Request.Context()).Error("[PANIC] リクエスト処理中にパニックが発生",
					logger.Method(c.Request.Method),
					logger.Path(c.Request.URL.Path),
					zap.Any("panic", r),
					zap.Stack("stack"),
				)
				apperror.Respond(c, apperror.New(apperror.KindInternal, ""))
			}
		}()
		c.Next()
	}
}
