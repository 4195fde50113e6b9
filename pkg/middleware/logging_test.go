package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/serezk4/lockbox-backend/pkg/httpclient"
)

// TestRequestLogger はRequestLoggerミドルウェアを検証する。
func TestRequestLogger(t *testing.T) {
	t.Parallel()

	newRouter := func(seen *string) *gin.Engine {
		router := gin.New()
		router.Use(RequestLogger())
		router.GET("/test", func(c *gin.Context) {
			*seen = httpclient.RequestID(c.Request.Context())
			c.JSON(http.StatusOK, gin.H{"request_id": GetRequestID(c)})
		})
		return router
	}

	t.Run("リクエストIDが無い場合は採番されること", func(t *testing.T) {
		t.Parallel()

		var seen string
		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		w := httptest.NewRecorder()
		newRouter(&seen).ServeHTTP(w, req)

		id := w.Header().Get(HeaderRequestID)
		if id == "" {
			t.Fatal("X-Request-IDが設定されていない")
		}
		if seen != id {
			t.Errorf("コンテキストのリクエストID = %q, want %q", seen, id)
		}
	})

	t.Run("受信したリクエストIDを引き継ぐこと", func(t *testing.T) {
		t.Parallel()

		var seen string
		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		req.Header.Set(HeaderRequestID, "req-abc")
		w := httptest.NewRecorder()
		newRouter(&seen).ServeHTTP(w, req)

		if got := w.Header().Get(HeaderRequestID); got != "req-abc" {
			t.Errorf("X-Request-ID = %q, want %q", got, "req-abc")
		}
		if seen != "req-abc" {
			t.Errorf("コンテキストのリクエストID = %q, want %q", seen, "req-abc")
		}
	})

	t.Run("長すぎるリクエストIDは採番し直すこと", func(t *testing.T) {
		t.Parallel()

		var seen string
		long := make([]byte, maxRequestIDLength+1)
		for i := range long {
			long[i] = 'a'
		}
		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		req.Header.Set(HeaderRequestID, string(long))
		w := httptest.NewRecorder()
		newRouter(&seen).ServeHTTP(w, req)

		if got := w.Header().Get(HeaderRequestID); got == string(long) || got == "" {
			t.Errorf("X-Request-ID = %q", got)
		}
	})
}
