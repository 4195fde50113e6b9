package gateway

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/serezk4/lockbox-backend/internal/gateway/route"
	"github.com/serezk4/lockbox-backend/pkg/credential"
)

// callerKey はトークンバケットを選ぶ呼び出し元キーを返す。
// 資格情報モードでは、認証必須ルートのベアラートークンについて有効な検証結果が
// 既にキャッシュにある場合に限りそのフィンガープリントを使う。未検証のトークンを
// 毎回替えてもバケットが増えないよう、それ以外は接続元IPを使う。
func (s *Server) callerKey(ctx context.Context, c *gin.Context, rt *route.Route, raw string, hasBearer bool) string {
	if s.cfg.CallerKey == CallerKeyCredential && rt.AuthRequired && hasBearer && s.cache != nil {
		fp := credential.Fingerprint(raw)
		if r, err := s.cache.Get(ctx, fp); err == nil && r.Valid() && time.Now().Before(r.ValidUntil) {
			return "cred:" + fp
		}
	}
	return "ip:" + c.ClientIP()
}
