package gateway

import (
	"context"
	"errors"
	"math"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/serezk4/lockbox-backend/internal/gateway/admission"
	"github.com/serezk4/lockbox-backend/internal/gateway/route"
	"github.com/serezk4/lockbox-backend/pkg/apperror"
	"github.com/serezk4/lockbox-backend/pkg/credential"
	"github.com/serezk4/lockbox-backend/pkg/logger"
	"github.com/serezk4/lockbox-backend/pkg/metrics"
	"github.com/serezk4/lockbox-backend/pkg/middleware"
	"github.com/serezk4/lockbox-backend/pkg/validator"
)

// statusClientClosedRequest はクライアントが応答前に切断したことを表す非標準ステータス。
const statusClientClosedRequest = 499

// handleDispatch は登録済みのハンドラに一致しないすべてのリクエストを処理する。
// 照合、流入制御、認証を順に行い、すべて通過したリクエストをバックエンドに転送する。
func (s *Server) handleDispatch() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		rt, err := s.routes.Match(c.Request)
		if err != nil {
			s.reject(c, "", start, apperror.New(apperror.KindNotFound, "一致するルートがありません"))
			return
		}
		middleware.SetRouteID(c, rt.ID)

		ctx, cancel := context.WithTimeout(c.Request.Context(), rt.RequestTimeout)
		defer cancel()

		raw, hasBearer := middleware.BearerToken(c.Request)
		decision := s.admission.Admit(rt, s.callerKey(ctx, c, rt, raw, hasBearer))
		switch decision.Verdict {
		case admission.RateLimited:
			setRetryAfter(c, decision.RetryAfter)
			s.reject(c, rt.ID, start, apperror.New(apperror.KindRateLimited, ""))
			return
		case admission.CircuitOpen:
			setRetryAfter(c, decision.RetryAfter)
			s.reject(c, rt.ID, start, apperror.New(apperror.KindCircuitOpen, ""))
			return
		}

		var userID string
		if rt.AuthRequired {
			result, err := s.authenticate(ctx, rt, raw, hasBearer)
			if err != nil {
				s.reportAuthFailure(rt, result)
				s.reject(c, rt.ID, start, err)
				return
			}
			middleware.SetPrincipal(c, result)
			userID = result.Claims.Subject
		}

		s.forward(ctx, c, rt, userID, start)
	}
}

// authenticate はルートの認証要件を確認する。
func (s *Server) authenticate(ctx context.Context, rt *route.Route, raw string, hasBearer bool) (credential.ValidationResult, error) {
	if !hasBearer {
		return credential.ValidationResult{}, apperror.New(apperror.KindUnauthenticated, "Bearerトークンが必要です")
	}

	result := s.validator.Validate(ctx, raw)
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return result, apperror.New(apperror.KindUpstreamTimeout, "")
	}
	if !result.Valid() {
		msg := "トークンが無効です"
		switch result.Verdict {
		case credential.VerdictExpired:
			msg = "トークンの有効期限が切れています"
		case credential.VerdictRevoked:
			msg = "トークンは失効しています"
		}
		return result, apperror.New(apperror.KindUnauthenticated, msg)
	}
	if !validator.RequireScopes(result, rt.RequiredScopes) {
		return result, apperror.New(apperror.KindUnauthorized, "スコープが不足しています")
	}
	if result.Degraded {
		logger.From(ctx).Warn("劣化モードの検証結果で通過させます",
			logger.RouteID(rt.ID), logger.Fingerprint(result.Fingerprint))
	}
	return result, nil
}

// reportAuthFailure は認証失敗をブレーカーに記録する。IDプロバイダに問い合わせできずに
// 拒否した場合のみ失敗として数え、それ以外は半開状態の試行枠を返却するだけにする。
func (s *Server) reportAuthFailure(rt *route.Route, result credential.ValidationResult) {
	outcome := admission.Ignored
	if result.ProviderUnavailable {
		outcome = admission.Failure
	}
	s.admission.Report(rt, outcome)
}

// forward はリクエストをバックエンドに転送し、結果をブレーカーに記録する。
func (s *Server) forward(ctx context.Context, c *gin.Context, rt *route.Route, userID string, start time.Time) {
	uctx, cancel := context.WithTimeout(ctx, rt.UpstreamTimeout)
	defer cancel()

	st := &forwardState{
		route:     rt,
		userID:    userID,
		requestID: middleware.GetRequestID(c),
		outcome:   admission.Ignored,
	}
	defer func() {
		s.admission.Report(rt, st.outcome)
	}()

	req := c.Request.WithContext(withForwardState(uctx, st))
	s.proxy.ServeHTTP(c.Writer, req)

	switch {
	case st.err != nil:
		s.reject(c, rt.ID, start, st.err)
	case !st.responded:
		// クライアントが切断した
		c.AbortWithStatus(statusClientClosedRequest)
		observe(rt.ID, "client_closed", start)
	case st.outcome == admission.Failure:
		observe(rt.ID, "upstream_error", start)
	default:
		observe(rt.ID, "forwarded", start)
	}
}

// reject はエラーレスポンスを返す。
func (s *Server) reject(c *gin.Context, routeID string, start time.Time, err error) {
	apperror.Respond(c, err)
	observe(routeID, string(apperror.KindOf(err)), start)
}

func observe(routeID, outcome string, start time.Time) {
	if routeID == "" {
		routeID = "none"
	}
	metrics.DispatchTotal.WithLabelValues(routeID, outcome).Inc()
	metrics.DispatchDuration.WithLabelValues(routeID).Observe(time.Since(start).Seconds())
}

// setRetryAfter はRetry-Afterヘッダーを秒単位（切り上げ）で設定する。
func setRetryAfter(c *gin.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	c.Header("Retry-After", strconv.Itoa(int(math.Ceil(d.Seconds()))))
}
