package gateway

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httputil"
	"strings"

	"go.uber.org/zap"

	"github.com/serezk4/lockbox-backend/internal/gateway/admission"
	"github.com/serezk4/lockbox-backend/internal/gateway/route"
	"github.com/serezk4/lockbox-backend/pkg/apperror"
	"github.com/serezk4/lockbox-backend/pkg/logger"
	"github.com/serezk4/lockbox-backend/pkg/middleware"
)

// forwardState は1回の転送の入力と結果。リクエストコンテキスト経由で
// ReverseProxyのフックに渡される。
type forwardState struct {
	route     *route.Route
	userID    string
	requestID string

	// responded はバックエンドの応答を受け取ったことを表す。
	responded bool
	outcome   admission.Outcome
	err       error
}

type forwardStateKey struct{}

func withForwardState(ctx context.Context, st *forwardState) context.Context {
	return context.WithValue(ctx, forwardStateKey{}, st)
}

func forwardStateFrom(ctx context.Context) *forwardState {
	st, _ := ctx.Value(forwardStateKey{}).(*forwardState)
	return st
}

// newReverseProxy は全ルートで共有するリバースプロキシを生成する。
// 転送先はリクエストごとにforwardStateのルートから決まる。
func newReverseProxy(transport http.RoundTripper) *httputil.ReverseProxy {
	return &httputil.ReverseProxy{
		Rewrite:        rewrite,
		Transport:      transport,
		ModifyResponse: recordResponse,
		ErrorHandler:   recordError,
		ErrorLog:       zap.NewStdLog(logger.Named("proxy")),
	}
}

func rewrite(pr *httputil.ProxyRequest) {
	st := forwardStateFrom(pr.In.Context())
	rt := st.route

	if rt.StripPrefix != "" {
		p := strings.TrimPrefix(pr.Out.URL.Path, rt.StripPrefix)
		if !strings.HasPrefix(p, "/") {
			p = "/" + p
		}
		pr.Out.URL.Path = p
		pr.Out.URL.RawPath = ""
	}
	pr.SetURL(rt.Target())
	pr.SetXForwarded()

	// クライアントが送ったユーザーIDは信用しない
	pr.Out.Header.Del(middleware.HeaderUserID)
	if st.userID != "" {
		pr.Out.Header.Set(middleware.HeaderUserID, st.userID)
	}
	if st.requestID != "" {
		pr.Out.Header.Set(middleware.HeaderRequestID, st.requestID)
	}
	if rt.StripAuth {
		pr.Out.Header.Del("Authorization")
	}
}

func recordResponse(resp *http.Response) error {
	st := forwardStateFrom(resp.Request.Context())
	st.responded = true
	if resp.StatusCode >= http.StatusInternalServerError {
		st.outcome = admission.Failure
	} else {
		st.outcome = admission.Success
	}
	return nil
}

// recordError はバックエンド呼び出しの失敗を分類する。レスポンスはディスパッチャーが書く。
func recordError(_ http.ResponseWriter, r *http.Request, err error) {
	st := forwardStateFrom(r.Context())
	l := logger.From(r.Context()).With(logger.RouteID(st.route.ID), logger.Upstream(st.route.Upstream))

	var ne net.Error
	switch {
	case errors.Is(r.Context().Err(), context.DeadlineExceeded),
		errors.As(err, &ne) && ne.Timeout():
		st.outcome = admission.Failure
		st.err = apperror.Wrap(apperror.KindUpstreamTimeout, "", err)
		l.Warn("上流サービスがタイムアウトしました", zap.Error(err))
	case errors.Is(r.Context().Err(), context.Canceled):
		// クライアントが切断した
		st.outcome = admission.Ignored
		l.Info("クライアントが切断したため転送を中止しました", zap.Error(err))
	default:
		st.outcome = admission.Failure
		st.err = apperror.Wrap(apperror.KindUpstreamUnavailable, "", err)
		l.Warn("上流サービスに接続できません", zap.Error(err))
	}
}
