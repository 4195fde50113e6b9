// Package metrics はPrometheusメトリクスを定義する。
package metrics

import (
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "lockbox"

var (
	// DispatchTotal はルート・結果ごとのディスパッチ件数。
	DispatchTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "gateway",
		Name:      "dispatch_total",
		Help:      "Number of dispatched requests by route and outcome.",
	}, []string{"route", "outcome"})

	// DispatchDuration はルートごとのディスパッチ所要時間。
	DispatchDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "gateway",
		Name:      "dispatch_duration_seconds",
		Help:      "Time spent dispatching a request.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route"})

	// BreakerTransitionsTotal はサーキットブレーカーの状態遷移の件数。
	BreakerTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "gateway",
		Name:      "breaker_transitions_total",
		Help:      "Circuit breaker state transitions by route and target state.",
	}, []string{"route", "state"})

	// ValidationTotal は検証結果の取得元・判定ごとの件数。
	ValidationTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "validator",
		Name:      "validations_total",
		Help:      "Credential validations by source and verdict.",
	}, []string{"source", "verdict"})

	// CoalescedTotal は進行中の検証に合流した件数。
	CoalescedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "validator",
		Name:      "coalesced_total",
		Help:      "Validations that joined an in-flight provider round-trip.",
	})

	// ProviderCallsTotal はIDプロバイダ呼び出しの件数。
	ProviderCallsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "idp",
		Name:      "calls_total",
		Help:      "Identity provider calls by operation and result.",
	}, []string{"op", "result"})

	// SessionOpsTotal はセッション操作の件数。
	SessionOpsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "authz",
		Name:      "session_ops_total",
		Help:      "Session lifecycle operations by kind and result.",
	}, []string{"op", "result"})
)

var registerOnce sync.Once

// Register はメトリクスをデフォルトレジストリに登録する。複数回呼んでも安全。
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			DispatchTotal,
			DispatchDuration,
			BreakerTransitionsTotal,
			ValidationTotal,
			CoalescedTotal,
			ProviderCallsTotal,
			SessionOpsTotal,
		)
	})
}

// Handler は /metrics 用のGinハンドラを返す。
func Handler() gin.HandlerFunc {
	Register()
	return gin.WrapH(promhttp.Handler())
}

// Result はエラーの有無をラベル値に変換する。
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
