package admission

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/serezk4/lockbox-backend/internal/gateway/route"
	"github.com/serezk4/lockbox-backend/pkg/logger"
	"github.com/serezk4/lockbox-backend/pkg/metrics"
)

// State はサーキットブレーカーの状態。
type State string

const (
	// StateClosed は通常状態。すべてのリクエストを通す。
	StateClosed State = "closed"
	// StateOpen は遮断状態。クールダウンが明けるまですべて拒否する。
	StateOpen State = "open"
	// StateHalfOpen は回復確認中。試行リクエストのみ通す。
	StateHalfOpen State = "half_open"
)

// Outcome はバックエンド呼び出しの結果。
type Outcome int

const (
	// Success は成功。
	Success Outcome = iota
	// Failure は失敗（タイムアウト、接続不可、5xx）。
	Failure
	// Ignored はバックエンドの健全性に関係しない結果（認証失敗、クライアント切断など）。
	// 半開状態では試行枠を返却する。
	Ignored
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Failure:
		return "failure"
	default:
		return "ignored"
	}
}

// breaker は1ルート分のサーキットブレーカー。
// 直近Window件の結果をリングバッファに保持し、失敗率で開閉を判定する。
type breaker struct {
	mu sync.Mutex

	routeID string
	cfg     route.CircuitBreaker

	state           State
	lastStateChange time.Time

	// ring は直近の結果（trueが失敗）。
	ring     []bool
	next     int
	count    int
	failures int

	trialsInFlight int
	trialSuccesses int
}

func newBreaker(routeID string, cfg route.CircuitBreaker, now time.Time) *breaker {
	return &breaker{
		routeID:         routeID,
		cfg:             cfg,
		state:           StateClosed,
		lastStateChange: now,
		ring:            make([]bool, cfg.Window),
	}
}

// allow はリクエストを通してよいかを判定する。半開状態では試行枠を1つ確保する。
func (b *breaker) allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if now.Sub(b.lastStateChange) < b.cfg.Cooldown {
			return false
		}
		b.transition(StateHalfOpen, now)
	}

	if b.trialsInFlight+b.trialSuccesses >= b.cfg.HalfOpenTrials {
		return false
	}
	b.trialsInFlight++
	return true
}

// retryAfter は遮断が解けるまでの残り時間。
func (b *breaker) retryAfter(now time.Time) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateOpen {
		return 0
	}
	return max(b.cfg.Cooldown-now.Sub(b.lastStateChange), 0)
}

// report は結果を記録する。
func (b *breaker) report(now time.Time, o Outcome) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		if o == Ignored {
			return
		}
		b.record(o == Failure)
		if b.count >= b.cfg.MinRequests && float64(b.failures)/float64(b.count) >= b.cfg.FailureRatio {
			b.transition(StateOpen, now)
			logger.L().Warn("サーキットブレーカーを開きました",
				logger.RouteID(b.routeID), zap.Int("failures", b.failures), zap.Int("window", b.count))
		}

	case StateHalfOpen:
		if b.trialsInFlight > 0 {
			b.trialsInFlight--
		}
		switch o {
		case Failure:
			b.transition(StateOpen, now)
			logger.L().Warn("回復確認に失敗したためサーキットブレーカーを再び開きました", logger.RouteID(b.routeID))
		case Success:
			b.trialSuccesses++
			if b.trialSuccesses >= b.cfg.HalfOpenTrials {
				b.transition(StateClosed, now)
				logger.L().Info("サーキットブレーカーを閉じました", logger.RouteID(b.routeID))
			}
		}

	case StateOpen:
		// 開く前に通したリクエストの結果は判定に使わない
	}
}

func (b *breaker) record(failed bool) {
	if b.count == len(b.ring) {
		if b.ring[b.next] {
			b.failures--
		}
	} else {
		b.count++
	}
	b.ring[b.next] = failed
	if failed {
		b.failures++
	}
	b.next = (b.next + 1) % len(b.ring)
}

// transition は状態を変更し、ウィンドウと試行枠を初期化する。
func (b *breaker) transition(to State, now time.Time) {
	b.state = to
	b.lastStateChange = now
	b.trialsInFlight = 0
	b.trialSuccesses = 0
	if to == StateClosed {
		clear(b.ring)
		b.next, b.count, b.failures = 0, 0, 0
	}
	metrics.BreakerTransitionsTotal.WithLabelValues(b.routeID, string(to)).Inc()
}

// BreakerStats はブレーカーの状態のスナップショット。
type BreakerStats struct {
	State           State     `json:"state"`
	Requests        int       `json:"requests"`
	Failures        int       `json:"failures"`
	LastStateChange time.Time `json:"last_state_change"`
}

func (b *breaker) stats() BreakerStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	return BreakerStats{
		State:           b.state,
		Requests:        b.count,
		Failures:        b.failures,
		LastStateChange: b.lastStateChange,
	}
}
