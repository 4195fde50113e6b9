// Package admission はルートと呼び出し元ごとの流量制御と、
// ルートごとのサーキットブレーカーを提供する。
//
// Controllerは判定と記録のみを行い、下流のサービスを呼び出すことはない。
package admission

import (
	"hash/fnv"
	"math"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"github.com/serezk4/lockbox-backend/internal/gateway/route"
)

// Verdict は流入判定の結果。
type Verdict string

const (
	// Allowed は通過。
	Allowed Verdict = "allowed"
	// RateLimited はトークンバケットの枯渇。
	RateLimited Verdict = "rate_limited"
	// CircuitOpen はサーキットブレーカーによる遮断。
	CircuitOpen Verdict = "circuit_open"
)

// Decision は判定結果と再試行までの目安時間。
type Decision struct {
	Verdict    Verdict
	RetryAfter time.Duration
}

// Allowed は通過であればtrueを返す。
func (d Decision) Allowed() bool {
	return d.Verdict == Allowed
}

const (
	bucketShards       = 16
	defaultIdleTimeout = 10 * time.Minute
)

// bucket は1つの(ルート, 呼び出し元)に対するトークンバケット。
type bucket struct {
	cfg     route.RateLimit
	limiter *rate.Limiter
}

// Controller は流入制御を行う。並行に呼び出して安全。
type Controller struct {
	now  func() time.Time
	idle time.Duration

	// buckets はキーで分割したgo-cache。アクセスのたびに有効期限を延長し、
	// idle の間使われなかったバケットは破棄される。
	buckets [bucketShards]*cache.Cache

	mu       sync.RWMutex
	breakers map[string]*breaker
}

// Option はControllerのオプション。
type Option func(*Controller)

// WithClock は時刻関数を差し替える。判定は与えられた時刻のみに依存する。
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithIdleTimeout は未使用バケットを破棄するまでの時間を設定する。
func WithIdleTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.idle = d
		}
	}
}

// New はControllerを生成する。
func New(opts ...Option) *Controller {
	c := &Controller{
		now:      time.Now,
		idle:     defaultIdleTimeout,
		breakers: make(map[string]*breaker),
	}
	for _, opt := range opts {
		opt(c)
	}
	for i := range c.buckets {
		c.buckets[i] = cache.New(c.idle, c.idle/2)
	}
	return c
}

// Admit はリクエストを通すかを判定する。ブレーカーを先に確認し、
// 半開状態の試行枠を確保した後にバケットが枯渇していれば枠を返却する。
func (c *Controller) Admit(r *route.Route, callerKey string) Decision {
	now := c.now()

	b := c.breaker(r, now)
	if !b.allow(now) {
		return Decision{Verdict: CircuitOpen, RetryAfter: b.retryAfter(now)}
	}

	if r.RateLimit.Capacity > 0 {
		lim := c.limiter(r, callerKey)
		if !lim.AllowN(now, 1) {
			b.report(now, Ignored)
			return Decision{Verdict: RateLimited, RetryAfter: refillDelay(lim, now)}
		}
	}
	return Decision{Verdict: Allowed}
}

// Report はバックエンド呼び出しの結果をルートのブレーカーに記録する。
func (c *Controller) Report(r *route.Route, o Outcome) {
	now := c.now()
	c.breaker(r, now).report(now, o)
}

// Stats はルートのブレーカー状態を返す。
func (c *Controller) Stats(routeID string) (BreakerStats, bool) {
	c.mu.RLock()
	b, ok := c.breakers[routeID]
	c.mu.RUnlock()
	if !ok {
		return BreakerStats{State: StateClosed}, false
	}
	return b.stats(), true
}

// Retain は指定したルート以外のブレーカーを破棄する。ルートのリロード後に呼ぶ。
func (c *Controller) Retain(routeIDs []string) {
	keep := make(map[string]struct{}, len(routeIDs))
	for _, id := range routeIDs {
		keep[id] = struct{}{}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for id := range c.breakers {
		if _, ok := keep[id]; !ok {
			delete(c.breakers, id)
		}
	}
}

// breaker はルートのブレーカーを返す。設定が変わっていれば作り直す。
func (c *Controller) breaker(r *route.Route, now time.Time) *breaker {
	c.mu.RLock()
	b, ok := c.breakers[r.ID]
	c.mu.RUnlock()
	if ok && b.cfg == r.CircuitBreaker {
		return b
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.breakers[r.ID]; ok && b.cfg == r.CircuitBreaker {
		return b
	}
	b = newBreaker(r.ID, r.CircuitBreaker, now)
	c.breakers[r.ID] = b
	return b
}

// limiter は(ルート, 呼び出し元)のトークンバケットを返す。
func (c *Controller) limiter(r *route.Route, callerKey string) *rate.Limiter {
	key := r.ID + "\x00" + callerKey
	shard := c.shard(key)

	if v, ok := shard.Get(key); ok {
		if b := v.(*bucket); b.cfg == r.RateLimit {
			shard.SetDefault(key, b)
			return b.limiter
		}
	}

	b := &bucket{
		cfg:     r.RateLimit,
		limiter: rate.NewLimiter(rate.Limit(r.RateLimit.RefillPerSecond), r.RateLimit.Capacity),
	}
	if err := shard.Add(key, b, cache.DefaultExpiration); err != nil {
		// 他のリクエストが先に作成した
		if v, ok := shard.Get(key); ok {
			if existing := v.(*bucket); existing.cfg == r.RateLimit {
				return existing.limiter
			}
		}
		shard.SetDefault(key, b)
	}
	return b.limiter
}

func (c *Controller) shard(key string) *cache.Cache {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return c.buckets[h.Sum32()%bucketShards]
}

// refillDelay はトークンが1つ貯まるまでの時間。
func refillDelay(lim *rate.Limiter, now time.Time) time.Duration {
	missing := 1 - lim.TokensAt(now)
	if missing <= 0 || lim.Limit() <= 0 {
		return 0
	}
	return time.Duration(math.Ceil(missing / float64(lim.Limit()) * float64(time.Second)))
}
