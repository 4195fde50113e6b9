// Package validator はベアラートークンの検証を行う。
//
// 検証は以下の順に行う。
//
//  1. JWT形式であれば有効期限を確認し、期限切れならキャッシュもプロバイダも参照しない
//  2. 鍵セットが設定されていれば署名をローカルで検証する（失効の確認のみキャッシュを参照）
//  3. キャッシュが新鮮であればその結果を返す
//  4. そうでなければIDプロバイダに問い合わせ、結果をキャッシュする
//
// 同じフィンガープリントに対する同時の問い合わせは1回にまとめられる。
// プロバイダ障害時は許容範囲内の古い結果を劣化モードで返し、それ以外は拒否する。
package validator

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/serezk4/lockbox-backend/pkg/credcache"
	"github.com/serezk4/lockbox-backend/pkg/credential"
	"github.com/serezk4/lockbox-backend/pkg/idp"
	"github.com/serezk4/lockbox-backend/pkg/logger"
	"github.com/serezk4/lockbox-backend/pkg/metrics"
)

// Config は検証の設定。
type Config struct {
	// FreshnessBound はキャッシュ結果をそのまま使える経過時間の上限。
	FreshnessBound time.Duration `yaml:"freshness_bound"`
	// MaxCacheAge は有効な結果をキャッシュする最大期間。
	MaxCacheAge time.Duration `yaml:"max_cache_age"`
	// NegativeTTL は無効判定をキャッシュする期間。
	NegativeTTL time.Duration `yaml:"negative_ttl"`
	// MaxStaleness はプロバイダ障害時に古い結果を使える経過時間の上限。
	MaxStaleness time.Duration `yaml:"max_staleness"`
	// CacheTimeout はキャッシュ操作1回のタイムアウト。
	CacheTimeout time.Duration `yaml:"cache_timeout"`
	// ProviderTimeout はプロバイダ問い合わせ（再試行込み）のタイムアウト。
	ProviderTimeout time.Duration `yaml:"provider_timeout"`
	// Issuer, Audience はローカル検証時に要求する発行者と受信者。空なら確認しない。
	Issuer   string `yaml:"issuer"`
	Audience string `yaml:"audience"`
	// HMACSecret が設定されている場合、HS256署名をローカルで検証する。
	HMACSecret string `yaml:"hmac_secret"`
	// LocalJWKS がtrueの場合、プロバイダのJWKSで署名をローカル検証する。
	LocalJWKS bool `yaml:"local_jwks"`
}

// WithDefaults は未設定の値に既定値を入れた設定を返す。
func (c Config) WithDefaults() Config {
	if c.FreshnessBound <= 0 {
		c.FreshnessBound = 30 * time.Second
	}
	if c.MaxCacheAge <= 0 {
		c.MaxCacheAge = 5 * time.Minute
	}
	if c.NegativeTTL <= 0 {
		c.NegativeTTL = 5 * time.Second
	}
	if c.MaxStaleness <= 0 {
		c.MaxStaleness = 2 * time.Minute
	}
	if c.CacheTimeout <= 0 {
		c.CacheTimeout = 50 * time.Millisecond
	}
	if c.ProviderTimeout <= 0 {
		c.ProviderTimeout = 3 * time.Second
	}
	return c
}

// Validator はトークン検証器。
type Validator struct {
	cache   credcache.Cache
	adapter idp.Adapter
	keys    KeySet
	cfg     Config
	group   singleflight.Group
	now     func() time.Time
}

// Option はValidatorのオプション。
type Option func(*Validator)

// WithKeySet はローカル署名検証に使う鍵セットを設定する。
func WithKeySet(keys KeySet) Option {
	return func(v *Validator) { v.keys = keys }
}

// WithClock は時刻関数を差し替える。
func WithClock(now func() time.Time) Option {
	return func(v *Validator) { v.now = now }
}

// New は検証器を生成する。
func New(cache credcache.Cache, adapter idp.Adapter, cfg Config, opts ...Option) *Validator {
	v := &Validator{
		cache:   cache,
		adapter: adapter,
		cfg:     cfg.WithDefaults(),
		now:     time.Now,
	}
	if v.cfg.HMACSecret != "" {
		v.keys = NewHMACKeySet(v.cfg.HMACSecret)
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate はトークンを検証する。エラーは返さず、すべて判定として表現する。
func (v *Validator) Validate(ctx context.Context, raw string) credential.ValidationResult {
	now := v.now()
	fp := credential.Fingerprint(raw)
	if raw == "" {
		return v.observe("local", credential.ValidationResult{Fingerprint: fp, Verdict: credential.VerdictInvalid, VerifiedAt: now})
	}

	var local *credential.Claims
	if credential.LooksLikeJWT(raw) {
		if claims, err := credential.ParseUnverified(raw); err == nil {
			if !claims.ExpiresAt.IsZero() && !now.Before(claims.ExpiresAt) {
				return v.observe("local", credential.ValidationResult{
					Fingerprint: fp, Verdict: credential.VerdictExpired, VerifiedAt: now, Claims: claims,
				})
			}
		}
		if v.keys != nil {
			claims, err := v.verifyLocal(ctx, raw)
			switch {
			case err == nil:
				local = &claims
			case errors.Is(err, jwt.ErrTokenExpired):
				return v.observe("local", credential.ValidationResult{Fingerprint: fp, Verdict: credential.VerdictExpired, VerifiedAt: now})
			case errors.Is(err, errKeyUnavailable):
				logger.From(ctx).Warn("ローカル検証用の鍵を取得できないため問い合わせに切り替えます", zap.Error(err))
			default:
				return v.observe("local", credential.ValidationResult{Fingerprint: fp, Verdict: credential.VerdictInvalid, VerifiedAt: now})
			}
		}
	}

	cached, hit, err := v.lookup(ctx, fp)
	if hit && cached.Verdict == credential.VerdictRevoked {
		return v.observe("cache", cached)
	}
	// 失効状態が分からない場合は署名が正しくても問い合わせる
	if local != nil && err == nil {
		return v.observe("local", credential.NewResult(fp, credential.VerdictValid, *local, now, v.cfg.MaxCacheAge))
	}
	if hit && v.fresh(cached, now) {
		if !cached.Claims.ExpiresAt.IsZero() && !now.Before(cached.Claims.ExpiresAt) {
			cached.Verdict = credential.VerdictExpired
		}
		return v.observe("cache", cached)
	}

	ch := v.group.DoChan(fp, func() (any, error) {
		return v.introspect(ctx, raw, fp, cached, hit), nil
	})
	select {
	case <-ctx.Done():
		return v.observe("canceled", credential.ValidationResult{Fingerprint: fp, Verdict: credential.VerdictInvalid, VerifiedAt: now})
	case res := <-ch:
		result := res.Val.(credential.ValidationResult)
		if res.Shared {
			metrics.CoalescedTotal.Inc()
			// 合流した問い合わせの開始後に失効していないかを確認する
			if result.Valid() {
				if again, ok, _ := v.lookup(ctx, fp); ok && again.Verdict == credential.VerdictRevoked {
					return v.observe("cache", again)
				}
			}
		}
		source := "provider"
		if result.Degraded {
			source = "stale"
		}
		return v.observe(source, result)
	}
}

// verifyLocal は鍵セットで署名と主張を検証する。
func (v *Validator) verifyLocal(ctx context.Context, raw string) (credential.Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods(v.keys.Methods()),
		jwt.WithTimeFunc(v.now),
		jwt.WithExpirationRequired(),
	}
	if v.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.cfg.Issuer))
	}
	if v.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(v.cfg.Audience))
	}

	mc := jwt.MapClaims{}
	_, err := jwt.NewParser(opts...).ParseWithClaims(raw, mc, func(t *jwt.Token) (any, error) {
		return v.keys.Key(ctx, t)
	})
	if err != nil {
		return credential.Claims{}, err
	}
	return credential.ClaimsFromMap(mc), nil
}

// introspect はプロバイダに問い合わせて結果をキャッシュする。
// 呼び出し元のキャンセルが合流中の他の呼び出しに波及しないよう、
// キャンセルを切り離したコンテキストで実行する。
func (v *Validator) introspect(ctx context.Context, raw, fp string, cached credential.ValidationResult, hit bool) credential.ValidationResult {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), v.cfg.ProviderTimeout)
	defer cancel()

	in, err := v.adapter.Introspect(pctx, raw)
	verifiedAt := v.now()
	if err != nil {
		if hit && cached.Valid() && verifiedAt.Sub(cached.VerifiedAt) <= v.cfg.MaxStaleness &&
			(cached.Claims.ExpiresAt.IsZero() || verifiedAt.Before(cached.Claims.ExpiresAt)) {
			logger.From(ctx).Warn("IDプロバイダ障害のため古い検証結果を使用します",
				logger.Fingerprint(fp), zap.Duration("age", verifiedAt.Sub(cached.VerifiedAt)), zap.Error(err))
			stale := cached
			stale.Degraded = true
			return stale
		}
		logger.From(ctx).Warn("IDプロバイダに問い合わせできないため拒否します",
			logger.Fingerprint(fp), zap.Error(err))
		return credential.ValidationResult{
			Fingerprint:         fp,
			Verdict:             credential.VerdictInvalid,
			VerifiedAt:          verifiedAt,
			ProviderUnavailable: true,
		}
	}

	if !in.Active {
		result := credential.NewResult(fp, credential.VerdictInvalid, credential.Claims{}, verifiedAt, v.cfg.NegativeTTL)
		v.store(ctx, fp, result, v.cfg.NegativeTTL)
		return result
	}
	if !in.Claims.ExpiresAt.IsZero() && !verifiedAt.Before(in.Claims.ExpiresAt) {
		return credential.ValidationResult{Fingerprint: fp, Verdict: credential.VerdictExpired, VerifiedAt: verifiedAt, Claims: in.Claims}
	}

	result := credential.NewResult(fp, credential.VerdictValid, in.Claims, verifiedAt, v.cfg.MaxCacheAge)
	v.store(ctx, fp, result, result.ValidUntil.Sub(verifiedAt))
	return result
}

// lookup はキャッシュを参照する。ミスでない失敗の場合はエラーも返す。
func (v *Validator) lookup(ctx context.Context, fp string) (credential.ValidationResult, bool, error) {
	cctx, cancel := context.WithTimeout(ctx, v.cfg.CacheTimeout)
	defer cancel()

	r, err := v.cache.Get(cctx, fp)
	if errors.Is(err, credcache.ErrMiss) {
		return credential.ValidationResult{}, false, nil
	}
	if err != nil {
		logger.From(ctx).Warn("キャッシュの参照に失敗したためミスとして扱います", logger.Fingerprint(fp), zap.Error(err))
		return credential.ValidationResult{}, false, err
	}
	return r, true, nil
}

// store は結果をキャッシュに書き込む。失敗は記録のみ行う。
func (v *Validator) store(ctx context.Context, fp string, result credential.ValidationResult, ttl time.Duration) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), v.cfg.CacheTimeout)
	defer cancel()

	if err := v.cache.Put(cctx, fp, result, ttl); err != nil && !errors.Is(err, credcache.ErrNotCacheable) {
		logger.From(ctx).Warn("キャッシュへの書き込みに失敗", logger.Fingerprint(fp), zap.Error(err))
	}
}

func (v *Validator) fresh(r credential.ValidationResult, now time.Time) bool {
	return now.Sub(r.VerifiedAt) <= v.cfg.FreshnessBound && now.Before(r.ValidUntil)
}

func (v *Validator) observe(source string, r credential.ValidationResult) credential.ValidationResult {
	metrics.ValidationTotal.WithLabelValues(source, string(r.Verdict)).Inc()
	return r
}

// RequireScopes は結果が要求スコープをすべて持つかを返す。
func RequireScopes(r credential.ValidationResult, required []string) bool {
	return r.Valid() && r.Claims.Scopes.HasAll(required)
}
