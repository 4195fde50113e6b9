// Package credcache は検証結果の共有キャッシュを提供する。
//
// キーは資格情報のフィンガープリント。エントリのTTLは資格情報の残り有効期間を
// 超えない。失効（Invalidate）は墓標として記録され、同じフィンガープリントに
// 対する後続の肯定的なPutより優先される。
package credcache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/serezk4/lockbox-backend/pkg/credential"
)

var (
	// ErrMiss はキャッシュにエントリが存在しないことを表す。
	ErrMiss = errors.New("キャッシュにエントリが存在しません")
	// ErrNotCacheable はTTLが0以下のため格納できないことを表す。
	ErrNotCacheable = errors.New("TTLが0以下のため格納できません")
)

// DefaultRevocationTTL は資格情報の有効期限が不明な場合の墓標の保持期間。
const DefaultRevocationTTL = 24 * time.Hour

// Cache は検証結果キャッシュの契約。
type Cache interface {
	// Get はフィンガープリントに対応する結果を返す。失効済みであれば
	// VerdictRevokedの結果を返す。存在しなければErrMiss。
	Get(ctx context.Context, fingerprint string) (credential.ValidationResult, error)
	// Put は結果を格納する。ttlは結果のValidUntilまでに切り詰められる。
	Put(ctx context.Context, fingerprint string, result credential.ValidationResult, ttl time.Duration) error
	// Invalidate はフィンガープリントを失効済みとして記録する。
	// untilは資格情報の有効期限で、墓標はその時刻まで保持される。
	Invalidate(ctx context.Context, fingerprint string, until time.Time) error
	// Ping はキャッシュの疎通を確認する。
	Ping(ctx context.Context) error
}

// Config はキャッシュの設定。
type Config struct {
	// Backend は "redis" または "memory"。
	// memoryはプロセス内に閉じるためインスタンス間で失効が共有されない。
	// 開発環境（log.env: dev）以外では使用できない。
	Backend string `yaml:"backend"`
	// RedisAddr はRedisのアドレス。
	RedisAddr string `yaml:"redis_addr"`
	// RedisPassword はRedisのパスワード。
	RedisPassword string `yaml:"redis_password"`
	// RedisDB はRedisのDB番号。
	RedisDB int `yaml:"redis_db"`
	// KeyPrefix はRedisキーの接頭辞。
	KeyPrefix string `yaml:"key_prefix"`
	// MemorySize はメモリキャッシュの最大エントリ数。
	MemorySize int `yaml:"memory_size"`
}

// Validate はキャッシュ設定を検証する。envはログ設定の実行環境。
func (c Config) Validate(env string) error {
	switch c.Backend {
	case "", "memory":
		if env != "dev" {
			return fmt.Errorf("memoryバックエンドは開発環境以外では使用できません: env=%q", env)
		}
	case "redis":
		if c.RedisAddr == "" {
			return errors.New("cache.redis_addrが空です")
		}
	default:
		return fmt.Errorf("未知のキャッシュバックエンド: %q", c.Backend)
	}
	return nil
}

// Open は設定に従ってキャッシュを生成する。
// 返されるclose関数は接続を解放する。
func Open(cfg Config) (Cache, func() error, error) {
	switch cfg.Backend {
	case "", "memory":
		c, err := NewMemory(cfg.MemorySize)
		if err != nil {
			return nil, nil, err
		}
		return c, func() error { return nil }, nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		return NewRedis(client, WithKeyPrefix(cfg.KeyPrefix)), client.Close, nil
	default:
		return nil, nil, fmt.Errorf("未知のキャッシュバックエンド: %q", cfg.Backend)
	}
}

// clampTTL はttlを結果の利用期限までに切り詰める。
func clampTTL(now time.Time, result credential.ValidationResult, ttl time.Duration) (time.Duration, error) {
	if !result.ValidUntil.IsZero() {
		if remaining := result.ValidUntil.Sub(now); remaining < ttl {
			ttl = remaining
		}
	}
	if ttl <= 0 {
		return 0, ErrNotCacheable
	}
	return ttl, nil
}

// revocationTTL は墓標の保持期間を返す。
func revocationTTL(now, until time.Time) time.Duration {
	if until.IsZero() || !until.After(now) {
		return DefaultRevocationTTL
	}
	return until.Sub(now)
}

// revocation は墓標の内容。
type revocation struct {
	RevokedAt time.Time `json:"revoked_at"`
	Until     time.Time `json:"until"`
}

func (r revocation) result(fingerprint string) credential.ValidationResult {
	return credential.ValidationResult{
		Fingerprint: fingerprint,
		Verdict:     credential.VerdictRevoked,
		VerifiedAt:  r.RevokedAt,
		ValidUntil:  r.Until,
	}
}
