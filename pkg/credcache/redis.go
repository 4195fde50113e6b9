package credcache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/serezk4/lockbox-backend/pkg/credential"
)

const defaultKeyPrefix = "lockbox:"

// Redis はメッシュ全体で共有するRedisキャッシュ。
// 結果は "<prefix>vr:<fp>"、墓標は "<prefix>rv:<fp>" に格納する。
type Redis struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// RedisOption はRedisのオプション。
type RedisOption func(*Redis)

// WithKeyPrefix はキーの接頭辞を設定する。
func WithKeyPrefix(prefix string) RedisOption {
	return func(r *Redis) {
		if prefix != "" {
			r.prefix = prefix
		}
	}
}

// WithRedisClock は時刻関数を差し替える。
func WithRedisClock(now func() time.Time) RedisOption {
	return func(r *Redis) { r.now = now }
}

// NewRedis はRedisキャッシュを生成する。
func NewRedis(client redis.UniversalClient, opts ...RedisOption) *Redis {
	r := &Redis{client: client, prefix: defaultKeyPrefix, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Redis) resultKey(fp string) string  { return r.prefix + "vr:" + fp }
func (r *Redis) revokedKey(fp string) string { return r.prefix + "rv:" + fp }

// Get はCache.Getを実装する。結果と墓標を1回のMGETで読み出す。
func (r *Redis) Get(ctx context.Context, fingerprint string) (credential.ValidationResult, error) {
	vals, err := r.client.MGet(ctx, r.resultKey(fingerprint), r.revokedKey(fingerprint)).Result()
	if err != nil {
		return credential.ValidationResult{}, fmt.Errorf("キャッシュの読み出しに失敗: %w", err)
	}

	if raw, ok := vals[1].(string); ok {
		var rv revocation
		if err := json.Unmarshal([]byte(raw), &rv); err != nil {
			return credential.ValidationResult{}, fmt.Errorf("墓標のデシリアライズに失敗: %w", err)
		}
		return rv.result(fingerprint), nil
	}

	raw, ok := vals[0].(string)
	if !ok {
		return credential.ValidationResult{}, ErrMiss
	}
	var result credential.ValidationResult
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return credential.ValidationResult{}, fmt.Errorf("検証結果のデシリアライズに失敗: %w", err)
	}
	return result, nil
}

// Put はCache.Putを実装する。
func (r *Redis) Put(ctx context.Context, fingerprint string, result credential.ValidationResult, ttl time.Duration) error {
	ttl, err := clampTTL(r.now(), result, ttl)
	if err != nil {
		return err
	}
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("検証結果のシリアライズに失敗: %w", err)
	}
	if err := r.client.Set(ctx, r.resultKey(fingerprint), data, ttl).Err(); err != nil {
		return fmt.Errorf("キャッシュへの書き込みに失敗: %w", err)
	}
	return nil
}

// Invalidate はCache.Invalidateを実装する。
// 墓標の書き込みと結果の削除を1つのトランザクションで行う。
func (r *Redis) Invalidate(ctx context.Context, fingerprint string, until time.Time) error {
	now := r.now()
	data, err := json.Marshal(revocation{RevokedAt: now, Until: until})
	if err != nil {
		return fmt.Errorf("墓標のシリアライズに失敗: %w", err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.revokedKey(fingerprint), data, revocationTTL(now, until))
		pipe.Del(ctx, r.resultKey(fingerprint))
		return nil
	})
	if err != nil {
		return fmt.Errorf("キャッシュの失効に失敗: %w", err)
	}
	return nil
}

// Ping はCache.Pingを実装する。
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
