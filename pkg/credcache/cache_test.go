package credcache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/serezk4/lockbox-backend/pkg/credential"
)

// fakeClock はテスト用の進められる時計。
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// validResult はテスト用の有効な検証結果を生成する。
func validResult(fp string, now time.Time, lifetime time.Duration) credential.ValidationResult {
	return credential.NewResult(fp, credential.VerdictValid, credential.Claims{
		Subject:   "user-1",
		ExpiresAt: now.Add(lifetime),
	}, now, time.Hour)
}

// newTestRedis はminiredisに接続したRedisキャッシュを生成する。
func newTestRedis(t *testing.T, mr *miniredis.Miniredis, clock *fakeClock) *Redis {
	t.Helper()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedis(client, WithKeyPrefix("test:"), WithRedisClock(clock.Now))
}

// TestMemory はメモリキャッシュの基本動作を検証する。
func TestMemory(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("格納した結果を取得できること", func(t *testing.T) {
		t.Parallel()

		clock := newFakeClock()
		m, err := NewMemory(100, WithMemoryClock(clock.Now))
		if err != nil {
			t.Fatalf("NewMemory()でエラーが発生: %v", err)
		}
		if err := m.Put(ctx, "fp-1", validResult("fp-1", clock.Now(), time.Hour), time.Minute); err != nil {
			t.Fatalf("Put()でエラーが発生: %v", err)
		}
		got, err := m.Get(ctx, "fp-1")
		if err != nil {
			t.Fatalf("Get()でエラーが発生: %v", err)
		}
		if got.Verdict != credential.VerdictValid || got.Claims.Subject != "user-1" {
			t.Errorf("Get() = %+v", got)
		}
	})

	t.Run("TTLが資格情報の有効期限で切り詰められること", func(t *testing.T) {
		t.Parallel()

		clock := newFakeClock()
		m, _ := NewMemory(100, WithMemoryClock(clock.Now))
		// 資格情報は10秒後に失効するが、TTLは1分を要求する
		if err := m.Put(ctx, "fp-1", validResult("fp-1", clock.Now(), 10*time.Second), time.Minute); err != nil {
			t.Fatalf("Put()でエラーが発生: %v", err)
		}
		clock.Advance(11 * time.Second)
		if _, err := m.Get(ctx, "fp-1"); !errors.Is(err, ErrMiss) {
			t.Errorf("Get() error = %v, want ErrMiss", err)
		}
	})

	t.Run("有効期限切れの結果は格納できないこと", func(t *testing.T) {
		t.Parallel()

		clock := newFakeClock()
		m, _ := NewMemory(100, WithMemoryClock(clock.Now))
		r := validResult("fp-1", clock.Now().Add(-time.Hour), time.Minute)
		if err := m.Put(ctx, "fp-1", r, time.Minute); !errors.Is(err, ErrNotCacheable) {
			t.Errorf("Put() error = %v, want ErrNotCacheable", err)
		}
	})

	t.Run("失効後の肯定的なPutで復活しないこと", func(t *testing.T) {
		t.Parallel()

		clock := newFakeClock()
		m, _ := NewMemory(100, WithMemoryClock(clock.Now))
		r := validResult("fp-1", clock.Now(), time.Hour)
		_ = m.Put(ctx, "fp-1", r, time.Minute)
		if err := m.Invalidate(ctx, "fp-1", r.Claims.ExpiresAt); err != nil {
			t.Fatalf("Invalidate()でエラーが発生: %v", err)
		}
		_ = m.Put(ctx, "fp-1", r, time.Minute)

		got, err := m.Get(ctx, "fp-1")
		if err != nil {
			t.Fatalf("Get()でエラーが発生: %v", err)
		}
		if got.Verdict != credential.VerdictRevoked {
			t.Errorf("Verdict = %s, want %s", got.Verdict, credential.VerdictRevoked)
		}
	})

	t.Run("容量を超えると古いエントリが追い出されること", func(t *testing.T) {
		t.Parallel()

		clock := newFakeClock()
		m, _ := NewMemory(memoryShards, WithMemoryClock(clock.Now))
		for _, fp := range []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j", "k", "l", "m", "n", "o", "p", "q", "r"} {
			_ = m.Put(ctx, fp, validResult(fp, clock.Now(), time.Hour), time.Minute)
		}
		total := 0
		for _, s := range m.shards {
			total += s.entries.Len()
		}
		if total > memoryShards {
			t.Errorf("エントリ数 = %d, want <= %d", total, memoryShards)
		}
	})
}

// TestMemoryTombstones は墓標が容量による追い出しの対象にならないことを検証する。
func TestMemoryTombstones(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	clock := newFakeClock()
	m, err := NewMemory(memoryShards, WithMemoryClock(clock.Now))
	if err != nil {
		t.Fatal(err)
	}
	until := clock.Now().Add(time.Hour)
	if err := m.Invalidate(ctx, "revoked", until); err != nil {
		t.Fatalf("Invalidate()でエラーが発生: %v", err)
	}
	for i := range 10 * memoryShards {
		fp := fmt.Sprintf("fp-%d", i)
		_ = m.Put(ctx, fp, validResult(fp, clock.Now(), time.Hour), time.Minute)
	}

	got, err := m.Get(ctx, "revoked")
	if err != nil {
		t.Fatalf("大量のPut後に墓標が失われた: %v", err)
	}
	if got.Verdict != credential.VerdictRevoked {
		t.Errorf("Verdict = %s, want %s", got.Verdict, credential.VerdictRevoked)
	}

	clock.Advance(time.Hour + time.Second)
	if _, err := m.Get(ctx, "revoked"); !errors.Is(err, ErrMiss) {
		t.Errorf("期限切れの墓標: err = %v, want ErrMiss", err)
	}
}

// TestRedis はRedisキャッシュの動作を検証する。
func TestRedis(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("格納した結果を取得でき、TTL経過後はミスになること", func(t *testing.T) {
		t.Parallel()

		mr := miniredis.RunT(t)
		clock := newFakeClock()
		c := newTestRedis(t, mr, clock)

		if err := c.Put(ctx, "fp-1", validResult("fp-1", clock.Now(), time.Hour), 30*time.Second); err != nil {
			t.Fatalf("Put()でエラーが発生: %v", err)
		}
		got, err := c.Get(ctx, "fp-1")
		if err != nil {
			t.Fatalf("Get()でエラーが発生: %v", err)
		}
		if got.Claims.Subject != "user-1" {
			t.Errorf("Subject = %q, want %q", got.Claims.Subject, "user-1")
		}
		if ttl := mr.TTL("test:vr:fp-1"); ttl != 30*time.Second {
			t.Errorf("TTL = %v, want 30s", ttl)
		}

		mr.FastForward(31 * time.Second)
		if _, err := c.Get(ctx, "fp-1"); !errors.Is(err, ErrMiss) {
			t.Errorf("Get() error = %v, want ErrMiss", err)
		}
	})

	t.Run("TTLが資格情報の有効期限を超えないこと", func(t *testing.T) {
		t.Parallel()

		mr := miniredis.RunT(t)
		clock := newFakeClock()
		c := newTestRedis(t, mr, clock)

		_ = c.Put(ctx, "fp-1", validResult("fp-1", clock.Now(), 5*time.Second), time.Minute)
		if ttl := mr.TTL("test:vr:fp-1"); ttl > 5*time.Second {
			t.Errorf("TTL = %v, want <= 5s", ttl)
		}
	})

	t.Run("失効が別インスタンスから観測できること", func(t *testing.T) {
		t.Parallel()

		mr := miniredis.RunT(t)
		clock := newFakeClock()
		a := newTestRedis(t, mr, clock)
		b := newTestRedis(t, mr, clock)

		r := validResult("fp-1", clock.Now(), time.Hour)
		_ = a.Put(ctx, "fp-1", r, time.Minute)
		if err := b.Invalidate(ctx, "fp-1", r.Claims.ExpiresAt); err != nil {
			t.Fatalf("Invalidate()でエラーが発生: %v", err)
		}
		// 失効後に古い検証が書き戻しても墓標が優先される
		_ = a.Put(ctx, "fp-1", r, time.Minute)

		got, err := a.Get(ctx, "fp-1")
		if err != nil {
			t.Fatalf("Get()でエラーが発生: %v", err)
		}
		if got.Verdict != credential.VerdictRevoked {
			t.Errorf("Verdict = %s, want %s", got.Verdict, credential.VerdictRevoked)
		}
		if ttl := mr.TTL("test:rv:fp-1"); ttl <= 0 || ttl > time.Hour {
			t.Errorf("墓標のTTL = %v, want (0, 1h]", ttl)
		}
	})

	t.Run("壊れたエントリはエラーになること", func(t *testing.T) {
		t.Parallel()

		mr := miniredis.RunT(t)
		c := newTestRedis(t, mr, newFakeClock())
		_ = mr.Set("test:vr:fp-1", "{not json")

		_, err := c.Get(ctx, "fp-1")
		if err == nil || errors.Is(err, ErrMiss) {
			t.Errorf("Get() error = %v, want デシリアライズエラー", err)
		}
	})

	t.Run("Redis停止時はエラーになること", func(t *testing.T) {
		t.Parallel()

		mr := miniredis.RunT(t)
		c := newTestRedis(t, mr, newFakeClock())
		mr.Close()

		if _, err := c.Get(ctx, "fp-1"); err == nil {
			t.Error("Get()がエラーを返さない")
		}
		if err := c.Ping(ctx); err == nil {
			t.Error("Ping()がエラーを返さない")
		}
	})
}

func TestOpen(t *testing.T) {
	t.Parallel()

	c, closeFn, err := Open(Config{Backend: "memory"})
	if err != nil {
		t.Fatalf("Open()でエラーが発生: %v", err)
	}
	defer closeFn() //nolint:errcheck
	if _, ok := c.(*Memory); !ok {
		t.Errorf("Open() = %T, want *Memory", c)
	}

	if _, _, err := Open(Config{Backend: "etcd"}); err == nil {
		t.Error("未知のバックエンドでエラーにならない")
	}
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     Config
		env     string
		wantErr bool
	}{
		{name: "開発環境のmemory", cfg: Config{Backend: "memory"}, env: "dev"},
		{name: "本番環境のmemoryは拒否", cfg: Config{Backend: "memory"}, env: "production", wantErr: true},
		{name: "本番環境の未指定は拒否", cfg: Config{}, env: "production", wantErr: true},
		{name: "本番環境のredis", cfg: Config{Backend: "redis", RedisAddr: "redis:6379"}, env: "production"},
		{name: "アドレスの無いredis", cfg: Config{Backend: "redis"}, env: "dev", wantErr: true},
		{name: "未知のバックエンド", cfg: Config{Backend: "etcd"}, env: "dev", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if err := tt.cfg.Validate(tt.env); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
