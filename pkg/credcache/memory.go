package credcache

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/serezk4/lockbox-backend/pkg/credential"
)

const (
	defaultMemorySize = 10000
	memoryShards      = 16
)

// Memory は単一プロセス向けのLRUキャッシュ。
// 複数インスタンス間で失効を共有しないため、本番のメッシュ構成ではRedisを使う。
// 容量による追い出しは検証結果だけが対象で、墓標は有効期限まで保持する。
type Memory struct {
	shards [memoryShards]*memoryShard
	now    func() time.Time
}

type memoryShard struct {
	mu      sync.Mutex
	entries *lru.Cache[string, memoryEntry]
	revoked map[string]tombstone
}

type memoryEntry struct {
	result    credential.ValidationResult
	expiresAt time.Time
}

type tombstone struct {
	revocation
	expiresAt time.Time
}

// MemoryOption はMemoryのオプション。
type MemoryOption func(*Memory)

// WithMemoryClock は時刻関数を差し替える。
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

// NewMemory は最大size件を保持するメモリキャッシュを生成する。
func NewMemory(size int, opts ...MemoryOption) (*Memory, error) {
	if size <= 0 {
		size = defaultMemorySize
	}
	perShard := max(size/memoryShards, 1)

	m := &Memory{now: time.Now}
	for i := range m.shards {
		c, err := lru.New[string, memoryEntry](perShard)
		if err != nil {
			return nil, fmt.Errorf("LRUキャッシュの生成に失敗: %w", err)
		}
		m.shards[i] = &memoryShard{entries: c, revoked: make(map[string]tombstone)}
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

func (m *Memory) shard(fingerprint string) *memoryShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(fingerprint))
	return m.shards[h.Sum32()%memoryShards]
}

// Get はCache.Getを実装する。
func (m *Memory) Get(_ context.Context, fingerprint string) (credential.ValidationResult, error) {
	now := m.now()
	s := m.shard(fingerprint)
	s.mu.Lock()
	defer s.mu.Unlock()

	if ts, ok := s.revoked[fingerprint]; ok {
		if now.Before(ts.expiresAt) {
			return ts.result(fingerprint), nil
		}
		delete(s.revoked, fingerprint)
	}

	e, ok := s.entries.Get(fingerprint)
	if !ok {
		return credential.ValidationResult{}, ErrMiss
	}
	if !now.Before(e.expiresAt) {
		s.entries.Remove(fingerprint)
		return credential.ValidationResult{}, ErrMiss
	}
	return e.result, nil
}

// Put はCache.Putを実装する。失効済みのエントリは上書きしない。
func (m *Memory) Put(_ context.Context, fingerprint string, result credential.ValidationResult, ttl time.Duration) error {
	now := m.now()
	ttl, err := clampTTL(now, result, ttl)
	if err != nil {
		return err
	}

	s := m.shard(fingerprint)
	s.mu.Lock()
	defer s.mu.Unlock()

	if ts, ok := s.revoked[fingerprint]; ok && now.Before(ts.expiresAt) {
		return nil
	}
	s.entries.Add(fingerprint, memoryEntry{result: result, expiresAt: now.Add(ttl)})
	return nil
}

// Invalidate はCache.Invalidateを実装する。期限切れの墓標はこのときに掃除する。
func (m *Memory) Invalidate(_ context.Context, fingerprint string, until time.Time) error {
	now := m.now()

	s := m.shard(fingerprint)
	s.mu.Lock()
	defer s.mu.Unlock()
	for fp, ts := range s.revoked {
		if !now.Before(ts.expiresAt) {
			delete(s.revoked, fp)
		}
	}
	s.entries.Remove(fingerprint)
	s.revoked[fingerprint] = tombstone{
		revocation: revocation{RevokedAt: now, Until: until},
		expiresAt:  now.Add(revocationTTL(now, until)),
	}
	return nil
}

// Ping はCache.Pingを実装する。
func (m *Memory) Ping(context.Context) error {
	return nil
}
