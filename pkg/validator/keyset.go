package validator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/httprc/v3"
	"github.com/lestrrat-go/jwx/v3/jwk"
)

// KeySet はJWT署名検証用の鍵を解決する。
type KeySet interface {
	// Key はトークンヘッダーに対応する検証鍵を返す。
	Key(ctx context.Context, token *jwt.Token) (any, error)
	// Methods は受け付ける署名アルゴリズム。
	Methods() []string
}

// HMACKeySet は共有秘密鍵によるHS256検証。
type HMACKeySet struct {
	secret []byte
}

// NewHMACKeySet は共有秘密鍵の鍵セットを生成する。
func NewHMACKeySet(secret string) *HMACKeySet {
	return &HMACKeySet{secret: []byte(secret)}
}

// Key はKeySet.Keyを実装する。
func (k *HMACKeySet) Key(_ context.Context, token *jwt.Token) (any, error) {
	if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("想定外の署名アルゴリズム: %v", token.Header["alg"])
	}
	return k.secret, nil
}

// Methods はKeySet.Methodsを実装する。
func (k *HMACKeySet) Methods() []string {
	return []string{jwt.SigningMethodHS256.Alg(), jwt.SigningMethodHS384.Alg(), jwt.SigningMethodHS512.Alg()}
}

// errKeyUnavailable はJWKSを取得できないことを表す。
// この場合はローカル検証を諦め、イントロスペクションにフォールバックする。
var errKeyUnavailable = errors.New("JWKSを取得できません")

// JWKSKeySet はプロバイダのJWKSエンドポイントから公開鍵を取得する。
// 鍵セットはjwk.Cacheにより自動更新される。
type JWKSKeySet struct {
	url   string
	cache *jwk.Cache

	mu          sync.Mutex
	registered  bool
	registerErr error
}

// NewJWKSKeySet はJWKS鍵セットを生成する。登録は初回利用時に遅延して行う。
func NewJWKSKeySet(ctx context.Context, url string, httpClient *http.Client) (*JWKSKeySet, error) {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Second}
	}
	cache, err := jwk.NewCache(ctx, httprc.NewClient(httprc.WithHTTPClient(httpClient)))
	if err != nil {
		return nil, fmt.Errorf("JWKSキャッシュの生成に失敗: %w", err)
	}
	return &JWKSKeySet{url: url, cache: cache}, nil
}

func (k *JWKSKeySet) ensureRegistered(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.registered && k.registerErr == nil {
		return nil
	}
	rctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	k.registerErr = k.cache.Register(rctx, k.url)
	k.registered = true
	return k.registerErr
}

// Key はKeySet.Keyを実装する。
func (k *JWKSKeySet) Key(ctx context.Context, token *jwt.Token) (any, error) {
	switch token.Method.(type) {
	case *jwt.SigningMethodRSA, *jwt.SigningMethodECDSA, *jwt.SigningMethodRSAPSS:
	default:
		return nil, fmt.Errorf("想定外の署名アルゴリズム: %v", token.Header["alg"])
	}
	kid, ok := token.Header["kid"].(string)
	if !ok {
		return nil, errors.New("トークンヘッダーにkidがありません")
	}

	if err := k.ensureRegistered(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", errKeyUnavailable, err)
	}
	set, err := k.cache.Lookup(ctx, k.url)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errKeyUnavailable, err)
	}
	key, found := set.LookupKeyID(kid)
	if !found {
		return nil, fmt.Errorf("鍵ID %s がJWKSにありません", kid)
	}
	var raw any
	if err := jwk.Export(key, &raw); err != nil {
		return nil, fmt.Errorf("鍵のエクスポートに失敗: %w", err)
	}
	return raw, nil
}

// Methods はKeySet.Methodsを実装する。
func (k *JWKSKeySet) Methods() []string {
	return []string{"RS256", "RS384", "RS512", "PS256", "PS384", "PS512", "ES256", "ES384", "ES512"}
}
