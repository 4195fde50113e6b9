package authz

import (
	"errors"
	"fmt"
	"slices"

	"golang.org/x/crypto/bcrypt"

	"github.com/serezk4/lockbox-backend/pkg/idp"
)

// ErrInvalidClient はクライアント認証に失敗したことを表す。
var ErrInvalidClient = errors.New("クライアント認証に失敗しました")

// ClientConfig は設定ファイル上のクライアント定義。
type ClientConfig struct {
	ID string `yaml:"id"`
	// SecretHash はbcryptでハッシュ化したクライアントシークレット。
	// authz hash-secret で生成する。
	SecretHash string `yaml:"secret_hash"`
	// GrantTypes は許可するグラント種別。
	GrantTypes []string `yaml:"grant_types"`
	// Scopes は要求を許可するスコープ。空なら制限しない。
	Scopes []string `yaml:"scopes"`
}

// Client は登録済みのクライアント。
type Client struct {
	ID         string
	secretHash []byte
	grantTypes []idp.GrantType
	scopes     []string
}

// Allows はグラント種別が許可されているかを返す。
func (c Client) Allows(gt idp.GrantType) bool {
	return slices.Contains(c.grantTypes, gt)
}

// GrantScopes は要求されたスコープを検証する。許可されていないスコープが
// 含まれていればエラーを返す。要求が空であれば許可されたスコープをすべて返す。
func (c Client) GrantScopes(requested []string) ([]string, error) {
	if len(c.scopes) == 0 {
		return requested, nil
	}
	if len(requested) == 0 {
		return slices.Clone(c.scopes), nil
	}
	for _, s := range requested {
		if !slices.Contains(c.scopes, s) {
			return nil, fmt.Errorf("許可されていないスコープです: %q", s)
		}
	}
	return requested, nil
}

// Registry はクライアントの登録簿。
type Registry struct {
	clients map[string]Client
	// dummy は未知のクライアントでも照合時間を揃えるためのハッシュ。
	dummy []byte
}

// NewRegistry は設定からクライアント登録簿を生成する。
func NewRegistry(cfgs []ClientConfig) (*Registry, error) {
	dummy, err := bcrypt.GenerateFromPassword([]byte("lockbox-dummy-secret"), bcrypt.MinCost)
	if err != nil {
		return nil, fmt.Errorf("ダミーハッシュの生成に失敗: %w", err)
	}
	r := &Registry{clients: make(map[string]Client, len(cfgs)), dummy: dummy}

	var errs []error
	for _, cfg := range cfgs {
		if cfg.ID == "" {
			errs = append(errs, errors.New("クライアントIDが空です"))
			continue
		}
		if _, dup := r.clients[cfg.ID]; dup {
			errs = append(errs, fmt.Errorf("クライアントIDが重複しています: %q", cfg.ID))
			continue
		}
		if _, err := bcrypt.Cost([]byte(cfg.SecretHash)); err != nil {
			errs = append(errs, fmt.Errorf("クライアント %q のsecret_hashが不正です: %w", cfg.ID, err))
			continue
		}
		c := Client{ID: cfg.ID, secretHash: []byte(cfg.SecretHash), scopes: slices.Clone(cfg.Scopes)}
		for _, gt := range cfg.GrantTypes {
			switch g := idp.GrantType(gt); g {
			case idp.GrantPassword, idp.GrantClientCredentials, idp.GrantAuthorizationCode, idp.GrantRefreshToken:
				c.grantTypes = append(c.grantTypes, g)
			default:
				errs = append(errs, fmt.Errorf("クライアント %q: 未知のグラント種別 %q", cfg.ID, gt))
			}
		}
		r.clients[cfg.ID] = c
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return r, nil
}

// Authenticate はクライアントIDとシークレットを照合する。
func (r *Registry) Authenticate(id, secret string) (Client, error) {
	c, ok := r.clients[id]
	if !ok {
		_ = bcrypt.CompareHashAndPassword(r.dummy, []byte(secret))
		return Client{}, ErrInvalidClient
	}
	if err := bcrypt.CompareHashAndPassword(c.secretHash, []byte(secret)); err != nil {
		return Client{}, ErrInvalidClient
	}
	return c, nil
}

// HashSecret はクライアントシークレットをbcryptでハッシュ化する。
func HashSecret(secret string) (string, error) {
	if secret == "" {
		return "", errors.New("シークレットが空です")
	}
	h, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("シークレットのハッシュ化に失敗: %w", err)
	}
	return string(h), nil
}
