package authz

import (
	"errors"
	"fmt"
	"time"

	"github.com/serezk4/lockbox-backend/pkg/config"
	"github.com/serezk4/lockbox-backend/pkg/credcache"
	"github.com/serezk4/lockbox-backend/pkg/idp"
	"github.com/serezk4/lockbox-backend/pkg/logger"
	"github.com/serezk4/lockbox-backend/pkg/migration"
	"github.com/serezk4/lockbox-backend/pkg/validator"
)

// DatabaseConfig はセッションストアの接続設定。
type DatabaseConfig struct {
	// Driver は "sqlite" または "postgres"。
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// Config は認可サービスの設定。
type Config struct {
	Port           string         `yaml:"port"`
	TrustedProxies []string       `yaml:"trusted_proxies"`
	Database       DatabaseConfig `yaml:"database"`
	// SealKey はリフレッシュトークン暗号化用の32バイト鍵（base64）。
	SealKey         string         `yaml:"seal_key"`
	ShutdownTimeout time.Duration  `yaml:"shutdown_timeout"`
	Clients         []ClientConfig `yaml:"clients"`

	Session   ServiceConfig    `yaml:"session"`
	Log       logger.Config    `yaml:"log"`
	Cache     credcache.Config `yaml:"cache"`
	Validator validator.Config `yaml:"validator"`
	IdP       idp.Config       `yaml:"idp"`
}

// DefaultConfig はデフォルト設定を返す。
func DefaultConfig() Config {
	return Config{
		Port:            "8081",
		Database:        DatabaseConfig{Driver: string(migration.SQLite), DSN: "authz.db"},
		ShutdownTimeout: 15 * time.Second,
		Log:             logger.Config{Env: "dev", Level: "info", ServiceName: "authz"},
		Cache:           credcache.Config{Backend: "redis", RedisAddr: "localhost:6379"},
	}
}

// LoadConfig は設定ファイルと環境変数から設定を読み込む。pathは空でもよい。
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if err := config.LoadYAML(path, &cfg); err != nil {
		return Config{}, err
	}
	cfg.applyEnvOverrides()
	cfg.Log.ServiceName = "authz"
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	config.SetStr(&c.Port, "AUTHZ_PORT")
	config.SetCSV(&c.TrustedProxies, "AUTHZ_TRUSTED_PROXIES")
	config.SetStr(&c.SealKey, "AUTHZ_SEAL_KEY")
	config.SetDuration(&c.Session.SessionTTL, "AUTHZ_SESSION_TTL")
	config.SetDuration(&c.Session.SweepInterval, "AUTHZ_SWEEP_INTERVAL")

	config.SetStr(&c.Database.Driver, "DATABASE_DRIVER")
	config.SetStr(&c.Database.DSN, "DATABASE_URL")

	config.SetStr(&c.Log.Env, "APP_ENV")
	config.SetStr(&c.Log.Level, "LOG_LEVEL")

	config.SetStr(&c.Cache.Backend, "CACHE_BACKEND")
	config.SetStr(&c.Cache.RedisAddr, "REDIS_ADDR")
	config.SetStr(&c.Cache.RedisPassword, "REDIS_PASSWORD")
	config.SetInt(&c.Cache.RedisDB, "REDIS_DB")

	config.SetStr(&c.Validator.HMACSecret, "JWT_SECRET")
	config.SetStr(&c.Validator.Issuer, "JWT_ISSUER")
	config.SetStr(&c.Validator.Audience, "JWT_AUDIENCE")
	config.SetBool(&c.Validator.LocalJWKS, "JWT_LOCAL_JWKS")

	config.SetStr(&c.IdP.Issuer, "IDP_ISSUER")
	config.SetBool(&c.IdP.Discover, "IDP_DISCOVER")
	config.SetStr(&c.IdP.ClientID, "IDP_CLIENT_ID")
	config.SetStr(&c.IdP.ClientSecret, "IDP_CLIENT_SECRET")
}

// Dialect はデータベースのSQL方言を返す。
func (c Config) Dialect() migration.Dialect {
	return migration.Dialect(c.Database.Driver)
}

// Validate は設定を検証する。
func (c Config) Validate() error {
	var errs []error
	if c.Port == "" {
		errs = append(errs, errors.New("portが空です"))
	}
	switch c.Dialect() {
	case migration.SQLite, migration.Postgres:
	default:
		errs = append(errs, fmt.Errorf("database.driverは%sまたは%sである必要があります: %q",
			migration.SQLite, migration.Postgres, c.Database.Driver))
	}
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsnが空です"))
	}
	if c.SealKey == "" {
		errs = append(errs, errors.New("seal_keyが空です"))
	} else if _, err := NewSealer(c.SealKey); err != nil {
		errs = append(errs, err)
	}
	if len(c.Clients) == 0 {
		errs = append(errs, errors.New("clientsが1件も定義されていません"))
	}
	if err := c.Cache.Validate(c.Log.Env); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
