package gateway

import (
	"errors"
	"fmt"
	"time"

	"github.com/serezk4/lockbox-backend/pkg/config"
	"github.com/serezk4/lockbox-backend/pkg/credcache"
	"github.com/serezk4/lockbox-backend/pkg/idp"
	"github.com/serezk4/lockbox-backend/pkg/logger"
	"github.com/serezk4/lockbox-backend/pkg/validator"
)

// 流量制御の呼び出し元キーの決め方。
const (
	// CallerKeyCredential は認証必須ルートで検証済みのベアラートークンがあれば
	// そのフィンガープリントを、無ければ接続元IPを使う。
	CallerKeyCredential = "credential"
	// CallerKeyOrigin は常に接続元IPを使う。
	CallerKeyOrigin = "origin"
)

// Config はGatewayサービスの設定。
type Config struct {
	Port string `yaml:"port"`
	// RoutesFile はルート定義ファイルのパス。リロード時にも再読み込みする。
	RoutesFile string `yaml:"routes_file"`
	// AdminToken が空であれば管理用エンドポイントは無効。
	AdminToken string `yaml:"admin_token"`
	CallerKey  string `yaml:"caller_key"`
	// TrustedProxies はX-Forwarded-Forを信頼する前段プロキシ。空なら接続元アドレスを使う。
	TrustedProxies    []string      `yaml:"trusted_proxies"`
	CORSOrigins       []string      `yaml:"cors_origins"`
	BucketIdleTimeout time.Duration `yaml:"bucket_idle_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`

	Log       logger.Config    `yaml:"log"`
	Cache     credcache.Config `yaml:"cache"`
	Validator validator.Config `yaml:"validator"`
	IdP       idp.Config       `yaml:"idp"`
}

// DefaultConfig はデフォルト設定を返す。
func DefaultConfig() Config {
	return Config{
		Port:              "8080",
		CallerKey:         CallerKeyCredential,
		BucketIdleTimeout: 10 * time.Minute,
		ShutdownTimeout:   15 * time.Second,
		Log:               logger.Config{Env: "dev", Level: "info", ServiceName: "gateway"},
		Cache:             credcache.Config{Backend: "redis", RedisAddr: "localhost:6379"},
	}
}

// LoadConfig は設定ファイルと環境変数から設定を読み込む。pathは空でもよい。
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if err := config.LoadYAML(path, &cfg); err != nil {
		return Config{}, err
	}
	cfg.applyEnvOverrides()
	cfg.Log.ServiceName = "gateway"
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	config.SetStr(&c.Port, "GATEWAY_PORT")
	config.SetStr(&c.RoutesFile, "GATEWAY_ROUTES_FILE")
	config.SetStr(&c.AdminToken, "GATEWAY_ADMIN_TOKEN")
	config.SetStr(&c.CallerKey, "GATEWAY_CALLER_KEY")
	config.SetCSV(&c.TrustedProxies, "GATEWAY_TRUSTED_PROXIES")
	config.SetCSV(&c.CORSOrigins, "GATEWAY_CORS_ORIGINS")

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

// Validate は設定を検証する。
func (c Config) Validate() error {
	var errs []error
	if c.Port == "" {
		errs = append(errs, errors.New("portが空です"))
	}
	switch c.CallerKey {
	case CallerKeyCredential, CallerKeyOrigin:
	default:
		errs = append(errs, fmt.Errorf("caller_keyは%sまたは%sである必要があります: %q", CallerKeyCredential, CallerKeyOrigin, c.CallerKey))
	}
	if err := c.Cache.Validate(c.Log.Env); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
