// Package logger はzapベースの構造化ロガーを提供する。
//
// プロセス全体で共有するロガーをInitで初期化し、L()で取得する。
// リクエスト単位のフィールド（request_id等）を持つロガーはミドルウェアが
// コンテキストに格納し、From(ctx)で取り出す。
package logger

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config はロガーの設定。
type Config struct {
	// Env は実行環境。"prod" の場合はJSON出力、それ以外はコンソール出力。
	Env string `yaml:"env"`
	// Level は出力する最小ログレベル（debug, info, warn, error）。
	Level string `yaml:"level"`
	// ServiceName はログに付与するサービス名。
	ServiceName string `yaml:"-"`
}

var (
	once     sync.Once
	instance *zap.Logger
)

// Init はロガーを初期化する。最初の呼び出しのみ有効。
func Init(cfg Config) {
	once.Do(func() {
		instance = build(cfg)
	})
}

// L は共有ロガーを返す。未初期化の場合は開発用設定で初期化する。
func L() *zap.Logger {
	Init(Config{Env: "dev", Level: "info"})
	return instance
}

// Named はコンポーネント名付きのロガーを返す。
func Named(name string) *zap.Logger {
	return L().Named(name)
}

// Sync はバッファされたログを書き出す。
func Sync() error {
	if instance != nil {
		return instance.Sync()
	}
	return nil
}

type ctxKey struct{}

// ToContext はロガーをコンテキストに格納する。
func ToContext(ctx context.Context, l *zap.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// From はコンテキストからロガーを取り出す。格納されていなければ共有ロガーを返す。
func From(ctx context.Context) *zap.Logger {
	if ctx != nil {
		if l, ok := ctx.Value(ctxKey{}).(*zap.Logger); ok {
			return l
		}
	}
	return L()
}

func build(cfg Config) *zap.Logger {
	level := parseLevel(cfg.Level)

	var zcfg zap.Config
	if strings.EqualFold(cfg.Env, "prod") {
		zcfg = zap.NewProductionConfig()
		zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	} else {
		zcfg = zap.NewDevelopmentConfig()
		zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		zcfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
		zcfg.DisableStacktrace = true
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	zcfg.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder

	l, err := zcfg.Build(zap.AddCaller())
	if err != nil {
		l = zap.NewNop()
	}
	if cfg.ServiceName != "" {
		l = l.With(zap.String("service", cfg.ServiceName))
	}
	return l
}

func parseLevel(lvl string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(lvl)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
