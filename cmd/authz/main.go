// 認可サービスのエントリポイント。
// クライアントの代理でIDプロバイダからトークンを取得し、セッションの一覧と失効を提供する。
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/serezk4/lockbox-backend/internal/authz"
	"github.com/serezk4/lockbox-backend/pkg/config"
	"github.com/serezk4/lockbox-backend/pkg/credcache"
	"github.com/serezk4/lockbox-backend/pkg/idp"
	"github.com/serezk4/lockbox-backend/pkg/logger"
	"github.com/serezk4/lockbox-backend/pkg/validator"
)

func main() {
	if err := config.LoadDotenv(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	root := &cobra.Command{
		Use:           "authz",
		Short:         "Lockbox 認可サービス",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newHashSecretCmd())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newServeCmd() *cobra.Command {
	configPath := config.StrOr("AUTHZ_CONFIG", "")
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "認可サービスを起動する",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", configPath, "設定ファイルのパス (env AUTHZ_CONFIG)")
	return cmd
}

func serve(parent context.Context, configPath string) error {
	cfg, err := authz.LoadConfig(configPath)
	if err != nil {
		return err
	}
	logger.Init(cfg.Log)
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := authz.OpenStore(ctx, cfg.Dialect(), cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	cache, closeCache, err := credcache.Open(cfg.Cache)
	if err != nil {
		return err
	}
	defer func() { _ = closeCache() }()

	clients, err := authz.NewRegistry(cfg.Clients)
	if err != nil {
		return fmt.Errorf("クライアント定義が不正です: %w", err)
	}
	sealer, err := authz.NewSealer(cfg.SealKey)
	if err != nil {
		return err
	}
	adapter, err := idp.NewOIDCAdapter(ctx, cfg.IdP, nil)
	if err != nil {
		return fmt.Errorf("IDプロバイダアダプタの初期化に失敗: %w", err)
	}

	var opts []validator.Option
	if cfg.Validator.LocalJWKS {
		keys, err := validator.NewJWKSKeySet(ctx, adapter.JWKSURL(), nil)
		if err != nil {
			return err
		}
		opts = append(opts, validator.WithKeySet(keys))
	}
	v := validator.New(cache, adapter, cfg.Validator, opts...)

	// 事前登録する結果の寿命はゲートウェイの検証と揃える
	if cfg.Session.MaxCacheAge <= 0 {
		cfg.Session.MaxCacheAge = cfg.Validator.WithDefaults().MaxCacheAge
	}
	service := authz.NewService(store, adapter, cache, clients, sealer, cfg.Session)
	go service.Run(ctx)

	server, err := authz.NewServer(cfg, service, clients, v)
	if err != nil {
		return fmt.Errorf("認可サーバーの初期化に失敗: %w", err)
	}
	return server.Run(ctx)
}

func newHashSecretCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-secret [secret]",
		Short: "クライアントシークレットのbcryptハッシュを出力する",
		Long:  "引数を省略した場合は標準入力から1行読み込む。",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var secret string
			if len(args) == 1 {
				secret = args[0]
			} else {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return errors.New("シークレットを読み込めません")
				}
				secret = strings.TrimRight(line, "\r\n")
			}
			hash, err := authz.HashSecret(secret)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}
