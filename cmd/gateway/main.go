// Gatewayサービスのエントリポイント。
// 外部からアクセス可能な唯一のサービスであり、ルーティング、流量制御、
// ベアラートークンの検証を行ってから上流サービスへ転送する。
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/serezk4/lockbox-backend/internal/gateway"
	"github.com/serezk4/lockbox-backend/internal/gateway/route"
	"github.com/serezk4/lockbox-backend/pkg/config"
	"github.com/serezk4/lockbox-backend/pkg/credcache"
	"github.com/serezk4/lockbox-backend/pkg/httpclient"
	"github.com/serezk4/lockbox-backend/pkg/idp"
	"github.com/serezk4/lockbox-backend/pkg/logger"
	"github.com/serezk4/lockbox-backend/pkg/validator"
)

func main() {
	if err := config.LoadDotenv(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "gateway",
		Short:         "Lockbox API Gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newRoutesCmd())
	return root
}

func newServeCmd() *cobra.Command {
	configPath := config.StrOr("GATEWAY_CONFIG", "")
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Gatewayを起動する",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", configPath, "設定ファイルのパス (env GATEWAY_CONFIG)")
	return cmd
}

func serve(parent context.Context, configPath string) error {
	cfg, err := gateway.LoadConfig(configPath)
	if err != nil {
		return err
	}
	logger.Init(cfg.Log)
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cache, closeCache, err := credcache.Open(cfg.Cache)
	if err != nil {
		return err
	}
	defer func() { _ = closeCache() }()

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

	server, err := gateway.NewServer(cfg, gateway.Deps{
		Validator: validator.New(cache, adapter, cfg.Validator, opts...),
		Cache:     cache,
	})
	if err != nil {
		return fmt.Errorf("Gatewayサーバーの初期化に失敗: %w", err)
	}

	// SIGHUPでルート定義を再読み込みする
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				if err := server.ReloadRoutes(); err != nil {
					logger.L().Error("SIGHUPによるルートのリロードに失敗", zap.Error(err))
				}
			}
		}
	}()

	return server.Run(ctx)
}

func newRoutesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "routes",
		Short: "ルート定義の操作",
	}

	validateCmd := &cobra.Command{
		Use:   "validate <file>",
		Short: "ルート定義ファイルを検証する",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			routes, err := route.LoadFile(args[0])
			if err != nil {
				return err
			}
			if err := route.NewTable().Reload(routes); err != nil {
				for _, f := range route.Failures(err) {
					fmt.Fprintf(cmd.ErrOrStderr(), "%s: %s\n", f.RouteID, f.Reason)
				}
				return errors.New("ルート定義が不正です")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: %d件のルート\n", len(routes))
			return nil
		},
	}

	adminURL := config.StrOr("GATEWAY_ADMIN_URL", "http://localhost:8080")
	adminToken := config.StrOr("GATEWAY_ADMIN_TOKEN", "")
	reloadCmd := &cobra.Command{
		Use:   "reload",
		Short: "稼働中のGatewayにルートの再読み込みを指示する",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if adminToken == "" {
				return errors.New("管理トークンが必要です (--token または env GATEWAY_ADMIN_TOKEN)")
			}
			client := httpclient.New(adminURL,
				httpclient.WithBearer(adminToken),
				httpclient.WithTimeout(10*time.Second),
			)
			var resp struct {
				Generation uint64 `json:"generation"`
				Routes     int    `json:"routes"`
			}
			if err := client.PostJSON(cmd.Context(), "/admin/routes/reload", nil, &resp); err != nil {
				return fmt.Errorf("リロードに失敗: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "generation=%d routes=%d\n", resp.Generation, resp.Routes)
			return nil
		},
	}
	reloadCmd.Flags().StringVar(&adminURL, "url", adminURL, "GatewayのURL (env GATEWAY_ADMIN_URL)")
	reloadCmd.Flags().StringVar(&adminToken, "token", adminToken, "管理トークン (env GATEWAY_ADMIN_TOKEN)")

	cmd.AddCommand(validateCmd, reloadCmd)
	return cmd
}
