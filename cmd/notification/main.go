// 通知サービスのエントリポイント。
// 注文イベントを購読して通知を作成し、メールやSMSで配信する。
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/nao1215/ordernotify/internal/notification"
	"github.com/nao1215/ordernotify/pkg/config"
	"github.com/nao1215/ordernotify/pkg/logging"
)

func main() {
	if err := run(); err != nil {
		logging.Error().Err(err).Msg("通知サービスが異常終了しました")
		os.Exit(1)
	}
}

func run() error {
	// .envは任意。
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv(config.PathEnvVar))
	if err != nil {
		return err
	}
	logging.Init(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := notification.NewService(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.Close(); err != nil {
			logging.Error().Err(err).Msg("終了処理に失敗しました")
		}
	}()

	logging.Info().
		Int("port", cfg.Server.Port).
		Str("broker", cfg.Broker.Kind).
		Strs("channels", cfg.Channels).
		Msg("通知サービスを起動します")
	if err := svc.Serve(ctx); err != nil {
		return err
	}
	logging.Info().Msg("通知サービスを停止しました")
	return nil
}
