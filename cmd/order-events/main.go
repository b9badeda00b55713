// 注文イベントを発行するコマンド。
// 注文を確定して order_created を発行するほか、キャンセルやステータス変更、
// JSONで書いたイベントの直接発行、API用のJWT発行ができる。
//
// broker.kindがmemoryの場合、ブローカーはプロセス内にしか存在しないため
// 通知サービスを同じプロセスで起動し、-waitの間だけ動かしてから終了する。
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/nao1215/ordernotify/pkg/config"
	"github.com/nao1215/ordernotify/pkg/logging"
)

const usage = `使い方: order-events <command> [flags]

commands:
  place    注文を確定して order_created を発行する
  cancel   注文をキャンセルして order_cancelled を発行する
  status   注文ステータスを変更してイベントを発行する
  publish  JSONのイベントをそのまま発行する
  token    APIを呼び出すためのJWTを発行する
`

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprint(os.Stderr, usage)
			os.Exit(2)
		}
		logging.Error().Err(err).Msg("コマンドの実行に失敗しました")
		os.Exit(1)
	}
}

var errUsage = errors.New("usage")

func run(args []string, stdin io.Reader, stdout io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv(config.PathEnvVar))
	if err != nil {
		return err
	}
	logging.Init(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "place":
		return runPlace(ctx, cfg, rest, stdout)
	case "cancel":
		return runCancel(ctx, cfg, rest, stdout)
	case "status":
		return runStatus(ctx, cfg, rest, stdout)
	case "publish":
		return runPublish(ctx, cfg, rest, stdin, stdout)
	case "token":
		return runToken(cfg, rest, stdout)
	default:
		return errUsage
	}
}
