package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"
)

// EmbeddedNATS はプロセス内で起動するJetStream有効のNATSサーバー。
// 開発環境と結合テストで外部のNATSを用意せずに済むようにする。
type EmbeddedNATS struct {
	server *server.Server
}

// StartEmbeddedNATS はNATSサーバーを起動し、接続可能になるまで待つ。
// portに-1を指定すると空いているポートを使う。
func StartEmbeddedNATS(storeDir string, port int) (*EmbeddedNATS, error) {
	ns, err := server.NewServer(&server.Options{
		ServerName: "ordernotify",
		Host:       "127.0.0.1",
		Port:       port,
		JetStream:  true,
		StoreDir:   storeDir,
		NoSigs:     true,
		MaxPayload: 1024 * 1024,
	})
	if err != nil {
		return nil, fmt.Errorf("NATSサーバーの作成に失敗: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(10 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("NATSサーバーが時間内に起動しませんでした")
	}
	return &EmbeddedNATS{server: ns}, nil
}

// ClientURL はクライアントの接続先URLを返す。
func (e *EmbeddedNATS) ClientURL() string {
	return e.server.ClientURL()
}

// Serve はctxがキャンセルされるまでサーバーを動かし、その後停止する。
// suture.Serviceとして監視ツリーに登録できる。
func (e *EmbeddedNATS) Serve(ctx context.Context) error {
	<-ctx.Done()
	e.Shutdown()
	return ctx.Err()
}

// Shutdown はサーバーを停止して終了を待つ。
func (e *EmbeddedNATS) Shutdown() {
	e.server.Shutdown()
	e.server.WaitForShutdown()
}
