// Package broker はメッセージブローカーを差し替え可能にする抽象を提供する。
//
// 業務ロジックは Broker インターフェースだけに依存し、トランスポートは
// インメモリ（watermill gochannel）、NATS JetStream、Kafka から設定で選ぶ。
// メッセージはwatermillの *message.Message で表し、受信側は処理後に
// Ack または Nack を呼ぶ。Nackされたメッセージは再配信される。
package broker

import (
	"context"
	"errors"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	natsgo "github.com/nats-io/nats.go"

	"github.com/nao1215/ordernotify/pkg/logging"
)

// ErrClosed はクローズ済みのブローカーを使用したことを表す。
var ErrClosed = errors.New("ブローカーはクローズ済みです")

// メッセージのメタデータキー。
const (
	// MetadataEventType はイベント種別。
	MetadataEventType = "event_type"
	// MetadataPartitionKey は順序を保証したい単位（注文ID）。
	MetadataPartitionKey = "partition_key"
)

// Broker はイベントの発行と購読を行うブローカー接続。
type Broker interface {
	// Publish はtopicにメッセージを発行する。ctxの期限を超えた場合は失敗する。
	Publish(ctx context.Context, topic string, msg *message.Message) error
	// Subscribe はtopicを購読する。返されるチャネルは接続が切れるか
	// ctxがキャンセルされると閉じられる。
	Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error)
	// Close は接続を閉じる。
	Close() error
}

// Dialer はブローカーへの接続を確立する。
type Dialer interface {
	Dial(ctx context.Context) (Broker, error)
}

// DialerFunc は関数をDialerとして扱うためのアダプタ。
type DialerFunc func(ctx context.Context) (Broker, error)

// Dial はf(ctx)を呼び出す。
func (f DialerFunc) Dial(ctx context.Context) (Broker, error) {
	return f(ctx)
}

// NewMessage はIDとペイロードからメッセージを生成する。
// IDはNATSの重複排除ヘッダーにも設定される。
func NewMessage(id string, payload []byte) *message.Message {
	if id == "" {
		id = watermill.NewUUID()
	}
	msg := message.NewMessage(id, payload)
	msg.Metadata.Set(natsgo.MsgIdHdr, id)
	return msg
}

// watermillLogger はwatermillのログをzerologへ流すアダプタを返す。
func watermillLogger() watermill.LoggerAdapter {
	return watermill.NewSlogLogger(logging.Slog())
}

// publishWithContext はctxを尊重しない発行処理をctxの期限で打ち切る。
func publishWithContext(ctx context.Context, publish func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() { done <- publish() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
