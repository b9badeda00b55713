package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	natsgo "github.com/nats-io/nats.go"
)

// NATSConfig はNATS JetStreamへの接続設定。
type NATSConfig struct {
	// URL は接続先（例: nats://127.0.0.1:4222）。カンマ区切りで複数指定できる。
	URL string
	// QueueGroup は同じグループの購読者間でメッセージを分配する。
	QueueGroup string
	// Durable は永続コンシューマ名の接頭辞。
	Durable string
	// AckWait はAckを待つ時間。超えると再配信される。
	AckWait time.Duration
	// ConnectTimeout は接続確立のタイムアウト。
	ConnectTimeout time.Duration
}

// NATS はwatermill-natsを使ったJetStreamブローカー。
type NATS struct {
	publisher  message.Publisher
	subscriber message.Subscriber
	logger     watermill.LoggerAdapter

	// lost は接続が恒久的に失われたときに閉じられる。
	lost     chan struct{}
	lostOnce sync.Once

	mu     sync.Mutex
	closed bool
}

// DialNATS はNATSに接続して発行・購読の両方を準備する。
// 接続できない場合はエラーを返す（再接続はConsumer側のバックオフに任せる）。
func DialNATS(ctx context.Context, cfg NATSConfig) (*NATS, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cfg.AckWait <= 0 {
		cfg.AckWait = 30 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}

	n := &NATS{
		logger: watermillLogger(),
		lost:   make(chan struct{}),
	}

	natsOpts := []natsgo.Option{
		natsgo.Timeout(cfg.ConnectTimeout),
		natsgo.MaxReconnects(10),
		natsgo.ReconnectWait(time.Second),
		natsgo.DisconnectErrHandler(func(_ *natsgo.Conn, err error) {
			if err != nil {
				n.logger.Error("NATSから切断されました", err, nil)
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			n.logger.Info("NATSに再接続しました", watermill.LogFields{"url": nc.ConnectedUrl()})
		}),
		natsgo.ClosedHandler(func(_ *natsgo.Conn) {
			n.markLost()
		}),
	}

	pub, err := wmNats.NewPublisher(wmNats.PublisherConfig{
		URL:         cfg.URL,
		NatsOptions: natsOpts,
		Marshaler:   &wmNats.NATSMarshaler{},
		JetStream: wmNats.JetStreamConfig{
			Disabled:      false,
			AutoProvision: true,
			TrackMsgId:    true,
		},
	}, n.logger)
	if err != nil {
		return nil, fmt.Errorf("NATSパブリッシャーの作成に失敗: %w", err)
	}

	sub, err := wmNats.NewSubscriber(wmNats.SubscriberConfig{
		URL:              cfg.URL,
		QueueGroupPrefix: cfg.QueueGroup,
		SubscribersCount: 1,
		AckWaitTimeout:   cfg.AckWait,
		CloseTimeout:     10 * time.Second,
		NatsOptions:      natsOpts,
		Unmarshaler:      &wmNats.NATSMarshaler{},
		JetStream: wmNats.JetStreamConfig{
			Disabled:      false,
			AutoProvision: true,
			AckAsync:      false,
			DurablePrefix: cfg.Durable,
			SubscribeOptions: []natsgo.SubOpt{
				natsgo.DeliverAll(),
				natsgo.AckExplicit(),
				natsgo.AckWait(cfg.AckWait),
			},
		},
	}, n.logger)
	if err != nil {
		_ = pub.Close()
		return nil, fmt.Errorf("NATSサブスクライバーの作成に失敗: %w", err)
	}

	n.publisher = pub
	n.subscriber = sub
	return n, nil
}

func (n *NATS) markLost() {
	n.lostOnce.Do(func() { close(n.lost) })
}

// Publish はtopicにメッセージを発行する。Nats-Msg-Idによりサーバー側で重複排除される。
func (n *NATS) Publish(ctx context.Context, topic string, msg *message.Message) error {
	if n.isClosed() {
		return ErrClosed
	}
	if msg.Metadata.Get(natsgo.MsgIdHdr) == "" {
		msg.Metadata.Set(natsgo.MsgIdHdr, msg.UUID)
	}
	return publishWithContext(ctx, func() error {
		return n.publisher.Publish(topic, msg)
	})
}

// Subscribe はtopicを購読する。NATS接続が恒久的に失われるとチャネルは閉じられる。
func (n *NATS) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if n.isClosed() {
		return nil, ErrClosed
	}
	sctx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-n.lost:
			cancel()
		case <-sctx.Done():
		}
	}()
	ch, err := n.subscriber.Subscribe(sctx, topic)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%s の購読に失敗: %w", topic, err)
	}
	return ch, nil
}

// Close はパブリッシャーとサブスクライバーを閉じる。
func (n *NATS) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	n.mu.Unlock()

	n.markLost()
	subErr := n.subscriber.Close()
	pubErr := n.publisher.Close()
	if subErr != nil {
		return fmt.Errorf("NATSサブスクライバーのクローズに失敗: %w", subErr)
	}
	if pubErr != nil {
		return fmt.Errorf("NATSパブリッシャーのクローズに失敗: %w", pubErr)
	}
	return nil
}

func (n *NATS) isClosed() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.closed
}
