package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/segmentio/kafka-go"

	"github.com/nao1215/ordernotify/pkg/logging"
)

// Kafkaのヘッダーに載せるメッセージID。
const kafkaHeaderUUID = "_watermill_message_uuid"

// KafkaConfig はKafkaへの接続設定。
type KafkaConfig struct {
	// Brokers はブローカーのアドレス一覧。
	Brokers []string
	// GroupID はコンシューマグループID。オフセットはグループ単位で管理される。
	GroupID string
	// DialTimeout は接続確認のタイムアウト。
	DialTimeout time.Duration
	// RedeliveryDelay はNackされたメッセージを再配信するまでの待ち時間。
	RedeliveryDelay time.Duration
}

// Kafka はsegmentio/kafka-goを使ったブローカー。
// 受信したメッセージはAckされた時点でオフセットをコミットし、
// Nackされた場合は同じメッセージを再配信する。
type Kafka struct {
	cfg    KafkaConfig
	writer *kafka.Writer

	// ctx はClose時にキャンセルされ、全ての受信ゴルーチンを止める。
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	readers []*kafka.Reader
	closed  bool
	wg      sync.WaitGroup
}

// DialKafka はブローカーへの疎通を確認してKafkaブローカーを生成する。
func DialKafka(ctx context.Context, cfg KafkaConfig) (*Kafka, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("Kafkaのブローカーが指定されていません")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.RedeliveryDelay <= 0 {
		cfg.RedeliveryDelay = time.Second
	}

	dctx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	conn, err := kafka.DialContext(dctx, "tcp", cfg.Brokers[0])
	if err != nil {
		return nil, fmt.Errorf("Kafkaへの接続に失敗: %w", err)
	}
	_ = conn.Close()

	kctx, kcancel := context.WithCancel(context.Background())
	return &Kafka{
		cfg:    cfg,
		ctx:    kctx,
		cancel: kcancel,
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
		},
	}, nil
}

// Publish はtopicにメッセージを書き込む。同じパーティションキーのメッセージは
// 同じパーティションに入り、順序が保たれる。
func (k *Kafka) Publish(ctx context.Context, topic string, msg *message.Message) error {
	if k.isClosed() {
		return ErrClosed
	}
	key := msg.Metadata.Get(MetadataPartitionKey)
	if key == "" {
		key = msg.UUID
	}
	headers := []kafka.Header{{Key: kafkaHeaderUUID, Value: []byte(msg.UUID)}}
	for name, value := range msg.Metadata {
		headers = append(headers, kafka.Header{Key: name, Value: []byte(value)})
	}
	return k.writer.WriteMessages(ctx, kafka.Message{
		Topic:   topic,
		Key:     []byte(key),
		Value:   msg.Payload,
		Headers: headers,
	})
}

// Subscribe はコンシューマグループとしてtopicを購読する。
func (k *Kafka) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return nil, ErrClosed
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  k.cfg.Brokers,
		GroupID:  k.cfg.GroupID,
		Topic:    topic,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	k.readers = append(k.readers, reader)
	k.wg.Add(1)
	k.mu.Unlock()

	sctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(k.ctx, cancel)

	out := make(chan *message.Message)
	go func() {
		defer k.wg.Done()
		defer close(out)
		defer stop()
		defer cancel()
		k.consume(sctx, reader, topic, out)
	}()
	return out, nil
}

// consume は1件ずつメッセージを取り出し、Ackされるまで次に進まない。
func (k *Kafka) consume(ctx context.Context, reader *kafka.Reader, topic string, out chan<- *message.Message) {
	log := logging.With("broker.kafka").With().Str("topic", topic).Logger()
	for {
		km, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, io.EOF) {
				log.Warn().Err(err).Msg("メッセージの取得に失敗しました")
			}
			return
		}

		for {
			msg := toWatermill(km)
			msg.SetContext(ctx)
			select {
			case out <- msg:
			case <-ctx.Done():
				return
			}

			select {
			case <-msg.Acked():
				if err := reader.CommitMessages(ctx, km); err != nil {
					log.Warn().Err(err).Int64("offset", km.Offset).Msg("オフセットのコミットに失敗しました")
				}
			case <-msg.Nacked():
				select {
				case <-time.After(k.cfg.RedeliveryDelay):
					continue
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
			break
		}
	}
}

func toWatermill(km kafka.Message) *message.Message {
	id := ""
	md := make(message.Metadata)
	for _, h := range km.Headers {
		if h.Key == kafkaHeaderUUID {
			id = string(h.Value)
			continue
		}
		md.Set(h.Key, string(h.Value))
	}
	if id == "" {
		id = watermill.NewUUID()
	}
	msg := message.NewMessage(id, km.Value)
	msg.Metadata = md
	return msg
}

// Close は全てのリーダーとライターを閉じ、受信ゴルーチンの終了を待つ。
func (k *Kafka) Close() error {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return nil
	}
	k.closed = true
	readers := k.readers
	k.mu.Unlock()

	k.cancel()
	var errs []error
	for _, r := range readers {
		if err := r.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := k.writer.Close(); err != nil {
		errs = append(errs, err)
	}
	k.wg.Wait()
	return errors.Join(errs...)
}

func (k *Kafka) isClosed() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.closed
}
