package notification

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/nao1215/ordernotify/pkg/broker"
	"github.com/nao1215/ordernotify/pkg/config"
	"github.com/nao1215/ordernotify/pkg/event"
	"github.com/nao1215/ordernotify/pkg/logging"
	"github.com/nao1215/ordernotify/pkg/metrics"
	"github.com/nao1215/ordernotify/pkg/ttlstore"
)

// State は購読ループの状態。
type State string

const (
	// StateDisconnected はブローカーに接続していない状態。
	StateDisconnected State = "disconnected"
	// StateConnecting は接続と購読を試みている状態。
	StateConnecting State = "connecting"
	// StateSubscribed は購読済みでメッセージを待っている状態。
	StateSubscribed State = "subscribed"
	// StateProcessing はメッセージを処理している状態。
	StateProcessing State = "processing"
	// StateBackoff は接続失敗後に再接続を待っている状態。
	StateBackoff State = "backoff"
)

var states = []State{StateDisconnected, StateConnecting, StateSubscribed, StateProcessing, StateBackoff}

// EventHandler は受信したイベントを処理する。
type EventHandler interface {
	Handle(ctx context.Context, e *event.Event) error
}

// ConsumerConfig は購読ループの設定。
type ConsumerConfig struct {
	// Topics は購読するトピック。
	Topics []string
	// InitialBackoff は再接続待ちの初期値。
	InitialBackoff time.Duration
	// MaxBackoff は再接続待ちの上限。
	MaxBackoff time.Duration
	// DedupTTL は処理済みイベントIDを記憶する期間。
	DedupTTL time.Duration
}

// ConsumerConfigFrom はアプリケーション設定からConsumerConfigを作る。
func ConsumerConfigFrom(b config.BrokerConfig, c config.ConsumerConfig) ConsumerConfig {
	return ConsumerConfig{
		Topics:         b.Topics,
		InitialBackoff: c.InitialBackoff,
		MaxBackoff:     c.MaxBackoff,
		DedupTTL:       c.DedupTTL,
	}
}

// Consumer はブローカーからイベントを受信してハンドラに渡す購読ループ。
// 接続が切れても再接続を続け、ctxがキャンセルされるまで戻らない。
type Consumer struct {
	dialer  broker.Dialer
	handler EventHandler
	cfg     ConsumerConfig
	// seen は処理済みイベントIDのキャッシュ。nilなら使わない。
	seen  *ttlstore.Store
	state atomic.Value
	log   zerolog.Logger
}

// NewConsumer は新しいConsumerを生成する。seenがnilの場合は処理済みキャッシュを使わない。
func NewConsumer(dialer broker.Dialer, handler EventHandler, cfg ConsumerConfig, seen *ttlstore.Store) *Consumer {
	if len(cfg.Topics) == 0 {
		for _, t := range event.Types {
			cfg.Topics = append(cfg.Topics, t.Topic())
		}
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = 30 * time.Second
	}
	c := &Consumer{
		dialer:  dialer,
		handler: handler,
		cfg:     cfg,
		seen:    seen,
		log:     logging.With("consumer"),
	}
	c.setState(StateDisconnected)
	return c
}

// State は現在の状態を返す。
func (c *Consumer) State() State {
	return c.state.Load().(State)
}

func (c *Consumer) setState(s State) {
	c.state.Store(s)
	for _, st := range states {
		v := 0.0
		if st == s {
			v = 1
		}
		metrics.ConsumerState.WithLabelValues(string(st)).Set(v)
	}
}

// Serve はsutureのサービスとしてRunを実行する。
func (c *Consumer) Serve(ctx context.Context) error {
	return c.Run(ctx)
}

// Run は接続、購読、受信を繰り返す。ctxがキャンセルされると処理中のメッセージを
// 終えてから接続を閉じ、ctx.Err()を返す。
func (c *Consumer) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.InitialBackoff
	bo.MaxInterval = c.cfg.MaxBackoff
	bo.MaxElapsedTime = 0
	bo.Reset()

	defer c.setState(StateDisconnected)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		c.setState(StateConnecting)
		b, msgs, err := c.subscribe(ctx)
		if err != nil {
			wait := bo.NextBackOff()
			c.setState(StateBackoff)
			c.log.Warn().Err(err).Dur("retry_in", wait).Msg("ブローカーへの接続に失敗しました")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			c.setState(StateDisconnected)
			continue
		}

		bo.Reset()
		c.setState(StateSubscribed)
		c.log.Info().Strs("topics", c.cfg.Topics).Msg("購読を開始しました")

		c.consume(ctx, msgs)
		if err := b.Close(); err != nil {
			c.log.Warn().Err(err).Msg("ブローカー接続のクローズに失敗しました")
		}
		c.setState(StateDisconnected)
		if err := ctx.Err(); err != nil {
			return err
		}
		c.log.Warn().Msg("ブローカーとの接続が切れました。再接続します")
	}
}

// inbound は受信したメッセージと受信元のトピック。
type inbound struct {
	topic string
	msg   *message.Message
}

// subscribe はブローカーに接続して全トピックを購読し、受信を1つのチャネルにまとめる。
// いずれかのトピックの購読が終わるとまとめたチャネルも閉じる。
func (c *Consumer) subscribe(ctx context.Context) (broker.Broker, <-chan inbound, error) {
	b, err := c.dialer.Dial(ctx)
	if err != nil {
		return nil, nil, err
	}

	subCtx, cancel := context.WithCancel(ctx)
	chans := make(map[string]<-chan *message.Message, len(c.cfg.Topics))
	for _, topic := range c.cfg.Topics {
		ch, err := b.Subscribe(subCtx, topic)
		if err != nil {
			cancel()
			_ = b.Close()
			return nil, nil, err
		}
		chans[topic] = ch
	}

	merged := make(chan inbound)
	var wg sync.WaitGroup
	for topic, ch := range chans {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer cancel()
			for msg := range ch {
				select {
				case merged <- inbound{topic: topic, msg: msg}:
				case <-subCtx.Done():
					msg.Nack()
					return
				}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(merged)
	}()

	return &session{Broker: b, cancel: cancel}, merged, nil
}

// session は購読を止めてから接続を閉じるBroker。
type session struct {
	broker.Broker
	cancel context.CancelFunc
}

func (s *session) Close() error {
	s.cancel()
	return s.Broker.Close()
}

// consume はチャネルが閉じるかctxがキャンセルされるまでメッセージを処理する。
func (c *Consumer) consume(ctx context.Context, msgs <-chan inbound) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-msgs:
			if !ok {
				return
			}
			c.setState(StateProcessing)
			// 受信済みのメッセージはctxがキャンセルされても最後まで処理する。
			c.process(context.WithoutCancel(ctx), ctx.Done(), d)
			c.setState(StateSubscribed)
		}
	}
}

// process は1件のメッセージを処理してAckまたはNackする。
// デコードできないメッセージは再配信しても直らないためAckして捨てる。
// stopが閉じると再配信前の待機を切り上げる。
func (c *Consumer) process(ctx context.Context, stop <-chan struct{}, d inbound) {
	e, err := event.Decode(d.msg.Payload)
	if err != nil {
		c.log.Warn().Err(err).Str("topic", d.topic).Str("message_id", d.msg.UUID).Msg("デコードできないメッセージをスキップしました")
		metrics.EventsConsumed.WithLabelValues(d.topic, "decode_error").Inc()
		d.msg.Ack()
		return
	}

	l := c.log.With().Str("topic", d.topic).Str("event_id", e.EventID).Str("order_id", e.OrderID).Logger()

	if c.alreadySeen(ctx, e.EventID) {
		l.Debug().Msg("処理済みのイベントをスキップしました")
		metrics.EventsConsumed.WithLabelValues(d.topic, "duplicate").Inc()
		d.msg.Ack()
		return
	}

	err = c.handler.Handle(ctx, e)
	switch {
	case err == nil:
		metrics.EventsConsumed.WithLabelValues(d.topic, "handled").Inc()
	case errors.Is(err, ErrDuplicateNotification):
		l.Debug().Msg("通知は作成済みです")
		metrics.EventsConsumed.WithLabelValues(d.topic, "duplicate").Inc()
	default:
		l.Error().Err(err).Msg("イベントの処理に失敗しました。再配信を待ちます")
		metrics.EventsConsumed.WithLabelValues(d.topic, "handler_error").Inc()
		// 再配信までの間隔を空ける。
		select {
		case <-stop:
		case <-time.After(c.cfg.InitialBackoff):
		}
		d.msg.Nack()
		return
	}

	c.remember(ctx, e.EventID)
	d.msg.Ack()
}

func (c *Consumer) alreadySeen(ctx context.Context, eventID string) bool {
	if c.seen == nil || eventID == "" {
		return false
	}
	ok, err := c.seen.Has(ctx, eventID)
	if err != nil {
		c.log.Warn().Err(err).Msg("処理済みキャッシュの参照に失敗しました")
		return false
	}
	return ok
}

func (c *Consumer) remember(ctx context.Context, eventID string) {
	if c.seen == nil || eventID == "" || c.cfg.DedupTTL <= 0 {
		return
	}
	if err := c.seen.Put(ctx, eventID, []byte{1}, c.cfg.DedupTTL); err != nil {
		c.log.Warn().Err(err).Msg("処理済みキャッシュへの記録に失敗しました")
	}
}
