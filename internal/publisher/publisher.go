// Package publisher は注文ワークフローからブローカーへイベントを引き渡す。
//
// 発行は同期的に行い、一時的な失敗は指数バックオフで有限回だけ再試行する。
// 全ての試行が失敗した場合は *PublishError を返すが、呼び出し側（注文処理）は
// これを致命的なエラーとして扱わない。
package publisher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/nao1215/ordernotify/pkg/broker"
	"github.com/nao1215/ordernotify/pkg/config"
	"github.com/nao1215/ordernotify/pkg/event"
	"github.com/nao1215/ordernotify/pkg/logging"
	"github.com/nao1215/ordernotify/pkg/metrics"
)

// ErrPublish はイベントの発行に失敗したことを表す。
var ErrPublish = errors.New("イベントの発行に失敗")

// PublishError は再試行を使い切った発行失敗の詳細。
type PublishError struct {
	// EventID は発行しようとしたイベントのID。
	EventID string
	// Topic は発行先のトピック。
	Topic string
	// Attempts は実際に行った試行回数。
	Attempts int
	// Err は最後の試行の失敗原因。
	Err error
}

// Error はエラーメッセージを返す。
func (e *PublishError) Error() string {
	return fmt.Sprintf("%v: event_id=%s topic=%s attempts=%d: %v", ErrPublish, e.EventID, e.Topic, e.Attempts, e.Err)
}

// Unwrap はerrors.Isで ErrPublish と原因の両方に一致させる。
func (e *PublishError) Unwrap() []error {
	return []error{ErrPublish, e.Err}
}

// Ack は発行成功の確認。
type Ack struct {
	EventID  string
	Topic    string
	Attempts int
}

// Config は再試行とサーキットブレーカーの設定。
type Config struct {
	MaxAttempts     int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	Multiplier      float64
	Jitter          float64
	AttemptTimeout  time.Duration
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

// ConfigFrom はアプリケーション設定からConfigを作る。
func ConfigFrom(c config.PublisherConfig) Config {
	return Config{
		MaxAttempts:     c.MaxAttempts,
		BaseDelay:       c.BaseDelay,
		MaxDelay:        c.MaxDelay,
		Multiplier:      c.Multiplier,
		Jitter:          c.Jitter,
		AttemptTimeout:  c.AttemptTimeout,
		BreakerFailures: c.BreakerFailures,
		BreakerTimeout:  c.BreakerTimeout,
	}
}

// Publisher はイベントをブローカーへ発行する。
type Publisher struct {
	broker  broker.Broker
	cfg     Config
	breaker *gobreaker.CircuitBreaker[struct{}]
	log     zerolog.Logger
}

// New は新しいPublisherを生成する。
func New(b broker.Broker, cfg Config) *Publisher {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 2
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	log := logging.With("publisher")

	breaker := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "broker-publish",
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
				Msg("サーキットブレーカーの状態が変わりました")
		},
	})

	return &Publisher{broker: b, cfg: cfg, breaker: breaker, log: log}
}

// Publish はイベントを発行する。注文とその決済がコミットされた後に呼び出すこと。
// 一時的な失敗は設定された回数まで再試行し、使い切った場合は *PublishError を返す。
func (p *Publisher) Publish(ctx context.Context, ev *event.Event) (Ack, error) {
	if ev == nil {
		return Ack{}, &PublishError{Err: errors.New("イベントがnilです")}
	}
	topic := ev.EventType.Topic()
	data, err := event.Encode(ev)
	if err != nil {
		p.fail(ev, topic, 0, err)
		return Ack{}, &PublishError{EventID: ev.EventID, Topic: topic, Err: err}
	}

	attempts := 0
	op := func() error {
		attempts++
		metrics.PublishAttempts.Inc()

		msg := broker.NewMessage(ev.EventID, data)
		msg.Metadata.Set(broker.MetadataEventType, string(ev.EventType))
		msg.Metadata.Set(broker.MetadataPartitionKey, ev.OrderID)

		actx := ctx
		if p.cfg.AttemptTimeout > 0 {
			var cancel context.CancelFunc
			actx, cancel = context.WithTimeout(ctx, p.cfg.AttemptTimeout)
			defer cancel()
		}
		_, err := p.breaker.Execute(func() (struct{}, error) {
			return struct{}{}, p.broker.Publish(actx, topic, msg)
		})
		if errors.Is(err, broker.ErrClosed) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		p.log.Warn().Err(err).Str("event_id", ev.EventID).Int("attempt", attempts).Dur("retry_in", wait).
			Msg("イベントの発行に失敗したため再試行します")
	}

	if err := backoff.RetryNotify(op, p.backoff(ctx), notify); err != nil {
		p.fail(ev, topic, attempts, err)
		return Ack{}, &PublishError{EventID: ev.EventID, Topic: topic, Attempts: attempts, Err: err}
	}

	metrics.EventsPublished.WithLabelValues(string(ev.EventType), "ok").Inc()
	p.log.Debug().Str("event_id", ev.EventID).Str("topic", topic).Int("attempts", attempts).Msg("イベントを発行しました")
	return Ack{EventID: ev.EventID, Topic: topic, Attempts: attempts}, nil
}

// backoff は1回の発行に使うバックオフを生成する。試行回数はMaxAttemptsで打ち切る。
func (p *Publisher) backoff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.cfg.BaseDelay
	exp.Multiplier = p.cfg.Multiplier
	exp.RandomizationFactor = p.cfg.Jitter
	if p.cfg.MaxDelay > 0 {
		exp.MaxInterval = p.cfg.MaxDelay
	}
	exp.MaxElapsedTime = 0
	exp.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(p.cfg.MaxAttempts-1)), ctx)
}

func (p *Publisher) fail(ev *event.Event, topic string, attempts int, err error) {
	metrics.EventsPublished.WithLabelValues(string(ev.EventType), "failed").Inc()
	p.log.Error().Err(err).Str("event_id", ev.EventID).Str("order_id", ev.OrderID).
		Str("topic", topic).Int("attempts", attempts).
		Msg("イベントの発行を断念しました")
}

// BreakerState はサーキットブレーカーの現在の状態を返す。
func (p *Publisher) BreakerState() string {
	return p.breaker.State().String()
}
