package broker

import (
	"context"
	"fmt"
	"strings"

	"github.com/nao1215/ordernotify/pkg/config"
)

// NewDialer は設定に応じたDialerを返す。
// kindがmemoryの場合はmemを共有ブローカーとして使う。
func NewDialer(cfg config.BrokerConfig, mem *Memory) (Dialer, error) {
	switch cfg.Kind {
	case "memory":
		if mem == nil {
			return nil, fmt.Errorf("インメモリブローカーが指定されていません")
		}
		return mem, nil
	case "nats":
		natsCfg := NATSConfig{
			URL:        strings.Join(cfg.URLs, ","),
			QueueGroup: cfg.NATS.QueueGroup,
			Durable:    cfg.NATS.Durable,
		}
		return DialerFunc(func(ctx context.Context) (Broker, error) {
			return DialNATS(ctx, natsCfg)
		}), nil
	case "kafka":
		kafkaCfg := KafkaConfig{
			Brokers: cfg.URLs,
			GroupID: cfg.Kafka.GroupID,
		}
		return DialerFunc(func(ctx context.Context) (Broker, error) {
			return DialKafka(ctx, kafkaCfg)
		}), nil
	default:
		return nil, fmt.Errorf("未対応のブローカーです: %q", cfg.Kind)
	}
}
