package broker

import (
	"context"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// Memory はプロセス内で完結するブローカー。テストと単一プロセスでの動作確認に使う。
// 購読前に発行されたメッセージも後から購読した側に配信される。
type Memory struct {
	pubsub *gochannel.GoChannel

	mu     sync.Mutex
	closed bool
}

// NewMemory はインメモリブローカーを生成する。
func NewMemory() *Memory {
	return &Memory{
		pubsub: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: 256,
			Persistent:          true,
		}, watermillLogger()),
	}
}

// Publish はtopicにメッセージを発行する。
func (m *Memory) Publish(ctx context.Context, topic string, msg *message.Message) error {
	if m.isClosed() {
		return ErrClosed
	}
	msg.SetContext(ctx)
	return publishWithContext(ctx, func() error {
		return m.pubsub.Publish(topic, msg)
	})
}

// Subscribe はtopicを購読する。
func (m *Memory) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if m.isClosed() {
		return nil, ErrClosed
	}
	return m.pubsub.Subscribe(ctx, topic)
}

// Close はブローカーを停止し、全ての購読チャネルを閉じる。
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	return m.pubsub.Close()
}

func (m *Memory) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Dial は共有ブローカーへのセッションを返す。
// セッションのCloseはそのセッションの購読だけを終了し、ブローカー本体は閉じない。
func (m *Memory) Dial(ctx context.Context) (Broker, error) {
	if m.isClosed() {
		return nil, ErrClosed
	}
	sctx, cancel := context.WithCancel(context.Background())
	return &memorySession{Memory: m, ctx: sctx, cancel: cancel}, nil
}

type memorySession struct {
	*Memory
	ctx    context.Context
	cancel context.CancelFunc
}

func (s *memorySession) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if s.ctx.Err() != nil {
		return nil, ErrClosed
	}
	sub, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.ctx, cancel)
	ch, err := s.Memory.Subscribe(sub, topic)
	if err != nil {
		stop()
		cancel()
		return nil, err
	}
	return ch, nil
}

func (s *memorySession) Publish(ctx context.Context, topic string, msg *message.Message) error {
	if s.ctx.Err() != nil {
		return ErrClosed
	}
	return s.Memory.Publish(ctx, topic, msg)
}

func (s *memorySession) Close() error {
	s.cancel()
	return nil
}
