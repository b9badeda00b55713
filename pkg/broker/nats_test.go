package broker

import (
	"context"
	"testing"
	"time"
)

// TestNATS は組み込みNATSサーバーを使ってJetStream経由の送受信を検証する。
func TestNATS(t *testing.T) {
	t.Parallel()

	srv, err := StartEmbeddedNATS(t.TempDir(), -1)
	if err != nil {
		t.Fatalf("組み込みNATSの起動に失敗: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	n, err := DialNATS(ctx, NATSConfig{URL: srv.ClientURL(), QueueGroup: "test", Durable: "test"})
	if err != nil {
		t.Fatalf("DialNATS()でエラーが発生: %v", err)
	}
	defer n.Close()

	ch, err := n.Subscribe(ctx, "order_created")
	if err != nil {
		t.Fatalf("Subscribe()でエラーが発生: %v", err)
	}

	if err := n.Publish(ctx, "order_created", NewMessage("evt-nats-1", []byte(`{"order_id":"ORD-1"}`))); err != nil {
		t.Fatalf("Publish()でエラーが発生: %v", err)
	}

	msg := receive(t, ch, 10*time.Second)
	if msg.UUID != "evt-nats-1" {
		t.Errorf("UUID = %q, want %q", msg.UUID, "evt-nats-1")
	}
	if string(msg.Payload) != `{"order_id":"ORD-1"}` {
		t.Errorf("Payload = %s", msg.Payload)
	}
	msg.Ack()
}

// TestDialNATSUnreachable は接続できない場合にエラーになることを検証する。
func TestDialNATSUnreachable(t *testing.T) {
	t.Parallel()

	_, err := DialNATS(context.Background(), NATSConfig{URL: "nats://127.0.0.1:1", ConnectTimeout: 500 * time.Millisecond})
	if err == nil {
		t.Fatal("エラーが返されるべき")
	}
}
