package order_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"github.com/nao1215/ordernotify/internal/notification"
	"github.com/nao1215/ordernotify/internal/order"
	"github.com/nao1215/ordernotify/internal/publisher"
	"github.com/nao1215/ordernotify/pkg/broker"
	"github.com/nao1215/ordernotify/pkg/database"
)

type capturedMail struct {
	to, subject, html string
}

type captureEmail struct {
	mu    sync.Mutex
	mails []capturedMail
}

func (c *captureEmail) Send(_ context.Context, to, subject, html string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mails = append(c.mails, capturedMail{to: to, subject: subject, html: html})
	return nil
}

// TestOrderToEmail は注文の確定からメール送信までの一連の流れを検証する。
func TestOrderToEmail(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	mem := broker.NewMemory()
	defer mem.Close()

	orderDB, err := order.OpenDB(ctx, database.MemoryPath)
	if err != nil {
		t.Fatal(err)
	}
	defer orderDB.Close()
	notifyDB, err := notification.OpenDB(ctx, database.MemoryPath)
	if err != nil {
		t.Fatal(err)
	}
	defer notifyDB.Close()

	store := notification.NewStore(notifyDB)
	prefs := notification.NewPreferenceResolver(notifyDB)
	email := &captureEmail{}
	addr := "u1@example.com"
	if _, err := prefs.Update(ctx, "U1", notification.PreferencePatch{Email: &addr}); err != nil {
		t.Fatal(err)
	}

	consumer := notification.NewConsumer(mem, notification.NewOrderEventHandler(store, nil), notification.ConsumerConfig{
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     50 * time.Millisecond,
	}, nil)
	consumerCtx, stopConsumer := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- consumer.Run(consumerCtx) }()
	defer func() {
		stopConsumer()
		<-done
	}()

	pub := publisher.New(mem, publisher.Config{MaxAttempts: 3, BaseDelay: time.Millisecond, AttemptTimeout: time.Second})
	orders := order.NewService(orderDB, pub, nil)
	placed, err := orders.PlaceOrder(ctx, order.PlaceRequest{
		OrderID:       "ORD-1",
		UserID:        "U1",
		Items:         []order.Item{{ProductID: "P1", Quantity: 2, Price: json.Number("10.0")}},
		PaymentMethod: "card",
	})
	if err != nil || placed.PublishErr != nil {
		t.Fatalf("PlaceOrder() err=%v publish=%v", err, placed.PublishErr)
	}

	list := func(ch notification.Channel) []notification.Record {
		page, err := store.List(ctx, notification.ListParams{UserID: "U1", Channel: ch})
		if err != nil {
			t.Fatal(err)
		}
		return page.Items
	}
	for len(list(notification.ChannelEmail)) == 0 || len(list(notification.ChannelInApp)) == 0 {
		if ctx.Err() != nil {
			t.Fatal("通知が作成されない")
		}
		time.Sleep(10 * time.Millisecond)
	}

	inApp := list(notification.ChannelInApp)[0]
	emailRec := list(notification.ChannelEmail)[0]
	for _, r := range []notification.Record{inApp, emailRec} {
		if !strings.Contains(r.Content, "ORD-1") {
			t.Errorf("本文に注文IDが含まれていない: %q", r.Content)
		}
	}
	if !inApp.Sent {
		t.Error("アプリ内通知は作成時点で配信済みであるべき")
	}
	if emailRec.Sent {
		t.Error("メール通知は送信前に配信済みになってはいけない")
	}

	worker := notification.NewDeliveryWorker(store, prefs, email, nil, notification.WorkerConfig{})
	res, err := worker.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep()でエラーが発生: %v", err)
	}
	if res.Sent != 1 {
		t.Errorf("配信件数: got %d, want 1", res.Sent)
	}
	got, err := store.Get(ctx, emailRec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Sent {
		t.Error("送信後のメール通知が配信済みになっていない")
	}
	if len(email.mails) != 1 || email.mails[0].to != addr {
		t.Errorf("送信内容が異なる: %+v", email.mails)
	}
}
