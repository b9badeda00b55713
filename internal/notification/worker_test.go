package notification

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nao1215/ordernotify/internal/notification/delivery"
)

// sentMail は送信されたメール。
type sentMail struct {
	to, subject, html string
}

// fakeEmail は送信内容を記録するメールトランスポート。
type fakeEmail struct {
	mu   sync.Mutex
	sent []sentMail
	// fail がnil以外を返すと送信失敗になる。
	fail func(to string) error
}

func (f *fakeEmail) Send(_ context.Context, to, subject, html string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		if err := f.fail(to); err != nil {
			return err
		}
	}
	f.sent = append(f.sent, sentMail{to: to, subject: subject, html: html})
	return nil
}

func (f *fakeEmail) mails() []sentMail {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMail(nil), f.sent...)
}

// fakeSMS は送信内容を記録するSMSトランスポート。
type fakeSMS struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeSMS) Send(_ context.Context, to, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, to+":"+body)
	return nil
}

type workerFixture struct {
	store  *Store
	prefs  *PreferenceResolver
	events *OrderEventHandler
	email  *fakeEmail
	clock  *fixedClock
	worker *DeliveryWorker
}

func newWorkerFixture(t *testing.T, cfg WorkerConfig, sms delivery.SMSTransport) *workerFixture {
	t.Helper()
	db := openTestDB(t)
	clock := newFixedClock()
	f := &workerFixture{
		store: NewStore(db),
		prefs: NewPreferenceResolver(db),
		email: &fakeEmail{},
		clock: clock,
	}
	f.store.now = clock.Now
	f.events = NewOrderEventHandler(f.store, nil)
	f.events.now = clock.Now
	f.worker = NewDeliveryWorker(f.store, f.prefs, f.email, sms, cfg)
	f.worker.now = clock.Now
	return f
}

func (f *workerFixture) sweep(t *testing.T) SweepResult {
	t.Helper()
	res, err := f.worker.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep()でエラーが発生: %v", err)
	}
	return res
}

func (f *workerFixture) emailRecord(t *testing.T, userID string) Record {
	t.Helper()
	recs := listAll(t, f.store, userID, ChannelEmail)
	if len(recs) != 1 {
		t.Fatalf("メール通知の件数: got %d, want 1", len(recs))
	}
	return recs[0]
}

// TestDeliveryWorkerSweep は未配信通知の配信と状態遷移を検証する。
func TestDeliveryWorkerSweep(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("送信に成功したメール通知だけが配信済みになること", func(t *testing.T) {
		t.Parallel()
		f := newWorkerFixture(t, WorkerConfig{}, nil)
		setEmail(t, f.prefs, "U1", "u1@example.com")
		if err := f.events.Handle(ctx, orderCreated("ORD-1", "U1")); err != nil {
			t.Fatal(err)
		}
		if f.emailRecord(t, "U1").Sent {
			t.Fatal("送信前に配信済みになっている")
		}

		res := f.sweep(t)
		if res.Scanned != 1 || res.Sent != 1 {
			t.Errorf("集計が異なる: %+v", res)
		}
		mails := f.email.mails()
		if len(mails) != 1 {
			t.Fatalf("送信件数: got %d, want 1", len(mails))
		}
		if mails[0].to != "u1@example.com" || mails[0].subject != "Order Confirmation" {
			t.Errorf("送信内容が異なる: %+v", mails[0])
		}
		if !strings.Contains(mails[0].html, "ORD-1") || !strings.Contains(mails[0].html, "$20.00") {
			t.Errorf("本文に注文内容が含まれていない: %s", mails[0].html)
		}

		r := f.emailRecord(t, "U1")
		if !r.Sent || r.SentAt == nil || r.Attempts != 0 {
			t.Errorf("配信後の状態が異なる: %+v", r)
		}
		if again := f.sweep(t); again.Scanned != 0 {
			t.Errorf("配信済みの通知が再度取得された: %+v", again)
		}
	})

	t.Run("一時的な失敗は再試行を予定し上限で断念すること", func(t *testing.T) {
		t.Parallel()
		f := newWorkerFixture(t, WorkerConfig{MaxAttempts: 2, RetryBase: time.Minute, RetryCap: time.Hour}, nil)
		f.email.fail = func(string) error {
			return &delivery.Error{Channel: "email", Transient: true, Err: errors.New("451 try again")}
		}
		setEmail(t, f.prefs, "U1", "u1@example.com")
		if err := f.events.Handle(ctx, orderCreated("ORD-1", "U1")); err != nil {
			t.Fatal(err)
		}

		if res := f.sweep(t); res.Retried != 1 {
			t.Errorf("1回目の集計が異なる: %+v", res)
		}
		r := f.emailRecord(t, "U1")
		if r.Sent || r.Failed || r.Attempts != 1 || r.LastError == "" {
			t.Errorf("1回目の失敗後の状態が異なる: %+v", r)
		}
		if r.NextAttemptAt == nil || !r.NextAttemptAt.Equal(f.clock.Now().Add(time.Minute)) {
			t.Errorf("次回の配信時刻が異なる: %v", r.NextAttemptAt)
		}

		if res := f.sweep(t); res.Scanned != 0 {
			t.Errorf("再試行時刻前に取得された: %+v", res)
		}

		f.clock.Advance(time.Minute)
		if res := f.sweep(t); res.Failed != 1 {
			t.Errorf("2回目の集計が異なる: %+v", res)
		}
		r = f.emailRecord(t, "U1")
		if r.Sent || !r.Failed || r.Attempts != 2 {
			t.Errorf("断念後の状態が異なる: %+v", r)
		}

		f.clock.Advance(24 * time.Hour)
		if res := f.sweep(t); res.Scanned != 0 {
			t.Errorf("断念した通知が再度取得された: %+v", res)
		}
		if len(f.email.mails()) != 0 {
			t.Error("送信に成功してはいけない")
		}
	})

	t.Run("恒久的な失敗は再試行間隔の上限まで先送りされること", func(t *testing.T) {
		t.Parallel()
		f := newWorkerFixture(t, WorkerConfig{RetryBase: time.Minute, RetryCap: time.Hour}, nil)
		f.email.fail = func(string) error {
			return &delivery.Error{Channel: "email", Transient: false, Err: errors.New("550 no such user")}
		}
		setEmail(t, f.prefs, "U1", "nobody@example.com")
		if err := f.events.Handle(ctx, orderCreated("ORD-1", "U1")); err != nil {
			t.Fatal(err)
		}

		if res := f.sweep(t); res.Retried != 1 {
			t.Errorf("集計が異なる: %+v", res)
		}
		r := f.emailRecord(t, "U1")
		if r.NextAttemptAt == nil || !r.NextAttemptAt.Equal(f.clock.Now().Add(time.Hour)) {
			t.Errorf("次回の配信時刻が異なる: %v", r.NextAttemptAt)
		}
	})

	t.Run("宛先が未設定のメール通知は試行回数を増やさずに先送りされること", func(t *testing.T) {
		t.Parallel()
		f := newWorkerFixture(t, WorkerConfig{Interval: time.Second}, nil)
		if err := f.events.Handle(ctx, orderCreated("ORD-1", "U1")); err != nil {
			t.Fatal(err)
		}

		if res := f.sweep(t); res.Skipped != 1 {
			t.Errorf("集計が異なる: %+v", res)
		}
		r := f.emailRecord(t, "U1")
		if r.Sent || r.Failed || r.Attempts != 0 {
			t.Errorf("見送り後の状態が異なる: %+v", r)
		}
		if r.NextAttemptAt == nil || !r.NextAttemptAt.Equal(f.clock.Now().Add(skipFactor*time.Second)) {
			t.Errorf("次回の配信時刻が異なる: %v", r.NextAttemptAt)
		}

		// 宛先を設定すれば次の配信時刻以降に送られる。
		setEmail(t, f.prefs, "U1", "u1@example.com")
		f.clock.Advance(skipFactor * time.Second)
		if res := f.sweep(t); res.Sent != 1 {
			t.Errorf("宛先設定後の集計が異なる: %+v", res)
		}
	})

	t.Run("1件の失敗が他の通知の配信を止めないこと", func(t *testing.T) {
		t.Parallel()
		f := newWorkerFixture(t, WorkerConfig{}, nil)
		f.email.fail = func(to string) error {
			if to == "bad@example.com" {
				return &delivery.Error{Channel: "email", Transient: true, Err: errors.New("timeout")}
			}
			return nil
		}
		setEmail(t, f.prefs, "U1", "bad@example.com")
		setEmail(t, f.prefs, "U2", "u2@example.com")
		if err := f.events.Handle(ctx, orderCreated("ORD-1", "U1")); err != nil {
			t.Fatal(err)
		}
		f.clock.Advance(time.Second)
		if err := f.events.Handle(ctx, orderCreated("ORD-2", "U2")); err != nil {
			t.Fatal(err)
		}

		res := f.sweep(t)
		if res.Scanned != 2 || res.Retried != 1 || res.Sent != 1 {
			t.Errorf("集計が異なる: %+v", res)
		}
		if !f.emailRecord(t, "U2").Sent {
			t.Error("U2のメール通知が配信されていない")
		}
	})

	t.Run("SMS通知は設定と宛先がある場合だけ送信されること", func(t *testing.T) {
		t.Parallel()
		sms := &fakeSMS{}
		f := newWorkerFixture(t, WorkerConfig{}, sms)
		f.events.channels = []Channel{ChannelSMS}
		if _, err := f.prefs.Update(ctx, "U1", PreferencePatch{SMSNotifications: ptr(true), Phone: ptr("+15550001111")}); err != nil {
			t.Fatal(err)
		}
		if err := f.events.Handle(ctx, orderCreated("ORD-1", "U1")); err != nil {
			t.Fatal(err)
		}
		if err := f.events.Handle(ctx, orderCreated("ORD-2", "U2")); err != nil {
			t.Fatal(err)
		}

		res := f.sweep(t)
		if res.Sent != 1 || res.Skipped != 1 {
			t.Errorf("集計が異なる: %+v", res)
		}
		if len(sms.sent) != 1 || !strings.HasPrefix(sms.sent[0], "+15550001111:") {
			t.Errorf("送信内容が異なる: %v", sms.sent)
		}
	})

	t.Run("バッチサイズを超える通知は次のスイープに持ち越されること", func(t *testing.T) {
		t.Parallel()
		f := newWorkerFixture(t, WorkerConfig{BatchSize: 2}, nil)
		setEmail(t, f.prefs, "U1", "u1@example.com")
		for _, id := range []string{"ORD-1", "ORD-2", "ORD-3"} {
			if err := f.events.Handle(ctx, orderCreated(id, "U1")); err != nil {
				t.Fatal(err)
			}
			f.clock.Advance(time.Second)
		}

		if res := f.sweep(t); res.Sent != 2 {
			t.Errorf("1回目の集計が異なる: %+v", res)
		}
		if res := f.sweep(t); res.Sent != 1 {
			t.Errorf("2回目の集計が異なる: %+v", res)
		}
	})
}

// TestRetryDelay は再試行間隔が倍々に増えて上限で止まることを検証する。
func TestRetryDelay(t *testing.T) {
	t.Parallel()

	w := NewDeliveryWorker(nil, nil, nil, nil, WorkerConfig{RetryBase: time.Second, RetryCap: 10 * time.Second})
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 1, want: time.Second},
		{attempt: 2, want: 2 * time.Second},
		{attempt: 4, want: 8 * time.Second},
		{attempt: 5, want: 10 * time.Second},
		{attempt: 100, want: 10 * time.Second},
	}
	for _, tt := range tests {
		if got := w.retryDelay(tt.attempt); got != tt.want {
			t.Errorf("retryDelay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}
