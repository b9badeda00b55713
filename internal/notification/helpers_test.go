package notification

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"github.com/nao1215/ordernotify/pkg/database"
	"github.com/nao1215/ordernotify/pkg/event"
)

// openTestDB はスキーマ適用済みのインメモリDBを開く。
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := OpenDB(context.Background(), database.MemoryPath)
	if err != nil {
		t.Fatalf("インメモリDBの作成に失敗: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// fixedClock はテストから進められる時計。
type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFixedClock() *fixedClock {
	return &fixedClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// orderCreated はORD-1の注文確定イベントを返す。
func orderCreated(orderID, userID string) *event.Event {
	e := event.NewOrderEvent(event.TypeOrderCreated, orderID, userID, []event.Item{
		{ProductID: "P1", Quantity: 2, UnitPrice: json.Number("10.0")},
	})
	e.TotalAmount = json.Number("20.0")
	return e
}

// setEmail はユーザーのメール通知先を設定する。
func setEmail(t *testing.T, prefs *PreferenceResolver, userID, email string) {
	t.Helper()
	if _, err := prefs.Update(context.Background(), userID, PreferencePatch{Email: &email}); err != nil {
		t.Fatalf("通知設定の更新に失敗: %v", err)
	}
}

// listAll はユーザーの指定チャネルの通知をすべて返す。
func listAll(t *testing.T, s *Store, userID string, ch Channel) []Record {
	t.Helper()
	page, err := s.List(context.Background(), ListParams{UserID: userID, Channel: ch, PerPage: 100})
	if err != nil {
		t.Fatalf("List()でエラーが発生: %v", err)
	}
	return page.Items
}

func ptr[T any](v T) *T {
	return &v
}
