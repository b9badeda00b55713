// Package order は注文と決済を保存し、確定後に注文イベントを発行する。
//
// 注文の保存と決済の記録は1つのトランザクションで行い、コミットした後で
// イベントを発行する。発行の失敗は注文を巻き戻さない。
package order

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	json "github.com/goccy/go-json"

	orderdb "github.com/nao1215/ordernotify/internal/order/db"
	"github.com/nao1215/ordernotify/pkg/event"
)

var (
	// ErrNotFound は注文が存在しないことを表す。
	ErrNotFound = errors.New("注文が見つかりません")
	// ErrUnauthorized は他ユーザーの注文を操作しようとしたことを表す。
	ErrUnauthorized = errors.New("この注文を操作する権限がありません")
	// ErrInvalidStatus は未知のステータス、または現在のステータスから遷移できないことを表す。
	ErrInvalidStatus = errors.New("注文ステータスを変更できません")
	// ErrPaymentDeclined は決済が拒否されたことを表す。注文はキャンセル済みで保存される。
	ErrPaymentDeclined = errors.New("決済が拒否されました")
)

// Status は注文ステータス。
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusShipped    Status = "shipped"
	StatusDelivered  Status = "delivered"
	StatusCancelled  Status = "cancelled"
)

// ParseStatus は文字列を注文ステータスに変換する。
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusPending, StatusProcessing, StatusShipped, StatusDelivered, StatusCancelled:
		return st, nil
	default:
		return "", fmt.Errorf("%w: 未知のステータスです: %q", ErrInvalidStatus, s)
	}
}

// terminal は以降の変更を受け付けないステータスかを返す。
func (s Status) terminal() bool {
	return s == StatusDelivered || s == StatusCancelled
}

// 決済ステータス。
const (
	PaymentPending   = "pending"
	PaymentCompleted = "completed"
	PaymentFailed    = "failed"
)

// Item は注文明細。
type Item struct {
	ProductID   string      `json:"product_id"`
	ProductName string      `json:"product_name"`
	Quantity    int         `json:"quantity"`
	Price       json.Number `json:"price"`
}

// Order は注文。
type Order struct {
	ID              string      `json:"id"`
	UserID          string      `json:"user_id"`
	Status          Status      `json:"status"`
	TotalAmount     json.Number `json:"total_amount"`
	ShippingAddress string      `json:"shipping_address"`
	PaymentMethod   string      `json:"payment_method"`
	Items           []Item      `json:"items"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// Payment は注文の決済。
type Payment struct {
	ID            string      `json:"id"`
	OrderID       string      `json:"order_id"`
	Amount        json.Number `json:"amount"`
	Status        string      `json:"status"`
	PaymentMethod string      `json:"payment_method"`
	TransactionID string      `json:"transaction_id,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
}

// toCents は金額表記を最小通貨単位に変換する。
func toCents(n json.Number) (int64, error) {
	f, err := strconv.ParseFloat(n.String(), 64)
	if err != nil {
		return 0, fmt.Errorf("金額が不正です: %q: %w", n, err)
	}
	if f < 0 || math.IsInf(f, 0) || math.IsNaN(f) {
		return 0, fmt.Errorf("金額が不正です: %q", n)
	}
	return int64(math.Round(f * 100)), nil
}

// fromCents は最小通貨単位を小数点以下2桁の金額表記にする。
func fromCents(c int64) json.Number {
	return json.Number(fmt.Sprintf("%d.%02d", c/100, c%100))
}

func toOrder(o orderdb.Order, items []orderdb.OrderItem) Order {
	out := Order{
		ID:              o.ID,
		UserID:          o.UserID,
		Status:          Status(o.Status),
		TotalAmount:     fromCents(o.TotalCents),
		ShippingAddress: o.ShippingAddress,
		PaymentMethod:   o.PaymentMethod,
		Items:           make([]Item, 0, len(items)),
		CreatedAt:       o.CreatedAt,
		UpdatedAt:       o.UpdatedAt,
	}
	for _, i := range items {
		out.Items = append(out.Items, Item{
			ProductID:   i.ProductID,
			ProductName: i.ProductName,
			Quantity:    int(i.Quantity),
			Price:       fromCents(i.PriceCents),
		})
	}
	return out
}

func toPayment(p orderdb.Payment) Payment {
	return Payment{
		ID:            p.ID,
		OrderID:       p.OrderID,
		Amount:        fromCents(p.AmountCents),
		Status:        p.Status,
		PaymentMethod: p.PaymentMethod,
		TransactionID: p.TransactionID,
		CreatedAt:     p.CreatedAt,
	}
}

// eventItems は注文明細をイベントの明細に変換する。順序は保持する。
func eventItems(items []Item) []event.Item {
	out := make([]event.Item, 0, len(items))
	for _, i := range items {
		out = append(out, event.Item{ProductID: i.ProductID, Quantity: i.Quantity, UnitPrice: i.Price})
	}
	return out
}
