package event

import (
	"time"

	json "github.com/goccy/go-json"
)

// Type はイベントの種類を表す。ブローカーのトピック名としても使用する。
type Type string

const (
	// TypeOrderCreated は注文が確定し決済が完了したことを表す。
	TypeOrderCreated Type = "order_created"
	// TypeOrderShipped は注文が発送されたことを表す。
	TypeOrderShipped Type = "order_shipped"
	// TypeOrderCancelled は注文がキャンセルされたことを表す。
	TypeOrderCancelled Type = "order_cancelled"
	// TypeOrderStatusChanged は注文ステータスが変更されたことを表す。
	TypeOrderStatusChanged Type = "order_status_changed"
)

// Types は既知のイベント種別の一覧。
var Types = []Type{
	TypeOrderCreated,
	TypeOrderShipped,
	TypeOrderCancelled,
	TypeOrderStatusChanged,
}

// Valid は既知のイベント種別かを返す。
func (t Type) Valid() bool {
	for _, known := range Types {
		if t == known {
			return true
		}
	}
	return false
}

// Topic はイベント種別に対応するブローカーのトピック名を返す。
func (t Type) Topic() string {
	return string(t)
}

// Item は注文明細の1行を表す。
type Item struct {
	// ProductID は商品ID。
	ProductID string `json:"product_id" validate:"required"`
	// Quantity は数量。
	Quantity int `json:"quantity" validate:"gte=1"`
	// UnitPrice は単価。受け取った表記のまま保持する。
	UnitPrice json.Number `json:"unit_price,omitempty"`
}

// Event はブローカー上を流れる注文イベントのエンベロープ。
// 一度発行されたイベントは不変であり、EventIDで重複排除される。
type Event struct {
	// EventID は発行者が割り当てる一意識別子（UUID）。
	EventID string `json:"event_id,omitempty"`
	// EventType はイベントの種類。
	EventType Type `json:"event_type" validate:"required"`
	// OrderID は対象注文のID。
	OrderID string `json:"order_id" validate:"required"`
	// UserID は注文者のユーザーID。
	UserID string `json:"user_id" validate:"required"`
	// Items は注文明細。順序を保持する。
	Items []Item `json:"items" validate:"dive"`
	// OccurredAt はイベントの発生日時。
	OccurredAt time.Time `json:"occurred_at"`

	// TotalAmount は注文合計金額（order_created）。
	TotalAmount json.Number `json:"total_amount,omitempty"`
	// OldStatus は変更前の注文ステータス（order_status_changed）。
	OldStatus string `json:"old_status,omitempty"`
	// NewStatus は変更後の注文ステータス（order_status_changed）。
	NewStatus string `json:"new_status,omitempty"`
	// TrackingNumber は配送追跡番号（order_shipped）。
	TrackingNumber string `json:"tracking_number,omitempty"`
	// Reason はキャンセル理由（order_cancelled）。
	Reason string `json:"reason,omitempty"`
}

// Payload はイベント種別ごとの型付きペイロード。
type Payload interface {
	isPayload()
}

// OrderCreated はorder_createdイベントのペイロード。
type OrderCreated struct {
	OrderID     string
	Items       []Item
	TotalAmount json.Number
}

// OrderShipped はorder_shippedイベントのペイロード。
type OrderShipped struct {
	OrderID        string
	TrackingNumber string
}

// OrderCancelled はorder_cancelledイベントのペイロード。
type OrderCancelled struct {
	OrderID string
	Reason  string
}

// OrderStatusChanged はorder_status_changedイベントのペイロード。
type OrderStatusChanged struct {
	OrderID   string
	OldStatus string
	NewStatus string
}

func (OrderCreated) isPayload()       {}
func (OrderShipped) isPayload()       {}
func (OrderCancelled) isPayload()     {}
func (OrderStatusChanged) isPayload() {}

// Payload はイベント種別に対応する型付きペイロードを返す。
// 未知の種別の場合はnilを返す。
func (e *Event) Payload() Payload {
	switch e.EventType {
	case TypeOrderCreated:
		return OrderCreated{OrderID: e.OrderID, Items: e.Items, TotalAmount: e.TotalAmount}
	case TypeOrderShipped:
		return OrderShipped{OrderID: e.OrderID, TrackingNumber: e.TrackingNumber}
	case TypeOrderCancelled:
		return OrderCancelled{OrderID: e.OrderID, Reason: e.Reason}
	case TypeOrderStatusChanged:
		return OrderStatusChanged{OrderID: e.OrderID, OldStatus: e.OldStatus, NewStatus: e.NewStatus}
	default:
		return nil
	}
}
