package notification

import (
	"database/sql"
	"fmt"
	"time"

	json "github.com/goccy/go-json"

	notificationdb "github.com/nao1215/ordernotify/internal/notification/db"
	"github.com/nao1215/ordernotify/pkg/event"
)

// Channel は通知の配信チャネル。
type Channel string

const (
	// ChannelEmail はメール通知。
	ChannelEmail Channel = "email"
	// ChannelInApp はアプリ内通知。
	ChannelInApp Channel = "in-app"
	// ChannelSMS はSMS通知。
	ChannelSMS Channel = "sms"
)

// Kind は通知の種別。テンプレートの選択に使う。
type Kind string

const (
	// KindOrderPlaced は注文確定の通知。
	KindOrderPlaced Kind = "order_placed"
	// KindOrderShipped は発送の通知。
	KindOrderShipped Kind = "order_shipped"
	// KindOrderCancelled は注文キャンセルの通知。
	KindOrderCancelled Kind = "order_cancelled"
	// KindOrderStatusChanged は注文ステータス変更の通知。
	KindOrderStatusChanged Kind = "order_status_changed"
	// KindCustom はAPIから作成される任意の通知。
	KindCustom Kind = "custom"
)

// ParseKind は文字列を通知種別に変換する。既知の種別以外はKindCustomになる。
func ParseKind(s string) Kind {
	switch k := Kind(s); k {
	case KindOrderPlaced, KindOrderShipped, KindOrderCancelled, KindOrderStatusChanged:
		return k
	default:
		return KindCustom
	}
}

// kindForEvent はイベント種別から通知種別を決める。
func kindForEvent(t event.Type) Kind {
	switch t {
	case event.TypeOrderCreated:
		return KindOrderPlaced
	case event.TypeOrderShipped:
		return KindOrderShipped
	case event.TypeOrderCancelled:
		return KindOrderCancelled
	case event.TypeOrderStatusChanged:
		return KindOrderStatusChanged
	default:
		return KindCustom
	}
}

// Data は通知に添付される構造化データ。Typeによって使われる項目が変わる。
type Data struct {
	// Type は通知種別。
	Type Kind `json:"type"`
	// Subject はメールの件名。
	Subject string `json:"subject,omitempty"`
	// OrderID は対象注文のID。
	OrderID string `json:"order_id,omitempty"`
	// TotalAmount は注文合計金額。
	TotalAmount json.Number `json:"total_amount,omitempty"`
	// OldStatus は変更前のステータス。
	OldStatus string `json:"old_status,omitempty"`
	// NewStatus は変更後のステータス。
	NewStatus string `json:"new_status,omitempty"`
	// TrackingNumber は配送追跡番号。
	TrackingNumber string `json:"tracking_number,omitempty"`
	// Reason はキャンセル理由。
	Reason string `json:"reason,omitempty"`
	// Items は注文明細。
	Items []event.Item `json:"items,omitempty"`
	// Content はカスタム通知の本文。
	Content string `json:"content,omitempty"`
	// Extra はカスタム通知の任意データ。
	Extra map[string]any `json:"extra,omitempty"`
}

// DataFromEvent は注文イベントから通知データを組み立てる。
func DataFromEvent(e *event.Event) Data {
	d := Data{Type: kindForEvent(e.EventType), OrderID: e.OrderID}
	switch p := e.Payload().(type) {
	case event.OrderCreated:
		d.Items = p.Items
		d.TotalAmount = p.TotalAmount
	case event.OrderShipped:
		d.TrackingNumber = p.TrackingNumber
	case event.OrderCancelled:
		d.Reason = p.Reason
	case event.OrderStatusChanged:
		d.OldStatus = p.OldStatus
		d.NewStatus = p.NewStatus
	}
	d.Subject = defaultSubject(d.Type)
	return d
}

// Record は通知レコード。1イベント×1チャネルにつき1件作られる。
type Record struct {
	// ID は通知の一意識別子。
	ID string `json:"id"`
	// UserID は通知先のユーザーID。
	UserID string `json:"user_id"`
	// Channel は配信チャネル。
	Channel Channel `json:"type"`
	// Kind は通知種別。
	Kind Kind `json:"kind"`
	// Content は描画済みの本文。
	Content string `json:"content"`
	// Data は構造化データ。
	Data Data `json:"data"`
	// DedupKey は重複排除キー。APIで作成した通知は空。
	DedupKey string `json:"-"`
	// IsRead は既読状態。
	IsRead bool `json:"is_read"`
	// Sent は配信済みか。
	Sent bool `json:"sent"`
	// Failed は配信を断念したか。
	Failed bool `json:"failed"`
	// Attempts は配信の試行回数。
	Attempts int `json:"attempts"`
	// LastError は最後の配信失敗の理由。
	LastError string `json:"last_error,omitempty"`
	// NextAttemptAt は次に配信を試みる日時。
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
	// CreatedAt は作成日時。
	CreatedAt time.Time `json:"created_at"`
	// SentAt は配信日時。
	SentAt *time.Time `json:"sent_at,omitempty"`
}

// dedupKey はイベントとチャネルから重複排除キーを作る。
// order_created と order_cancelled は注文ごとに1回なので注文IDと種別で決まる。
// ステータス変更と発送は同じ注文で繰り返し起こりうるため、event_idで区別する。
// 再発行は同じevent_idを使うので、同じ変更の再配信は重複のまま扱われる。
// event_idが無いイベントは変更後のステータスで代用する。
func dedupKey(e *event.Event, ch Channel) string {
	kind := string(e.EventType)
	switch e.EventType {
	case event.TypeOrderStatusChanged, event.TypeOrderShipped:
		if e.EventID != "" {
			kind += "/" + e.EventID
		} else if e.NewStatus != "" {
			kind += "/" + e.NewStatus
		}
	}
	return fmt.Sprintf("%s:%s:%s", e.OrderID, kind, ch)
}

func toRecord(n notificationdb.Notification) (Record, error) {
	var d Data
	if n.Data != "" {
		if err := json.Unmarshal([]byte(n.Data), &d); err != nil {
			return Record{}, fmt.Errorf("通知データのデコードに失敗: %s: %w", n.ID, err)
		}
	}
	r := Record{
		ID:        n.ID,
		UserID:    n.UserID,
		Channel:   Channel(n.Channel),
		Kind:      Kind(n.Type),
		Content:   n.Content,
		Data:      d,
		DedupKey:  n.DedupKey.String,
		IsRead:    n.IsRead,
		Sent:      n.Sent,
		Failed:    n.Failed,
		Attempts:  int(n.Attempts),
		LastError: n.LastError,
		CreatedAt: n.CreatedAt,
	}
	if n.NextAttemptAt.Valid {
		t := n.NextAttemptAt.Time
		r.NextAttemptAt = &t
	}
	if n.SentAt.Valid {
		t := n.SentAt.Time
		r.SentAt = &t
	}
	return r, nil
}

func toCreateParams(r Record) (notificationdb.CreateNotificationParams, error) {
	data, err := json.Marshal(r.Data)
	if err != nil {
		return notificationdb.CreateNotificationParams{}, fmt.Errorf("通知データのエンコードに失敗: %w", err)
	}
	p := notificationdb.CreateNotificationParams{
		ID:        r.ID,
		UserID:    r.UserID,
		Channel:   string(r.Channel),
		Type:      string(r.Kind),
		Content:   r.Content,
		Data:      string(data),
		DedupKey:  sql.NullString{String: r.DedupKey, Valid: r.DedupKey != ""},
		Sent:      r.Sent,
		CreatedAt: r.CreatedAt,
	}
	if r.SentAt != nil {
		p.SentAt = sql.NullTime{Time: *r.SentAt, Valid: true}
	}
	return p, nil
}

// dataFromMap はAPIで受け取った任意のJSONオブジェクトを通知データに変換する。
func dataFromMap(m map[string]any) (Data, error) {
	var d Data
	if len(m) == 0 {
		return d, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return d, fmt.Errorf("通知データのエンコードに失敗: %w", err)
	}
	if err := json.Unmarshal(raw, &d); err != nil {
		return d, fmt.Errorf("通知データのデコードに失敗: %w", err)
	}
	return d, nil
}
