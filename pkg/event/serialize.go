package event

import (
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// ErrDecode はイベントのデコードに失敗したことを表す。
var ErrDecode = errors.New("イベントのデコードに失敗")

// DecodeError はデコード失敗の詳細を保持する。
// Consumerはこのエラーをログに記録してメッセージをスキップする。
type DecodeError struct {
	// Reason は失敗理由。
	Reason string
	// Err は原因となったエラー。
	Err error
}

// Error はエラーメッセージを返す。
func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%v: %s: %v", ErrDecode, e.Reason, e.Err)
	}
	return fmt.Sprintf("%v: %s", ErrDecode, e.Reason)
}

// Unwrap はerrors.Isで ErrDecode と原因の両方に一致させる。
func (e *DecodeError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrDecode, e.Err}
	}
	return []error{ErrDecode}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// NewOrderEvent は新しい注文イベントを生成する。EventIDとOccurredAtを割り当てる。
func NewOrderEvent(eventType Type, orderID, userID string, items []Item) *Event {
	return &Event{
		EventID:    uuid.New().String(),
		EventType:  eventType,
		OrderID:    orderID,
		UserID:     userID,
		Items:      items,
		OccurredAt: time.Now().UTC(),
	}
}

// Encode はイベントをJSONにシリアライズする。
// 未知の種別や必須項目の欠落はエラーになる。
func Encode(e *Event) ([]byte, error) {
	if e == nil {
		return nil, errors.New("イベントがnilです")
	}
	if !e.EventType.Valid() {
		return nil, fmt.Errorf("未知のイベント種別です: %q", e.EventType)
	}
	if err := validate.Struct(e); err != nil {
		return nil, fmt.Errorf("イベントの検証に失敗: %w", err)
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("イベントのシリアライズに失敗: %w", err)
	}
	return data, nil
}

// Decode はJSONバイト列からイベントを復元する。
// 不正なJSON、値の後ろに続くバイト列、event_typeの欠落、未知の種別は *DecodeError を返す。
// occurred_atが無い場合はデコード時刻を補う。
func Decode(data []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, &DecodeError{Reason: "JSONが不正です", Err: err}
	}
	if e.EventType == "" {
		return nil, &DecodeError{Reason: "event_typeがありません"}
	}
	if !e.EventType.Valid() {
		return nil, &DecodeError{Reason: fmt.Sprintf("未知のイベント種別です: %q", e.EventType)}
	}
	if err := validate.Struct(&e); err != nil {
		return nil, &DecodeError{Reason: "必須項目が不足しています", Err: err}
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	return &e, nil
}
