package notification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nao1215/ordernotify/pkg/event"
	"github.com/nao1215/ordernotify/pkg/logging"
)

// DefaultChannels はイベントから通知を作成するチャネルの既定値。
var DefaultChannels = []Channel{ChannelEmail, ChannelInApp}

// OrderEventHandler は注文イベントを通知レコードに変換して保存する。
type OrderEventHandler struct {
	store    *Store
	channels []Channel
	now      func() time.Time
}

// NewOrderEventHandler は新しいOrderEventHandlerを生成する。
// channelsが空の場合は DefaultChannels を使う。
func NewOrderEventHandler(store *Store, channels []Channel) *OrderEventHandler {
	if len(channels) == 0 {
		channels = DefaultChannels
	}
	return &OrderEventHandler{
		store:    store,
		channels: channels,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Handle はイベントに対してチャネルごとに1件ずつ通知を作成する。
// 全チャネルの通知が既に存在する場合は ErrDuplicateNotification を返す。
// アプリ内通知は保存した時点で配信済みとする。
func (h *OrderEventHandler) Handle(ctx context.Context, e *event.Event) error {
	data := DataFromEvent(e)
	content, err := RenderContent(data)
	if err != nil {
		return err
	}

	now := h.now()
	recs := make([]Record, 0, len(h.channels))
	for _, ch := range h.channels {
		r := Record{
			UserID:    e.UserID,
			Channel:   ch,
			Kind:      data.Type,
			Content:   content,
			Data:      data,
			DedupKey:  dedupKey(e, ch),
			CreatedAt: now,
		}
		if ch == ChannelInApp {
			r.Sent = true
			r.SentAt = &now
		}
		recs = append(recs, r)
	}

	inserted, err := h.store.CreateSet(ctx, recs)
	if errors.Is(err, ErrDuplicateNotification) {
		return err
	}
	if err != nil {
		return fmt.Errorf("イベントからの通知作成に失敗: event_id=%s: %w", e.EventID, err)
	}
	logging.Info().
		Str("event_id", e.EventID).
		Str("event_type", string(e.EventType)).
		Str("order_id", e.OrderID).
		Int("inserted", inserted).
		Msg("通知を作成しました")
	return nil
}

// CreateRequest はAPIからの通知作成要求。
type CreateRequest struct {
	// UserID は通知先のユーザーID。
	UserID string
	// Kind は通知種別の文字列。既知の種別以外はカスタム通知になる。
	Kind string
	// Content はカスタム通知の本文。
	Content string
	// Data は種別ごとのデータ。
	Data Data
	// Extra はカスタム通知の任意データ。
	Extra map[string]any
}

// CreateFromRequest はAPIからの要求に対してチャネルごとに通知を作成する。
// 重複排除キーを持たないため、同じ要求でも毎回作成される。
func (h *OrderEventHandler) CreateFromRequest(ctx context.Context, req CreateRequest) ([]string, error) {
	data := req.Data
	data.Type = ParseKind(req.Kind)
	if data.Type == KindCustom {
		data = Data{Type: KindCustom, Content: req.Content, Extra: req.Extra}
	}
	if data.Subject == "" {
		data.Subject = defaultSubject(data.Type)
	}
	content, err := RenderContent(data)
	if err != nil {
		return nil, err
	}
	kind := data.Type
	if kind == KindCustom && req.Kind != "" {
		kind = Kind(req.Kind)
	}

	now := h.now()
	recs := make([]Record, 0, len(h.channels))
	for _, ch := range h.channels {
		r := Record{
			UserID:    req.UserID,
			Channel:   ch,
			Kind:      kind,
			Content:   content,
			Data:      data,
			CreatedAt: now,
		}
		if ch == ChannelInApp {
			r.Sent = true
			r.SentAt = &now
		}
		recs = append(recs, r)
	}
	if _, err := h.store.CreateSet(ctx, recs); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(recs))
	for _, r := range recs {
		ids = append(ids, r.ID)
	}
	return ids, nil
}
