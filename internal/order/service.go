package order

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	orderdb "github.com/nao1215/ordernotify/internal/order/db"
	"github.com/nao1215/ordernotify/internal/publisher"
	"github.com/nao1215/ordernotify/pkg/database"
	"github.com/nao1215/ordernotify/pkg/event"
	"github.com/nao1215/ordernotify/pkg/logging"
)

//go:embed migrations/*.sql
var migrations embed.FS

// OpenDB は注文データベースを開きスキーマを適用する。
func OpenDB(ctx context.Context, path string) (*sql.DB, error) {
	return database.Open(ctx, path, migrations, "migrations")
}

// EventPublisher は注文イベントを発行する。
type EventPublisher interface {
	Publish(ctx context.Context, e *event.Event) (publisher.Ack, error)
}

// PaymentGateway は決済を行う。
type PaymentGateway interface {
	// Charge は金額を請求し、取引IDを返す。拒否された場合はエラーを返す。
	Charge(ctx context.Context, orderID string, amount int64, method string) (string, error)
}

// ApproveAll は全ての請求を承認する決済ゲートウェイ。
type ApproveAll struct{}

// Charge は新しい取引IDを返す。
func (ApproveAll) Charge(context.Context, string, int64, string) (string, error) {
	return uuid.New().String(), nil
}

// Service は注文を扱う。
type Service struct {
	db       *sql.DB
	queries  *orderdb.Queries
	pub      EventPublisher
	payments PaymentGateway
	now      func() time.Time
	log      zerolog.Logger
}

// NewService は新しいServiceを生成する。paymentsがnilの場合は ApproveAll を使う。
func NewService(db *sql.DB, pub EventPublisher, payments PaymentGateway) *Service {
	if payments == nil {
		payments = ApproveAll{}
	}
	return &Service{
		db:       db,
		queries:  orderdb.New(db),
		pub:      pub,
		payments: payments,
		now:      func() time.Time { return time.Now().UTC() },
		log:      logging.With("order"),
	}
}

// PlaceRequest は注文の要求。
type PlaceRequest struct {
	// OrderID は注文ID。空の場合は採番する。
	OrderID         string
	UserID          string
	Items           []Item
	ShippingAddress string
	PaymentMethod   string
}

func (r PlaceRequest) validate() error {
	var missing []string
	if r.UserID == "" {
		missing = append(missing, "user_id")
	}
	if len(r.Items) == 0 {
		missing = append(missing, "items")
	}
	if r.PaymentMethod == "" {
		missing = append(missing, "payment_method")
	}
	if len(missing) > 0 {
		return fmt.Errorf("必須項目がありません: %s", strings.Join(missing, ", "))
	}
	for i, item := range r.Items {
		if item.ProductID == "" || item.Quantity < 1 {
			return fmt.Errorf("明細%dが不正です: product_idと1以上のquantityが必要です", i+1)
		}
	}
	return nil
}

// Placed は注文の結果。
type Placed struct {
	Order   Order
	Payment Payment
	// Ack はイベント発行の確認。発行していない、または失敗した場合はnil。
	Ack *publisher.Ack
	// PublishErr はイベント発行の失敗。注文自体は確定している。
	PublishErr error
}

// PlaceOrder は注文と決済をコミットし、成功した場合は order_created を発行する。
// 発行の失敗は Placed.PublishErr に入れ、エラーとしては返さない。
// 決済が拒否された場合は注文をキャンセル済みで保存し ErrPaymentDeclined を返す。
func (s *Service) PlaceOrder(ctx context.Context, req PlaceRequest) (Placed, error) {
	if err := req.validate(); err != nil {
		return Placed{}, err
	}
	if req.OrderID == "" {
		req.OrderID = uuid.New().String()
	}

	var total int64
	items := make([]orderdb.OrderItem, 0, len(req.Items))
	for i, item := range req.Items {
		price, err := toCents(item.Price)
		if err != nil {
			return Placed{}, err
		}
		total += price * int64(item.Quantity)
		items = append(items, orderdb.OrderItem{
			ID:          uuid.New().String(),
			OrderID:     req.OrderID,
			Position:    int64(i),
			ProductID:   item.ProductID,
			ProductName: item.ProductName,
			Quantity:    int64(item.Quantity),
			PriceCents:  price,
		})
	}

	payment := orderdb.Payment{
		ID:            uuid.New().String(),
		OrderID:       req.OrderID,
		AmountCents:   total,
		Status:        PaymentCompleted,
		PaymentMethod: req.PaymentMethod,
		CreatedAt:     s.now(),
	}
	status := StatusProcessing
	txID, chargeErr := s.payments.Charge(ctx, req.OrderID, total, req.PaymentMethod)
	if chargeErr != nil {
		status = StatusCancelled
		payment.Status = PaymentFailed
	}
	payment.TransactionID = txID

	if err := s.commit(ctx, req, status, total, items, payment); err != nil {
		return Placed{}, err
	}

	o, err := s.Get(ctx, req.OrderID)
	if err != nil {
		return Placed{}, err
	}
	placed := Placed{Order: o, Payment: toPayment(payment)}
	if chargeErr != nil {
		s.log.Warn().Err(chargeErr).Str("order_id", o.ID).Msg("決済が拒否されたため注文をキャンセルしました")
		return placed, fmt.Errorf("%w: %v", ErrPaymentDeclined, chargeErr)
	}

	e := event.NewOrderEvent(event.TypeOrderCreated, o.ID, o.UserID, eventItems(o.Items))
	e.TotalAmount = o.TotalAmount
	placed.Ack, placed.PublishErr = s.publish(ctx, e)
	return placed, nil
}

// commit は注文、明細、決済を1つのトランザクションで保存する。
func (s *Service) commit(ctx context.Context, req PlaceRequest, status Status, total int64, items []orderdb.OrderItem, payment orderdb.Payment) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクション開始に失敗: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	q := s.queries.WithTx(tx)
	if err := q.CreateOrder(ctx, orderdb.CreateOrderParams{
		ID:              req.OrderID,
		UserID:          req.UserID,
		Status:          string(status),
		TotalCents:      total,
		ShippingAddress: req.ShippingAddress,
		PaymentMethod:   req.PaymentMethod,
		CreatedAt:       s.now(),
	}); err != nil {
		return fmt.Errorf("注文の作成に失敗: %w", err)
	}
	for _, item := range items {
		if err := q.CreateOrderItem(ctx, item); err != nil {
			return fmt.Errorf("注文明細の作成に失敗: %w", err)
		}
	}
	if err := q.CreatePayment(ctx, payment); err != nil {
		return fmt.Errorf("決済の作成に失敗: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("コミットに失敗: %w", err)
	}
	return nil
}

// publish はイベントを発行する。失敗はログに記録して返すだけで、呼び出し元の処理は続ける。
func (s *Service) publish(ctx context.Context, e *event.Event) (*publisher.Ack, error) {
	if s.pub == nil {
		return nil, nil
	}
	ack, err := s.pub.Publish(ctx, e)
	if err != nil {
		s.log.Error().Err(err).Str("order_id", e.OrderID).Str("event_type", string(e.EventType)).
			Msg("注文は確定しましたがイベントを発行できませんでした")
		return nil, err
	}
	return &ack, nil
}

// Get は注文を明細付きで取得する。
func (s *Service) Get(ctx context.Context, id string) (Order, error) {
	o, err := s.queries.GetOrder(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Order{}, ErrNotFound
	}
	if err != nil {
		return Order{}, fmt.Errorf("注文の取得に失敗: %w", err)
	}
	items, err := s.queries.ListOrderItems(ctx, id)
	if err != nil {
		return Order{}, fmt.Errorf("注文明細の取得に失敗: %w", err)
	}
	return toOrder(o, items), nil
}

// Payment は注文の決済を取得する。
func (s *Service) Payment(ctx context.Context, orderID string) (Payment, error) {
	p, err := s.queries.GetPaymentByOrder(ctx, orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return Payment{}, ErrNotFound
	}
	if err != nil {
		return Payment{}, fmt.Errorf("決済の取得に失敗: %w", err)
	}
	return toPayment(p), nil
}

// Changed はステータス変更の結果。
type Changed struct {
	Order      Order
	Ack        *publisher.Ack
	PublishErr error
}

// Cancel は注文者の注文をキャンセルし order_cancelled を発行する。
// pending と processing の注文だけがキャンセルできる。
func (s *Service) Cancel(ctx context.Context, orderID, userID, reason string) (Changed, error) {
	cur, err := s.Get(ctx, orderID)
	if err != nil {
		return Changed{}, err
	}
	if cur.UserID != userID {
		return Changed{}, ErrUnauthorized
	}
	if cur.Status != StatusPending && cur.Status != StatusProcessing {
		return Changed{}, fmt.Errorf("%w: %s の注文はキャンセルできません", ErrInvalidStatus, cur.Status)
	}

	o, err := s.transition(ctx, cur, StatusCancelled)
	if err != nil {
		return Changed{}, err
	}
	e := event.NewOrderEvent(event.TypeOrderCancelled, o.ID, o.UserID, eventItems(o.Items))
	e.Reason = reason
	ch := Changed{Order: o}
	ch.Ack, ch.PublishErr = s.publish(ctx, e)
	return ch, nil
}

// UpdateStatus は注文ステータスを変更してイベントを発行する（管理者向け）。
// shipped への変更は order_shipped、cancelled への変更は order_cancelled、
// それ以外は order_status_changed を発行する。
func (s *Service) UpdateStatus(ctx context.Context, orderID string, next Status, trackingNumber string) (Changed, error) {
	if _, err := ParseStatus(string(next)); err != nil {
		return Changed{}, err
	}
	cur, err := s.Get(ctx, orderID)
	if err != nil {
		return Changed{}, err
	}
	if cur.Status == next {
		return Changed{Order: cur}, nil
	}
	if cur.Status.terminal() {
		return Changed{}, fmt.Errorf("%w: %s から %s には変更できません", ErrInvalidStatus, cur.Status, next)
	}

	o, err := s.transition(ctx, cur, next)
	if err != nil {
		return Changed{}, err
	}

	var e *event.Event
	switch next {
	case StatusShipped:
		e = event.NewOrderEvent(event.TypeOrderShipped, o.ID, o.UserID, eventItems(o.Items))
		e.TrackingNumber = trackingNumber
	case StatusCancelled:
		e = event.NewOrderEvent(event.TypeOrderCancelled, o.ID, o.UserID, eventItems(o.Items))
	default:
		e = event.NewOrderEvent(event.TypeOrderStatusChanged, o.ID, o.UserID, eventItems(o.Items))
		e.OldStatus = string(cur.Status)
		e.NewStatus = string(next)
	}
	ch := Changed{Order: o}
	ch.Ack, ch.PublishErr = s.publish(ctx, e)
	return ch, nil
}

// transition は現在のステータスが変わっていない場合だけ更新する。
func (s *Service) transition(ctx context.Context, cur Order, next Status) (Order, error) {
	updated, err := s.queries.UpdateOrderStatus(ctx, orderdb.UpdateOrderStatusParams{
		ID:        cur.ID,
		OldStatus: string(cur.Status),
		NewStatus: string(next),
		UpdatedAt: s.now(),
	})
	if errors.Is(err, sql.ErrNoRows) {
		return Order{}, fmt.Errorf("%w: 他の操作で更新されました", ErrInvalidStatus)
	}
	if err != nil {
		return Order{}, fmt.Errorf("注文ステータスの更新に失敗: %w", err)
	}
	s.log.Info().Str("order_id", cur.ID).Str("from", string(cur.Status)).Str("to", string(next)).
		Msg("注文ステータスを変更しました")

	o := toOrder(updated, nil)
	o.Items = cur.Items
	return o, nil
}
