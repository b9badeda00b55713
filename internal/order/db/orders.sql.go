package db

import (
	"context"
	"time"
)

const orderColumns = `id, user_id, status, total_cents, shipping_address, payment_method, created_at, updated_at`

func scanOrder(row rowScanner) (Order, error) {
	var (
		i                    Order
		createdAt, updatedAt string
	)
	if err := row.Scan(
		&i.ID,
		&i.UserID,
		&i.Status,
		&i.TotalCents,
		&i.ShippingAddress,
		&i.PaymentMethod,
		&createdAt,
		&updatedAt,
	); err != nil {
		return i, err
	}
	var err error
	if i.CreatedAt, err = parseTime(createdAt); err != nil {
		return i, err
	}
	if i.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return i, err
	}
	return i, nil
}

const createOrder = `-- name: CreateOrder :exec
INSERT INTO orders (id, user_id, status, total_cents, shipping_address, payment_method, created_at, updated_at)
VALUES (?1, ?2, ?3, ?4, ?5, ?6, ?7, ?7)
`

// CreateOrderParams はCreateOrderの引数。
type CreateOrderParams struct {
	ID              string
	UserID          string
	Status          string
	TotalCents      int64
	ShippingAddress string
	PaymentMethod   string
	CreatedAt       time.Time
}

// CreateOrder は注文を1件挿入する。
func (q *Queries) CreateOrder(ctx context.Context, arg CreateOrderParams) error {
	_, err := q.db.ExecContext(ctx, createOrder,
		arg.ID,
		arg.UserID,
		arg.Status,
		arg.TotalCents,
		arg.ShippingAddress,
		arg.PaymentMethod,
		formatTime(arg.CreatedAt),
	)
	return err
}

const getOrder = `-- name: GetOrder :one
SELECT ` + orderColumns + `
FROM orders
WHERE id = ?
`

// GetOrder はIDで注文を取得する。
func (q *Queries) GetOrder(ctx context.Context, id string) (Order, error) {
	return scanOrder(q.db.QueryRowContext(ctx, getOrder, id))
}

const updateOrderStatus = `-- name: UpdateOrderStatus :one
UPDATE orders
SET status = ?1, updated_at = ?2
WHERE id = ?3 AND status = ?4
RETURNING ` + orderColumns

// UpdateOrderStatusParams はUpdateOrderStatusの引数。
type UpdateOrderStatusParams struct {
	ID        string
	OldStatus string
	NewStatus string
	UpdatedAt time.Time
}

// UpdateOrderStatus は現在のステータスがOldStatusの場合だけ更新する。
// 一致しない場合は sql.ErrNoRows を返す。
func (q *Queries) UpdateOrderStatus(ctx context.Context, arg UpdateOrderStatusParams) (Order, error) {
	return scanOrder(q.db.QueryRowContext(ctx, updateOrderStatus,
		arg.NewStatus,
		formatTime(arg.UpdatedAt),
		arg.ID,
		arg.OldStatus,
	))
}

const createOrderItem = `-- name: CreateOrderItem :exec
INSERT INTO order_items (id, order_id, position, product_id, product_name, quantity, price_cents)
VALUES (?, ?, ?, ?, ?, ?, ?)
`

// CreateOrderItem は注文明細を1件挿入する。
func (q *Queries) CreateOrderItem(ctx context.Context, arg OrderItem) error {
	_, err := q.db.ExecContext(ctx, createOrderItem,
		arg.ID,
		arg.OrderID,
		arg.Position,
		arg.ProductID,
		arg.ProductName,
		arg.Quantity,
		arg.PriceCents,
	)
	return err
}

const listOrderItems = `-- name: ListOrderItems :many
SELECT id, order_id, position, product_id, product_name, quantity, price_cents
FROM order_items
WHERE order_id = ?
ORDER BY position
`

// ListOrderItems は注文明細を登録順に返す。
func (q *Queries) ListOrderItems(ctx context.Context, orderID string) ([]OrderItem, error) {
	rows, err := q.db.QueryContext(ctx, listOrderItems, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []OrderItem
	for rows.Next() {
		var i OrderItem
		if err := rows.Scan(
			&i.ID,
			&i.OrderID,
			&i.Position,
			&i.ProductID,
			&i.ProductName,
			&i.Quantity,
			&i.PriceCents,
		); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const createPayment = `-- name: CreatePayment :exec
INSERT INTO payments (id, order_id, amount_cents, status, payment_method, transaction_id, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
`

// CreatePayment は決済を1件挿入する。
func (q *Queries) CreatePayment(ctx context.Context, arg Payment) error {
	_, err := q.db.ExecContext(ctx, createPayment,
		arg.ID,
		arg.OrderID,
		arg.AmountCents,
		arg.Status,
		arg.PaymentMethod,
		arg.TransactionID,
		formatTime(arg.CreatedAt),
	)
	return err
}

const getPaymentByOrder = `-- name: GetPaymentByOrder :one
SELECT id, order_id, amount_cents, status, payment_method, transaction_id, created_at
FROM payments
WHERE order_id = ?
`

// GetPaymentByOrder は注文の決済を取得する。
func (q *Queries) GetPaymentByOrder(ctx context.Context, orderID string) (Payment, error) {
	var (
		i         Payment
		createdAt string
	)
	err := q.db.QueryRowContext(ctx, getPaymentByOrder, orderID).Scan(
		&i.ID,
		&i.OrderID,
		&i.AmountCents,
		&i.Status,
		&i.PaymentMethod,
		&i.TransactionID,
		&createdAt,
	)
	if err != nil {
		return i, err
	}
	i.CreatedAt, err = parseTime(createdAt)
	return i, err
}
