package db

import "time"

// Order は orders テーブルの1行。
type Order struct {
	ID              string
	UserID          string
	Status          string
	TotalCents      int64
	ShippingAddress string
	PaymentMethod   string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// OrderItem は order_items テーブルの1行。
type OrderItem struct {
	ID          string
	OrderID     string
	Position    int64
	ProductID   string
	ProductName string
	Quantity    int64
	PriceCents  int64
}

// Payment は payments テーブルの1行。
type Payment struct {
	ID            string
	OrderID       string
	AmountCents   int64
	Status        string
	PaymentMethod string
	TransactionID string
	CreatedAt     time.Time
}
