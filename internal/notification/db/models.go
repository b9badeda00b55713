package db

import (
	"database/sql"
	"time"
)

// Notification はnotificationsテーブルの1行。
type Notification struct {
	ID            string
	UserID        string
	Channel       string
	Type          string
	Content       string
	Data          string
	DedupKey      sql.NullString
	IsRead        bool
	Sent          bool
	Failed        bool
	Attempts      int64
	LastError     string
	NextAttemptAt sql.NullTime
	CreatedAt     time.Time
	SentAt        sql.NullTime
}

// NotificationPreference はnotification_preferencesテーブルの1行。
type NotificationPreference struct {
	UserID             string
	EmailNotifications bool
	SmsNotifications   bool
	AppNotifications   bool
	Email              string
	Phone              string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}
