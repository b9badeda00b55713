package db

import (
	"context"
	"time"
)

const preferenceColumns = `user_id, email_notifications, sms_notifications, app_notifications,
	email, phone, created_at, updated_at`

func scanPreference(row rowScanner) (NotificationPreference, error) {
	var (
		i                    NotificationPreference
		createdAt, updatedAt string
	)
	if err := row.Scan(
		&i.UserID,
		&i.EmailNotifications,
		&i.SmsNotifications,
		&i.AppNotifications,
		&i.Email,
		&i.Phone,
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

const getPreference = `-- name: GetPreference :one
SELECT ` + preferenceColumns + `
FROM notification_preferences
WHERE user_id = ?
`

// GetPreference はユーザーの通知設定を取得する。
func (q *Queries) GetPreference(ctx context.Context, userID string) (NotificationPreference, error) {
	return scanPreference(q.db.QueryRowContext(ctx, getPreference, userID))
}

const createDefaultPreference = `-- name: CreateDefaultPreference :exec
INSERT INTO notification_preferences (user_id, created_at, updated_at)
VALUES (?1, ?2, ?2)
ON CONFLICT(user_id) DO NOTHING
`

// CreateDefaultPreference は既定値の通知設定を作成する。既に存在する場合は何もしない。
func (q *Queries) CreateDefaultPreference(ctx context.Context, userID string, now time.Time) error {
	_, err := q.db.ExecContext(ctx, createDefaultPreference, userID, FormatTime(now))
	return err
}

const updatePreference = `-- name: UpdatePreference :one
UPDATE notification_preferences
SET email_notifications = ?,
    sms_notifications = ?,
    app_notifications = ?,
    email = ?,
    phone = ?,
    updated_at = ?
WHERE user_id = ?
RETURNING ` + preferenceColumns + `
`

// UpdatePreferenceParams はUpdatePreferenceの引数。
type UpdatePreferenceParams struct {
	UserID             string
	EmailNotifications bool
	SmsNotifications   bool
	AppNotifications   bool
	Email              string
	Phone              string
	UpdatedAt          time.Time
}

// UpdatePreference は通知設定を上書きする。
func (q *Queries) UpdatePreference(ctx context.Context, arg UpdatePreferenceParams) (NotificationPreference, error) {
	row := q.db.QueryRowContext(ctx, updatePreference,
		arg.EmailNotifications,
		arg.SmsNotifications,
		arg.AppNotifications,
		arg.Email,
		arg.Phone,
		FormatTime(arg.UpdatedAt),
		arg.UserID,
	)
	return scanPreference(row)
}
