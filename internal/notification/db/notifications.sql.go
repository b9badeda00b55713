package db

import (
	"context"
	"database/sql"
	"time"
)

const notificationColumns = `id, user_id, channel, type, content, data, dedup_key, is_read, sent, failed,
	attempts, last_error, next_attempt_at, created_at, sent_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNotification(row rowScanner) (Notification, error) {
	var (
		i         Notification
		nextAt    sql.NullString
		createdAt string
		sentAt    sql.NullString
	)
	if err := row.Scan(
		&i.ID,
		&i.UserID,
		&i.Channel,
		&i.Type,
		&i.Content,
		&i.Data,
		&i.DedupKey,
		&i.IsRead,
		&i.Sent,
		&i.Failed,
		&i.Attempts,
		&i.LastError,
		&nextAt,
		&createdAt,
		&sentAt,
	); err != nil {
		return i, err
	}
	var err error
	if i.NextAttemptAt, err = parseNullTime(nextAt); err != nil {
		return i, err
	}
	if i.CreatedAt, err = parseTime(createdAt); err != nil {
		return i, err
	}
	if i.SentAt, err = parseNullTime(sentAt); err != nil {
		return i, err
	}
	return i, nil
}

func scanNotifications(rows *sql.Rows) ([]Notification, error) {
	defer func() { _ = rows.Close() }()
	var items []Notification
	for rows.Next() {
		i, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const createNotification = `-- name: CreateNotification :execrows
INSERT INTO notifications (
	id, user_id, channel, type, content, data, dedup_key, sent, created_at, sent_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(dedup_key) DO NOTHING
`

// CreateNotificationParams はCreateNotificationの引数。
type CreateNotificationParams struct {
	ID        string
	UserID    string
	Channel   string
	Type      string
	Content   string
	Data      string
	DedupKey  sql.NullString
	Sent      bool
	CreatedAt time.Time
	SentAt    sql.NullTime
}

// CreateNotification は通知を1件挿入する。dedup_keyが既存の場合は何もせず0を返す。
func (q *Queries) CreateNotification(ctx context.Context, arg CreateNotificationParams) (int64, error) {
	result, err := q.db.ExecContext(ctx, createNotification,
		arg.ID,
		arg.UserID,
		arg.Channel,
		arg.Type,
		arg.Content,
		arg.Data,
		arg.DedupKey,
		arg.Sent,
		FormatTime(arg.CreatedAt),
		nullTime(arg.SentAt),
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

const getNotification = `-- name: GetNotification :one
SELECT ` + notificationColumns + `
FROM notifications
WHERE id = ?
`

// GetNotification はIDで通知を取得する。
func (q *Queries) GetNotification(ctx context.Context, id string) (Notification, error) {
	return scanNotification(q.db.QueryRowContext(ctx, getNotification, id))
}

const listUnsentNotifications = `-- name: ListUnsentNotifications :many
SELECT ` + notificationColumns + `
FROM notifications
WHERE sent = 0 AND failed = 0
  AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
ORDER BY created_at, id
LIMIT ?
`

// ListUnsentNotificationsParams はListUnsentNotificationsの引数。
type ListUnsentNotificationsParams struct {
	Now   time.Time
	Limit int64
}

// ListUnsentNotifications は配信期限に達した未配信の通知を古い順に返す。
func (q *Queries) ListUnsentNotifications(ctx context.Context, arg ListUnsentNotificationsParams) ([]Notification, error) {
	rows, err := q.db.QueryContext(ctx, listUnsentNotifications, FormatTime(arg.Now), arg.Limit)
	if err != nil {
		return nil, err
	}
	return scanNotifications(rows)
}

const markNotificationSent = `-- name: MarkNotificationSent :execrows
UPDATE notifications
SET sent = 1, sent_at = ?, next_attempt_at = NULL, last_error = ''
WHERE id = ? AND sent = 0
`

// MarkNotificationSent は通知を配信済みにする。既に配信済みなら0を返す。
func (q *Queries) MarkNotificationSent(ctx context.Context, id string, sentAt time.Time) (int64, error) {
	result, err := q.db.ExecContext(ctx, markNotificationSent, FormatTime(sentAt), id)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

const recordDeliveryFailure = `-- name: RecordDeliveryFailure :one
UPDATE notifications
SET attempts = attempts + 1,
    last_error = ?1,
    next_attempt_at = ?2,
    failed = CASE WHEN attempts + 1 >= ?3 THEN 1 ELSE 0 END
WHERE id = ?4 AND sent = 0 AND failed = 0
RETURNING ` + notificationColumns + `
`

// RecordDeliveryFailureParams はRecordDeliveryFailureの引数。
type RecordDeliveryFailureParams struct {
	ID            string
	LastError     string
	NextAttemptAt time.Time
	MaxAttempts   int64
}

// RecordDeliveryFailure は配信失敗を記録する。
// 試行回数が上限に達した通知はfailedになり、以降スキャンされない。
func (q *Queries) RecordDeliveryFailure(ctx context.Context, arg RecordDeliveryFailureParams) (Notification, error) {
	row := q.db.QueryRowContext(ctx, recordDeliveryFailure,
		arg.LastError,
		FormatTime(arg.NextAttemptAt),
		arg.MaxAttempts,
		arg.ID,
	)
	return scanNotification(row)
}

const deferNotification = `-- name: DeferNotification :exec
UPDATE notifications
SET next_attempt_at = ?, last_error = ?
WHERE id = ? AND sent = 0
`

// DeferNotification は試行回数を増やさずに次回の配信時刻を先送りする。
func (q *Queries) DeferNotification(ctx context.Context, id string, until time.Time, reason string) error {
	_, err := q.db.ExecContext(ctx, deferNotification, FormatTime(until), reason, id)
	return err
}

const markNotificationRead = `-- name: MarkNotificationRead :exec
UPDATE notifications SET is_read = 1 WHERE id = ?
`

// MarkNotificationRead は通知を既読にする。
func (q *Queries) MarkNotificationRead(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx, markNotificationRead, id)
	return err
}

const markAllNotificationsRead = `-- name: MarkAllNotificationsRead :execrows
UPDATE notifications
SET is_read = 1
WHERE user_id = ? AND channel = 'in-app' AND is_read = 0
`

// MarkAllNotificationsRead はユーザーの未読のアプリ内通知をすべて既読にする。
func (q *Queries) MarkAllNotificationsRead(ctx context.Context, userID string) (int64, error) {
	result, err := q.db.ExecContext(ctx, markAllNotificationsRead, userID)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

const listNotificationsByUser = `-- name: ListNotificationsByUser :many
SELECT ` + notificationColumns + `
FROM notifications
WHERE user_id = ?1 AND channel = ?2
  AND (?3 IS NULL OR is_read = ?3)
ORDER BY created_at DESC, id DESC
LIMIT ?4 OFFSET ?5
`

// ListNotificationsByUserParams はListNotificationsByUserの引数。
type ListNotificationsByUserParams struct {
	UserID  string
	Channel string
	IsRead  sql.NullBool
	Limit   int64
	Offset  int64
}

// ListNotificationsByUser はユーザーの通知を新しい順に返す。IsReadが無効な場合は既読状態で絞り込まない。
func (q *Queries) ListNotificationsByUser(ctx context.Context, arg ListNotificationsByUserParams) ([]Notification, error) {
	rows, err := q.db.QueryContext(ctx, listNotificationsByUser,
		arg.UserID,
		arg.Channel,
		arg.IsRead,
		arg.Limit,
		arg.Offset,
	)
	if err != nil {
		return nil, err
	}
	return scanNotifications(rows)
}

const countNotificationsByUser = `-- name: CountNotificationsByUser :one
SELECT COUNT(*)
FROM notifications
WHERE user_id = ?1 AND channel = ?2
  AND (?3 IS NULL OR is_read = ?3)
`

// CountNotificationsByUserParams はCountNotificationsByUserの引数。
type CountNotificationsByUserParams struct {
	UserID  string
	Channel string
	IsRead  sql.NullBool
}

// CountNotificationsByUser はListNotificationsByUserと同じ条件の件数を返す。
func (q *Queries) CountNotificationsByUser(ctx context.Context, arg CountNotificationsByUserParams) (int64, error) {
	var count int64
	err := q.db.QueryRowContext(ctx, countNotificationsByUser, arg.UserID, arg.Channel, arg.IsRead).Scan(&count)
	return count, err
}
