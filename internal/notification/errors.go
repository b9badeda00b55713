package notification

import "errors"

var (
	// ErrNotFound は通知が存在しないことを表す。
	ErrNotFound = errors.New("通知が見つかりません")
	// ErrUnauthorized は他のユーザーの通知を操作しようとしたことを表す。
	ErrUnauthorized = errors.New("この通知を操作する権限がありません")
	// ErrDuplicateNotification はイベントに対する通知が既に作成済みであることを表す。
	ErrDuplicateNotification = errors.New("通知は作成済みです")
)
