package notification

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	notificationdb "github.com/nao1215/ordernotify/internal/notification/db"
	"github.com/nao1215/ordernotify/pkg/metrics"
)

// Store は通知レコードの永続化を担う。
type Store struct {
	// db はSQLiteデータベース接続。
	db *sql.DB
	// queries はクエリ実行オブジェクト。
	queries *notificationdb.Queries
	// now は現在時刻を返す。テストで差し替える。
	now func() time.Time
}

// NewStore は新しいStoreを生成する。
func NewStore(db *sql.DB) *Store {
	return &Store{
		db:      db,
		queries: notificationdb.New(db),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// prepare はIDと作成日時が未設定なら割り当てる。
func (s *Store) prepare(r *Record) {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now()
	}
}

// Create は通知を1件作成する。重複排除キーが既存の場合は ErrDuplicateNotification を返す。
func (s *Store) Create(ctx context.Context, r Record) (Record, error) {
	s.prepare(&r)
	params, err := toCreateParams(r)
	if err != nil {
		return Record{}, err
	}
	n, err := s.queries.CreateNotification(ctx, params)
	if err != nil {
		return Record{}, fmt.Errorf("通知の作成に失敗: %w", err)
	}
	if n == 0 {
		return Record{}, ErrDuplicateNotification
	}
	metrics.NotificationsCreated.WithLabelValues(string(r.Channel)).Inc()
	return r, nil
}

// CreateSet は複数チャネルの通知を1つのトランザクションで作成し、挿入した件数を返す。
// 重複排除キーが既存のレコードはスキップする。1件も挿入されなかった場合は
// ErrDuplicateNotification を返す。
func (s *Store) CreateSet(ctx context.Context, recs []Record) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("トランザクション開始に失敗: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	q := s.queries.WithTx(tx)
	var created []Channel
	for i := range recs {
		s.prepare(&recs[i])
		params, err := toCreateParams(recs[i])
		if err != nil {
			return 0, err
		}
		n, err := q.CreateNotification(ctx, params)
		if err != nil {
			return 0, fmt.Errorf("通知の作成に失敗: %s: %w", recs[i].Channel, err)
		}
		if n > 0 {
			created = append(created, recs[i].Channel)
		}
	}
	if len(recs) > 0 && len(created) == 0 {
		return 0, ErrDuplicateNotification
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("コミットに失敗: %w", err)
	}
	for _, ch := range created {
		metrics.NotificationsCreated.WithLabelValues(string(ch)).Inc()
	}
	return len(created), nil
}

// Get はIDで通知を取得する。
func (s *Store) Get(ctx context.Context, id string) (Record, error) {
	n, err := s.queries.GetNotification(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("通知の取得に失敗: %w", err)
	}
	return toRecord(n)
}

// ListUnsent は配信時刻に達した未配信の通知を最大limit件、古い順に返す。
func (s *Store) ListUnsent(ctx context.Context, limit int, now time.Time) ([]Record, error) {
	rows, err := s.queries.ListUnsentNotifications(ctx, notificationdb.ListUnsentNotificationsParams{
		Now:   now,
		Limit: int64(limit),
	})
	if err != nil {
		return nil, fmt.Errorf("未配信通知の取得に失敗: %w", err)
	}
	return toRecords(rows)
}

// MarkSent は通知を配信済みにする。
func (s *Store) MarkSent(ctx context.Context, id string) error {
	if _, err := s.queries.MarkNotificationSent(ctx, id, s.now()); err != nil {
		return fmt.Errorf("配信済みの記録に失敗: %w", err)
	}
	return nil
}

// MarkAttemptFailed は配信失敗を記録する。試行回数がmaxAttemptsに達するとfailedになる。
func (s *Store) MarkAttemptFailed(ctx context.Context, id, errMsg string, nextAttemptAt time.Time, maxAttempts int) (Record, error) {
	n, err := s.queries.RecordDeliveryFailure(ctx, notificationdb.RecordDeliveryFailureParams{
		ID:            id,
		LastError:     errMsg,
		NextAttemptAt: nextAttemptAt,
		MaxAttempts:   int64(maxAttempts),
	})
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("配信失敗の記録に失敗: %w", err)
	}
	return toRecord(n)
}

// Defer は試行回数を変えずに次回の配信を先送りする。
func (s *Store) Defer(ctx context.Context, id string, until time.Time, reason string) error {
	if err := s.queries.DeferNotification(ctx, id, until, reason); err != nil {
		return fmt.Errorf("配信の先送りに失敗: %w", err)
	}
	return nil
}

// MarkRead は通知を既読にする。所有者以外は ErrUnauthorized になる。
// 一覧と同じくどのチャネルの通知も対象にする。既読は表示上の状態で、
// メールやSMSの配信状態（sent）には影響しない。
func (s *Store) MarkRead(ctx context.Context, id, userID string) (Record, error) {
	r, err := s.Get(ctx, id)
	if err != nil {
		return Record{}, err
	}
	if r.UserID != userID {
		return Record{}, ErrUnauthorized
	}
	if err := s.queries.MarkNotificationRead(ctx, id); err != nil {
		return Record{}, fmt.Errorf("通知の既読処理に失敗: %w", err)
	}
	r.IsRead = true
	return r, nil
}

// MarkAllRead はユーザーの未読のアプリ内通知をすべて既読にし、更新件数を返す。
func (s *Store) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	n, err := s.queries.MarkAllNotificationsRead(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("全通知の既読処理に失敗: %w", err)
	}
	return n, nil
}

// DefaultPerPage は一覧取得の既定の件数。
const DefaultPerPage = 10

// ListParams は通知一覧の取得条件。
type ListParams struct {
	// UserID は対象ユーザー。
	UserID string
	// Channel は絞り込むチャネル。空ならアプリ内通知。
	Channel Channel
	// IsRead は既読状態の絞り込み。nilなら絞り込まない。
	IsRead *bool
	// Page は1始まりのページ番号。
	Page int
	// PerPage は1ページの件数。
	PerPage int
}

// Page は通知一覧の1ページ分。
type Page struct {
	// Items はこのページの通知。
	Items []Record `json:"items"`
	// Total は条件に合う通知の総数。
	Total int64 `json:"total"`
	// Pages は総ページ数。
	Pages int64 `json:"pages"`
	// Page はページ番号。
	Page int `json:"page"`
	// UnreadCount は同じチャネルの未読件数。
	UnreadCount int64 `json:"unread_count"`
}

// List は通知を新しい順にページ単位で返す。
func (s *Store) List(ctx context.Context, p ListParams) (Page, error) {
	if p.Channel == "" {
		p.Channel = ChannelInApp
	}
	if p.Page < 1 {
		p.Page = 1
	}
	if p.PerPage < 1 {
		p.PerPage = DefaultPerPage
	}
	var isRead sql.NullBool
	if p.IsRead != nil {
		isRead = sql.NullBool{Bool: *p.IsRead, Valid: true}
	}

	rows, err := s.queries.ListNotificationsByUser(ctx, notificationdb.ListNotificationsByUserParams{
		UserID:  p.UserID,
		Channel: string(p.Channel),
		IsRead:  isRead,
		Limit:   int64(p.PerPage),
		Offset:  int64((p.Page - 1) * p.PerPage),
	})
	if err != nil {
		return Page{}, fmt.Errorf("通知一覧の取得に失敗: %w", err)
	}
	items, err := toRecords(rows)
	if err != nil {
		return Page{}, err
	}

	total, err := s.queries.CountNotificationsByUser(ctx, notificationdb.CountNotificationsByUserParams{
		UserID:  p.UserID,
		Channel: string(p.Channel),
		IsRead:  isRead,
	})
	if err != nil {
		return Page{}, fmt.Errorf("通知件数の取得に失敗: %w", err)
	}
	unread, err := s.queries.CountNotificationsByUser(ctx, notificationdb.CountNotificationsByUserParams{
		UserID:  p.UserID,
		Channel: string(p.Channel),
		IsRead:  sql.NullBool{Bool: false, Valid: true},
	})
	if err != nil {
		return Page{}, fmt.Errorf("未読件数の取得に失敗: %w", err)
	}

	perPage := int64(p.PerPage)
	return Page{
		Items:       items,
		Total:       total,
		Pages:       (total + perPage - 1) / perPage,
		Page:        p.Page,
		UnreadCount: unread,
	}, nil
}

func toRecords(rows []notificationdb.Notification) ([]Record, error) {
	records := make([]Record, 0, len(rows))
	for _, n := range rows {
		r, err := toRecord(n)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, nil
}
