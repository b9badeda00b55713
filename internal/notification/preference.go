package notification

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	notificationdb "github.com/nao1215/ordernotify/internal/notification/db"
)

// Preference はユーザーの通知設定。
type Preference struct {
	// UserID はユーザーID。
	UserID string `json:"user_id"`
	// EmailNotifications はメール通知を受け取るか。
	EmailNotifications bool `json:"email_notifications"`
	// SMSNotifications はSMS通知を受け取るか。
	SMSNotifications bool `json:"sms_notifications"`
	// AppNotifications はアプリ内通知を受け取るか。
	AppNotifications bool `json:"app_notifications"`
	// Email は通知先メールアドレス。
	Email string `json:"email"`
	// Phone は通知先電話番号。
	Phone string `json:"phone"`
	// UpdatedAt は最終更新日時。
	UpdatedAt time.Time `json:"updated_at"`
}

// Allows はチャネルへの配信が許可されており、宛先が設定されているかを返す。
func (p Preference) Allows(ch Channel) bool {
	switch ch {
	case ChannelEmail:
		return p.EmailNotifications && p.Email != ""
	case ChannelSMS:
		return p.SMSNotifications && p.Phone != ""
	case ChannelInApp:
		return p.AppNotifications
	default:
		return false
	}
}

// PreferencePatch は通知設定の部分更新。nilの項目は変更しない。
type PreferencePatch struct {
	EmailNotifications *bool   `json:"email_notifications"`
	SMSNotifications   *bool   `json:"sms_notifications"`
	AppNotifications   *bool   `json:"app_notifications"`
	Email              *string `json:"email"`
	Phone              *string `json:"phone"`
}

// PreferenceResolver は通知設定を読み出し、未作成なら既定値で作成する。
type PreferenceResolver struct {
	db      *sql.DB
	queries *notificationdb.Queries
	now     func() time.Time
}

// NewPreferenceResolver は新しいPreferenceResolverを生成する。
func NewPreferenceResolver(db *sql.DB) *PreferenceResolver {
	return &PreferenceResolver{
		db:      db,
		queries: notificationdb.New(db),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Resolve はユーザーの通知設定を返す。存在しなければ既定値で作成する。
// 同時に呼ばれても作成は1回だけになる。
func (r *PreferenceResolver) Resolve(ctx context.Context, userID string) (Preference, error) {
	return resolve(ctx, r.queries, userID, r.now())
}

func resolve(ctx context.Context, q *notificationdb.Queries, userID string, now time.Time) (Preference, error) {
	p, err := q.GetPreference(ctx, userID)
	if errors.Is(err, sql.ErrNoRows) {
		if err := q.CreateDefaultPreference(ctx, userID, now); err != nil {
			return Preference{}, fmt.Errorf("既定の通知設定の作成に失敗: %w", err)
		}
		p, err = q.GetPreference(ctx, userID)
	}
	if err != nil {
		return Preference{}, fmt.Errorf("通知設定の取得に失敗: %w", err)
	}
	return toPreference(p), nil
}

// Update は通知設定を部分更新する。
func (r *PreferenceResolver) Update(ctx context.Context, userID string, patch PreferencePatch) (Preference, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return Preference{}, fmt.Errorf("トランザクション開始に失敗: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	q := r.queries.WithTx(tx)
	now := r.now()
	cur, err := resolve(ctx, q, userID, now)
	if err != nil {
		return Preference{}, err
	}

	params := notificationdb.UpdatePreferenceParams{
		UserID:             userID,
		EmailNotifications: cur.EmailNotifications,
		SmsNotifications:   cur.SMSNotifications,
		AppNotifications:   cur.AppNotifications,
		Email:              cur.Email,
		Phone:              cur.Phone,
		UpdatedAt:          now,
	}
	if patch.EmailNotifications != nil {
		params.EmailNotifications = *patch.EmailNotifications
	}
	if patch.SMSNotifications != nil {
		params.SmsNotifications = *patch.SMSNotifications
	}
	if patch.AppNotifications != nil {
		params.AppNotifications = *patch.AppNotifications
	}
	if patch.Email != nil {
		params.Email = *patch.Email
	}
	if patch.Phone != nil {
		params.Phone = *patch.Phone
	}

	updated, err := q.UpdatePreference(ctx, params)
	if err != nil {
		return Preference{}, fmt.Errorf("通知設定の更新に失敗: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Preference{}, fmt.Errorf("コミットに失敗: %w", err)
	}
	return toPreference(updated), nil
}

func toPreference(p notificationdb.NotificationPreference) Preference {
	return Preference{
		UserID:             p.UserID,
		EmailNotifications: p.EmailNotifications,
		SMSNotifications:   p.SmsNotifications,
		AppNotifications:   p.AppNotifications,
		Email:              p.Email,
		Phone:              p.Phone,
		UpdatedAt:          p.UpdatedAt,
	}
}
