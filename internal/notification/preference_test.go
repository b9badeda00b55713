package notification

import (
	"context"
	"sync"
	"testing"
)

// TestPreferenceResolver は通知設定の既定値作成と部分更新を検証する。
func TestPreferenceResolver(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("未作成のユーザーは既定値で作成されること", func(t *testing.T) {
		t.Parallel()
		r := NewPreferenceResolver(openTestDB(t))

		p, err := r.Resolve(ctx, "U1")
		if err != nil {
			t.Fatalf("Resolve()でエラーが発生: %v", err)
		}
		if !p.EmailNotifications || p.SMSNotifications || !p.AppNotifications {
			t.Errorf("既定値が異なる: %+v", p)
		}
		if p.Allows(ChannelEmail) {
			t.Error("宛先が未設定の場合はメールを許可しないべき")
		}
		if !p.Allows(ChannelInApp) {
			t.Error("アプリ内通知は許可されるべき")
		}
	})

	t.Run("同時に解決しても1件だけ作成されること", func(t *testing.T) {
		t.Parallel()
		db := openTestDB(t)
		r := NewPreferenceResolver(db)

		var wg sync.WaitGroup
		errs := make(chan error, 8)
		for range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := r.Resolve(ctx, "U1")
				errs <- err
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			if err != nil {
				t.Errorf("Resolve()でエラーが発生: %v", err)
			}
		}

		var n int
		if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM notification_preferences WHERE user_id = 'U1'").Scan(&n); err != nil {
			t.Fatal(err)
		}
		if n != 1 {
			t.Errorf("設定の件数: got %d, want 1", n)
		}
	})

	t.Run("指定した項目だけが更新されること", func(t *testing.T) {
		t.Parallel()
		r := NewPreferenceResolver(openTestDB(t))

		p, err := r.Update(ctx, "U1", PreferencePatch{
			Email:            ptr("u1@example.com"),
			SMSNotifications: ptr(true),
		})
		if err != nil {
			t.Fatalf("Update()でエラーが発生: %v", err)
		}
		if p.Email != "u1@example.com" || !p.SMSNotifications || !p.EmailNotifications {
			t.Errorf("更新結果が異なる: %+v", p)
		}

		p, err = r.Update(ctx, "U1", PreferencePatch{EmailNotifications: ptr(false)})
		if err != nil {
			t.Fatal(err)
		}
		if p.EmailNotifications || p.Email != "u1@example.com" {
			t.Errorf("2回目の更新結果が異なる: %+v", p)
		}
		if p.Allows(ChannelEmail) {
			t.Error("メール通知が無効な場合は許可しないべき")
		}
		if p.Allows(ChannelSMS) {
			t.Error("電話番号が未設定の場合はSMSを許可しないべき")
		}
	})
}
