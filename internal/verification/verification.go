// Package verification は連絡先（メールアドレス、電話番号）の確認コードを管理する。
//
// 発行したコードは有効期限付きで ttlstore に保存するため、プロセスの再起動や
// 複数インスタンスでも同じ状態を参照できる。
package verification

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"math/big"
	"time"

	json "github.com/goccy/go-json"

	"github.com/nao1215/ordernotify/pkg/ttlstore"
)

var (
	// ErrExpired はコードが発行されていない、または期限切れであることを表す。
	ErrExpired = errors.New("確認コードが存在しないか期限切れです")
	// ErrInvalidCode はコードが一致しないことを表す。
	ErrInvalidCode = errors.New("確認コードが一致しません")
	// ErrTooManyAttempts は照合の失敗が上限に達したことを表す。コードは破棄される。
	ErrTooManyAttempts = errors.New("確認コードの照合回数が上限に達しました")
)

// DefaultTTL はコードの既定の有効期間。
const DefaultTTL = 15 * time.Minute

// MaxAttempts は1つのコードに対して許す照合の失敗回数。
const MaxAttempts = 5

// codeDigits はコードの桁数。
const codeDigits = 6

// pending は照合待ちのコード。
type pending struct {
	Target    string    `json:"target"`
	Code      string    `json:"code"`
	Attempts  int       `json:"attempts"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Store は確認コードのストア。
type Store struct {
	kv  *ttlstore.Store
	ttl time.Duration
	now func() time.Time
}

// New は新しいStoreを生成する。ttlが0以下の場合は DefaultTTL を使う。
func New(kv *ttlstore.Store, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{kv: kv.Namespace("verification"), ttl: ttl, now: time.Now}
}

// TTL はコードの有効期間を返す。
func (s *Store) TTL() time.Duration {
	return s.ttl
}

func key(userID, channel string) string {
	return channel + ":" + userID
}

// Issue はユーザーとチャネルに対して新しいコードを発行する。以前のコードは無効になる。
func (s *Store) Issue(ctx context.Context, userID, channel, target string) (string, error) {
	code, err := newCode()
	if err != nil {
		return "", err
	}
	p := pending{Target: target, Code: code, ExpiresAt: s.now().Add(s.ttl)}
	if err := s.put(ctx, key(userID, channel), p, s.ttl); err != nil {
		return "", err
	}
	return code, nil
}

// Verify はコードを照合し、一致した場合は発行時の宛先を返してコードを破棄する。
func (s *Store) Verify(ctx context.Context, userID, channel, code string) (string, error) {
	k := key(userID, channel)
	raw, err := s.kv.Get(ctx, k)
	if errors.Is(err, ttlstore.ErrNotFound) {
		return "", ErrExpired
	}
	if err != nil {
		return "", fmt.Errorf("確認コードの取得に失敗: %w", err)
	}
	var p pending
	if err := json.Unmarshal(raw, &p); err != nil {
		return "", fmt.Errorf("確認コードのデコードに失敗: %w", err)
	}

	if subtle.ConstantTimeCompare([]byte(p.Code), []byte(code)) == 1 {
		if err := s.kv.Delete(ctx, k); err != nil {
			return "", fmt.Errorf("確認コードの破棄に失敗: %w", err)
		}
		return p.Target, nil
	}

	p.Attempts++
	remaining := p.ExpiresAt.Sub(s.now())
	if p.Attempts >= MaxAttempts || remaining <= 0 {
		if err := s.kv.Delete(ctx, k); err != nil {
			return "", fmt.Errorf("確認コードの破棄に失敗: %w", err)
		}
		if remaining <= 0 {
			return "", ErrExpired
		}
		return "", ErrTooManyAttempts
	}
	if err := s.put(ctx, k, p, remaining); err != nil {
		return "", err
	}
	return "", ErrInvalidCode
}

func (s *Store) put(ctx context.Context, k string, p pending, ttl time.Duration) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("確認コードのエンコードに失敗: %w", err)
	}
	if err := s.kv.Put(ctx, k, raw, ttl); err != nil {
		return fmt.Errorf("確認コードの保存に失敗: %w", err)
	}
	return nil
}

// newCode は暗号論的乱数で数字のコードを生成する。
func newCode() (string, error) {
	limit := big.NewInt(1)
	for range codeDigits {
		limit.Mul(limit, big.NewInt(10))
	}
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", fmt.Errorf("確認コードの生成に失敗: %w", err)
	}
	return fmt.Sprintf("%0*d", codeDigits, n), nil
}
