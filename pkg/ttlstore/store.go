// Package ttlstore は有効期限付きのキー・バリューストアをBadgerDBで提供する。
//
// 確認コードや処理済みイベントIDのように、プロセス再起動後も残り、
// 一定時間で自動的に消えるべき状態を保持するために使用する。
package ttlstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/nao1215/ordernotify/pkg/logging"
)

// ErrNotFound はキーが存在しない、または期限切れであることを表す。
var ErrNotFound = errors.New("キーが見つかりません")

// Store はBadgerDBを使ったTTL付きストア。
type Store struct {
	db       *badger.DB
	inMemory bool
	// prefix は全キーに付与する名前空間。
	prefix string
}

// Open はdirにBadgerDBを開く。dirが空の場合はメモリ上に作成する。
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("BadgerDBのオープンに失敗: %w", err)
	}
	return &Store{db: db, inMemory: dir == ""}, nil
}

// Namespace はキーに接頭辞を付けたビューを返す。DBは共有される。
func (s *Store) Namespace(name string) *Store {
	return &Store{db: s.db, inMemory: s.inMemory, prefix: s.prefix + name + ":"}
}

func (s *Store) key(k string) []byte {
	return []byte(s.prefix + k)
}

// Put は値をttl付きで保存する。既存の値は上書きする。
func (s *Store) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry(s.key(key), value).WithTTL(ttl))
	})
}

// PutIfAbsent はキーが存在しない場合のみ値を保存し、保存したかを返す。
func (s *Store) PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	stored := false
	err := s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(s.key(key))
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		stored = true
		return txn.SetEntry(badger.NewEntry(s.key(key), value).WithTTL(ttl))
	})
	if errors.Is(err, badger.ErrConflict) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("値の保存に失敗: %w", err)
	}
	return stored, nil
}

// Get は値を取得する。存在しない場合は ErrNotFound を返す。
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(s.key(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("値の取得に失敗: %w", err)
	}
	return value, nil
}

// Has はキーが存在するかを返す。
func (s *Store) Has(ctx context.Context, key string) (bool, error) {
	_, err := s.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Delete はキーを削除する。存在しないキーの削除は成功として扱う。
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(s.key(key))
	})
}

// Serve はctxがキャンセルされるまで定期的にvalue logのGCを実行する。
// suture.Serviceとして監視ツリーに登録できる。
func (s *Store) Serve(ctx context.Context) error {
	if s.inMemory {
		<-ctx.Done()
		return ctx.Err()
	}
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for {
				err := s.db.RunValueLogGC(0.5)
				if err != nil {
					if !errors.Is(err, badger.ErrNoRewrite) {
						logging.Warn().Err(err).Msg("value logのGCに失敗しました")
					}
					break
				}
			}
		}
	}
}

// Close はDBを閉じる。Namespaceで得たビューも使用できなくなる。
func (s *Store) Close() error {
	return s.db.Close()
}
