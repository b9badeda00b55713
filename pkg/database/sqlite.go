// Package database はSQLiteデータベース接続を提供する。
package database

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"strings"

	"github.com/nao1215/ordernotify/pkg/migration"

	// SQLiteドライバ
	_ "modernc.org/sqlite"
)

// MemoryPath はメモリ上のデータベースを表すパス。
const MemoryPath = ":memory:"

// dsn はパスにWALとビジータイムアウトのプラグマを付与する。
func dsn(path string) string {
	if path == MemoryPath {
		return "file::memory:?_pragma=busy_timeout(5000)"
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return "file:" + path + sep + "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
}

// Open はSQLiteデータベースを開き、マイグレーションを適用する。
// pathが MemoryPath の場合は接続を1本に制限する（接続ごとに別のDBになるため）。
func Open(ctx context.Context, path string, migrations fs.FS, dir string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}
	if path == MemoryPath {
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("データベースへの疎通確認に失敗: %w", err)
	}
	if migrations != nil {
		if err := migration.Run(ctx, db, migrations, dir); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("スキーマ初期化に失敗: %w", err)
		}
	}
	return db, nil
}
