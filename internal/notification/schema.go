package notification

import (
	"context"
	"database/sql"
	"embed"

	"github.com/nao1215/ordernotify/pkg/database"
)

//go:embed migrations/*.sql
var migrations embed.FS

// OpenDB は通知データベースを開きスキーマを適用する。
func OpenDB(ctx context.Context, path string) (*sql.DB, error) {
	return database.Open(ctx, path, migrations, "migrations")
}
