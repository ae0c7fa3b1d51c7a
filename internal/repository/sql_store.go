package repository

import (
	"context"
	"database/sql"
)

// NewSQLStore はSQLバックエンドのリポジトリ一式を返す。
func NewSQLStore(db *sql.DB, dialect Dialect) *Store {
	return &Store{
		Dedup: NewSQLDedupRepo(db, dialect),
		Quota: NewSQLQuotaRepo(db, dialect),
		Posts: NewSQLPostRepo(db, dialect),
		Ping: func(ctx context.Context) error {
			return db.PingContext(ctx)
		},
		Close: db.Close,
	}
}
