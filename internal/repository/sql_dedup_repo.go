package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/citybot/internal/model"
)

// SQLDedupRepo はSQLデータベースを使用した重複排除リポジトリ。
// PostgreSQLとSQLiteの両方で動作する。
type SQLDedupRepo struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLDedupRepo はSQLDedupRepoを生成する。
func NewSQLDedupRepo(db *sql.DB, dialect Dialect) *SQLDedupRepo {
	return &SQLDedupRepo{db: db, dialect: dialect}
}

var _ DedupRepository = (*SQLDedupRepo)(nil)

// Exists は指定フィンガープリントが記録済みかを返す。
func (r *SQLDedupRepo) Exists(ctx context.Context, city string, category model.Category, fingerprint string) (bool, error) {
	var one int
	err := r.db.QueryRowContext(ctx, r.dialect.rebind(
		`SELECT 1 FROM dedup_records WHERE city = ? AND category = ? AND fingerprint = ?`),
		city, string(category), fingerprint,
	).Scan(&one)

	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("重複排除レコードの取得に失敗しました: %w", err)
	}
	return true, nil
}

// Insert はレコードを追加する。
// 主キー (city, category, fingerprint) の衝突時はON CONFLICT DO NOTHINGで何もしない。
func (r *SQLDedupRepo) Insert(ctx context.Context, rec *model.DedupRecord) (bool, error) {
	result, err := r.db.ExecContext(ctx, r.dialect.rebind(
		`INSERT INTO dedup_records (city, category, fingerprint, first_seen_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (city, category, fingerprint) DO NOTHING`),
		rec.City, string(rec.Category), rec.Fingerprint, rec.FirstSeenAt.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("重複排除レコードの保存に失敗しました: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("保存件数の取得に失敗しました: %w", err)
	}
	return affected > 0, nil
}

// DeleteOlderThan はcutoffより前に記録されたレコードを削除する。
func (r *SQLDedupRepo) DeleteOlderThan(ctx context.Context, city string, category model.Category, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, r.dialect.rebind(
		`DELETE FROM dedup_records WHERE city = ? AND category = ? AND first_seen_at < ?`),
		city, string(category), cutoff.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("重複排除レコードの削除に失敗しました: %w", err)
	}
	return result.RowsAffected()
}
