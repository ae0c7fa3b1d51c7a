package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/citybot/internal/model"
)

// SQLQuotaRepo はSQLデータベースを使用したクォータカウンタリポジトリ。
type SQLQuotaRepo struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLQuotaRepo はSQLQuotaRepoを生成する。
func NewSQLQuotaRepo(db *sql.DB, dialect Dialect) *SQLQuotaRepo {
	return &SQLQuotaRepo{db: db, dialect: dialect}
}

var _ QuotaRepository = (*SQLQuotaRepo)(nil)

const quotaColumns = `city, category, day, posts_today, last_post_at, updated_at`

// Find は指定日のカウンタを取得する。見つからない場合はnilを返す。
func (r *SQLQuotaRepo) Find(ctx context.Context, city string, category model.Category, day string) (*model.QuotaState, error) {
	row := r.db.QueryRowContext(ctx, r.dialect.rebind(
		`SELECT `+quotaColumns+` FROM quota_counters WHERE city = ? AND category = ? AND day = ?`),
		city, string(category), day,
	)
	return scanQuotaState(row)
}

// FindLatest は最も新しい日付のカウンタを取得する。見つからない場合はnilを返す。
func (r *SQLQuotaRepo) FindLatest(ctx context.Context, city string, category model.Category) (*model.QuotaState, error) {
	row := r.db.QueryRowContext(ctx, r.dialect.rebind(
		`SELECT `+quotaColumns+` FROM quota_counters WHERE city = ? AND category = ?
		 ORDER BY day DESC LIMIT 1`),
		city, string(category),
	)
	return scanQuotaState(row)
}

// Upsert はカウンタを冪等に保存する。
// UNIQUE(city, category, day)制約を利用したINSERT ON CONFLICTで実装する。
func (r *SQLQuotaRepo) Upsert(ctx context.Context, state *model.QuotaState) error {
	var lastPostAt sql.NullTime
	if state.LastPostAt != nil {
		lastPostAt = sql.NullTime{Time: state.LastPostAt.UTC(), Valid: true}
	}
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx, r.dialect.rebind(
		`INSERT INTO quota_counters (`+quotaColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (city, category, day) DO UPDATE SET
		   posts_today = excluded.posts_today,
		   last_post_at = excluded.last_post_at,
		   updated_at = excluded.updated_at`),
		state.City, string(state.Category), state.Day,
		state.PostsToday, lastPostAt, state.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("クォータカウンタの保存に失敗しました: %w", err)
	}
	return nil
}

// DeleteBefore はdayより前の日付のカウンタを削除する。
// dayはYYYY-MM-DD形式のため文字列比較で日付順になる。
func (r *SQLQuotaRepo) DeleteBefore(ctx context.Context, day string) (int64, error) {
	result, err := r.db.ExecContext(ctx, r.dialect.rebind(
		`DELETE FROM quota_counters WHERE day < ?`), day)
	if err != nil {
		return 0, fmt.Errorf("クォータカウンタの削除に失敗しました: %w", err)
	}
	return result.RowsAffected()
}

// scanQuotaState は1行をQuotaStateに変換する。行がない場合はnilを返す。
func scanQuotaState(row *sql.Row) (*model.QuotaState, error) {
	state := &model.QuotaState{}
	var category string
	var lastPostAt sql.NullTime

	err := row.Scan(
		&state.City, &category, &state.Day,
		&state.PostsToday, &lastPostAt, &state.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("クォータカウンタの取得に失敗しました: %w", err)
	}

	state.Category = model.Category(category)
	if lastPostAt.Valid {
		t := lastPostAt.Time
		state.LastPostAt = &t
	}
	return state, nil
}
