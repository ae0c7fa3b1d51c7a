package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/citybot/internal/model"
)

// SQLPostRepo はSQLデータベースを使用した投稿履歴リポジトリ。
type SQLPostRepo struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLPostRepo はSQLPostRepoを生成する。
func NewSQLPostRepo(db *sql.DB, dialect Dialect) *SQLPostRepo {
	return &SQLPostRepo{db: db, dialect: dialect}
}

var _ PostRepository = (*SQLPostRepo)(nil)

// Create は投稿履歴を1件保存する。IDが空の場合はUUIDを採番する。
func (r *SQLPostRepo) Create(ctx context.Context, rec *model.PostRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.PostedAt.IsZero() {
		rec.PostedAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx, r.dialect.rebind(
		`INSERT INTO post_history
		   (id, city, category, fingerprint, platform, outcome, attempts, error_code, content_preview, posted_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		rec.ID, rec.City, string(rec.Category), rec.Fingerprint, rec.Platform,
		string(rec.Outcome), rec.Attempts, rec.ErrorCode, rec.ContentPreview, rec.PostedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("投稿履歴の保存に失敗しました: %w", err)
	}
	return nil
}

// ListRecent は指定都市の投稿履歴を新しい順にlimit件取得する。
func (r *SQLPostRepo) ListRecent(ctx context.Context, city string, limit int) ([]*model.PostRecord, error) {
	rows, err := r.db.QueryContext(ctx, r.dialect.rebind(
		`SELECT id, city, category, fingerprint, platform, outcome, attempts, error_code, content_preview, posted_at
		 FROM post_history WHERE city = ?
		 ORDER BY posted_at DESC LIMIT ?`),
		city, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("投稿履歴の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var records []*model.PostRecord
	for rows.Next() {
		rec := &model.PostRecord{}
		var category, outcome string
		if err := rows.Scan(
			&rec.ID, &rec.City, &category, &rec.Fingerprint, &rec.Platform,
			&outcome, &rec.Attempts, &rec.ErrorCode, &rec.ContentPreview, &rec.PostedAt,
		); err != nil {
			return nil, fmt.Errorf("投稿履歴の読み取りに失敗しました: %w", err)
		}
		rec.Category = model.Category(category)
		rec.Outcome = model.Outcome(outcome)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("投稿履歴の読み取りに失敗しました: %w", err)
	}
	return records, nil
}

// DeleteOlderThan はcutoffより前の投稿履歴を削除する。
func (r *SQLPostRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, r.dialect.rebind(
		`DELETE FROM post_history WHERE posted_at < ?`), cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("投稿履歴の削除に失敗しました: %w", err)
	}
	return result.RowsAffected()
}
