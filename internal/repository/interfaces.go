// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/citybot/internal/model"
)

// DedupRepository は公開済みフィンガープリントの永続化インターフェース。
// キーは (city, category, fingerprint)。
type DedupRepository interface {
	// Exists は指定フィンガープリントが記録済みかを返す。
	Exists(ctx context.Context, city string, category model.Category, fingerprint string) (bool, error)

	// Insert はレコードを追加する。既に存在する場合は何もせずfalseを返す。
	Insert(ctx context.Context, rec *model.DedupRecord) (bool, error)

	// DeleteOlderThan はcutoffより前に記録されたレコードを削除し、削除件数を返す。
	DeleteOlderThan(ctx context.Context, city string, category model.Category, cutoff time.Time) (int64, error)
}

// QuotaRepository はカテゴリ別投稿カウンタの永続化インターフェース。
// キーは (city, category, day)。
type QuotaRepository interface {
	// Find は指定日のカウンタを取得する。見つからない場合はnilを返す。
	Find(ctx context.Context, city string, category model.Category, day string) (*model.QuotaState, error)

	// FindLatest は最も新しい日付のカウンタを取得する。見つからない場合はnilを返す。
	FindLatest(ctx context.Context, city string, category model.Category) (*model.QuotaState, error)

	// Upsert はカウンタを冪等に保存する。
	Upsert(ctx context.Context, state *model.QuotaState) error

	// DeleteBefore はdayより前の日付のカウンタを削除し、削除件数を返す。
	DeleteBefore(ctx context.Context, day string) (int64, error)
}

// PostRepository は投稿履歴の永続化インターフェース。
type PostRepository interface {
	// Create は投稿履歴を1件保存する。
	Create(ctx context.Context, rec *model.PostRecord) error

	// ListRecent は指定都市の投稿履歴を新しい順にlimit件取得する。
	ListRecent(ctx context.Context, city string, limit int) ([]*model.PostRecord, error)

	// DeleteOlderThan はcutoffより前の投稿履歴を削除し、削除件数を返す。
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Store は永続化バックエンドが提供するリポジトリ一式。
type Store struct {
	Dedup DedupRepository
	Quota QuotaRepository
	Posts PostRepository
	// Ping はバックエンドの疎通確認。インメモリの場合は常に成功する。
	Ping func(ctx context.Context) error
	// Close はバックエンドの接続を閉じる。
	Close func() error
}
