package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/citybot/internal/model"
)

// MemoryDedupRepo はプロセス内メモリを使用した重複排除リポジトリ。
// 再起動で内容は失われる。テストと単発実行向け。
type MemoryDedupRepo struct {
	mu      sync.RWMutex
	records map[string]model.DedupRecord
}

// NewMemoryDedupRepo はMemoryDedupRepoを生成する。
func NewMemoryDedupRepo() *MemoryDedupRepo {
	return &MemoryDedupRepo{records: make(map[string]model.DedupRecord)}
}

var _ DedupRepository = (*MemoryDedupRepo)(nil)

func dedupKey(city string, category model.Category, fingerprint string) string {
	return city + "\x00" + string(category) + "\x00" + fingerprint
}

// Exists は指定フィンガープリントが記録済みかを返す。
func (r *MemoryDedupRepo) Exists(_ context.Context, city string, category model.Category, fingerprint string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.records[dedupKey(city, category, fingerprint)]
	return ok, nil
}

// Insert はレコードを追加する。既に存在する場合はfalseを返す。
func (r *MemoryDedupRepo) Insert(_ context.Context, rec *model.DedupRecord) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := dedupKey(rec.City, rec.Category, rec.Fingerprint)
	if _, ok := r.records[key]; ok {
		return false, nil
	}
	r.records[key] = *rec
	return true, nil
}

// DeleteOlderThan はcutoffより前に記録されたレコードを削除する。
func (r *MemoryDedupRepo) DeleteOlderThan(_ context.Context, city string, category model.Category, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var deleted int64
	for key, rec := range r.records {
		if rec.City == city && rec.Category == category && rec.FirstSeenAt.Before(cutoff) {
			delete(r.records, key)
			deleted++
		}
	}
	return deleted, nil
}

// Len は保持しているレコード数を返す。
func (r *MemoryDedupRepo) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// MemoryQuotaRepo はプロセス内メモリを使用したクォータカウンタリポジトリ。
type MemoryQuotaRepo struct {
	mu     sync.RWMutex
	states map[string]model.QuotaState
}

// NewMemoryQuotaRepo はMemoryQuotaRepoを生成する。
func NewMemoryQuotaRepo() *MemoryQuotaRepo {
	return &MemoryQuotaRepo{states: make(map[string]model.QuotaState)}
}

var _ QuotaRepository = (*MemoryQuotaRepo)(nil)

func quotaKey(city string, category model.Category, day string) string {
	return city + "\x00" + string(category) + "\x00" + day
}

// Find は指定日のカウンタを取得する。見つからない場合はnilを返す。
func (r *MemoryQuotaRepo) Find(_ context.Context, city string, category model.Category, day string) (*model.QuotaState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.states[quotaKey(city, category, day)]
	if !ok {
		return nil, nil
	}
	return copyQuotaState(s), nil
}

// FindLatest は最も新しい日付のカウンタを取得する。見つからない場合はnilを返す。
func (r *MemoryQuotaRepo) FindLatest(_ context.Context, city string, category model.Category) (*model.QuotaState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var latest *model.QuotaState
	for _, s := range r.states {
		if s.City != city || s.Category != category {
			continue
		}
		if latest == nil || s.Day > latest.Day {
			latest = copyQuotaState(s)
		}
	}
	return latest, nil
}

// Upsert はカウンタを保存する。
func (r *MemoryQuotaRepo) Upsert(_ context.Context, state *model.QuotaState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := *copyQuotaState(*state)
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = time.Now().UTC()
	}
	r.states[quotaKey(s.City, s.Category, s.Day)] = s
	return nil
}

// DeleteBefore はdayより前の日付のカウンタを削除する。
func (r *MemoryQuotaRepo) DeleteBefore(_ context.Context, day string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var deleted int64
	for key, s := range r.states {
		if s.Day < day {
			delete(r.states, key)
			deleted++
		}
	}
	return deleted, nil
}

// copyQuotaState はLastPostAtのポインタを共有しないコピーを返す。
func copyQuotaState(s model.QuotaState) *model.QuotaState {
	out := s
	if s.LastPostAt != nil {
		t := *s.LastPostAt
		out.LastPostAt = &t
	}
	return &out
}

// MemoryPostRepo はプロセス内メモリを使用した投稿履歴リポジトリ。
type MemoryPostRepo struct {
	mu      sync.RWMutex
	records []model.PostRecord
}

// NewMemoryPostRepo はMemoryPostRepoを生成する。
func NewMemoryPostRepo() *MemoryPostRepo {
	return &MemoryPostRepo{}
}

var _ PostRepository = (*MemoryPostRepo)(nil)

// Create は投稿履歴を1件保存する。
func (r *MemoryPostRepo) Create(_ context.Context, rec *model.PostRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.PostedAt.IsZero() {
		rec.PostedAt = time.Now().UTC()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, *rec)
	return nil
}

// ListRecent は指定都市の投稿履歴を新しい順にlimit件取得する。
func (r *MemoryPostRepo) ListRecent(_ context.Context, city string, limit int) ([]*model.PostRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*model.PostRecord
	for i := range r.records {
		if r.records[i].City == city {
			rec := r.records[i]
			out = append(out, &rec)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].PostedAt.After(out[j].PostedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// DeleteOlderThan はcutoffより前の投稿履歴を削除する。
func (r *MemoryPostRepo) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.records[:0]
	var deleted int64
	for _, rec := range r.records {
		if rec.PostedAt.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, rec)
	}
	r.records = kept
	return deleted, nil
}

// NewMemoryStore はインメモリのリポジトリ一式を返す。
func NewMemoryStore() *Store {
	return &Store{
		Dedup: NewMemoryDedupRepo(),
		Quota: NewMemoryQuotaRepo(),
		Posts: NewMemoryPostRepo(),
		Ping:  func(context.Context) error { return nil },
		Close: func() error { return nil },
	}
}
