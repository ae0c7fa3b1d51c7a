package cleanup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/citybot/internal/model"
	"github.com/hitoshi/citybot/internal/repository"
)

type mockDedup struct {
	evictFn func(ctx context.Context, now time.Time) (int64, error)
	called  bool
}

func (m *mockDedup) Evict(ctx context.Context, now time.Time) (int64, error) {
	m.called = true
	if m.evictFn != nil {
		return m.evictFn(ctx, now)
	}
	return 0, nil
}

type mockQuota struct {
	day string
	err error
}

func (m *mockQuota) DeleteBefore(_ context.Context, day string) (int64, error) {
	m.day = day
	return 2, m.err
}

type mockMaps struct {
	maxAge time.Duration
	called bool
}

func (m *mockMaps) Prune(_ time.Time, maxAge time.Duration) (int, error) {
	m.called = true
	m.maxAge = maxAge
	return 1, nil
}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

var fixedNow = time.Date(2026, 3, 10, 6, 0, 0, 0, time.UTC)

func newTestJob(t *testing.T, buf *bytes.Buffer, dedup *mockDedup, quota *mockQuota, posts PostPruner, maps MapPruner) *CleanupJob {
	t.Helper()
	loc, err := time.LoadLocation("America/Los_Angeles")
	if err != nil {
		t.Fatalf("タイムゾーンの読み込みに失敗: %v", err)
	}
	job := NewCleanupJob(dedup, quota, posts, maps, loc, newTestLogger(buf))
	job.now = func() time.Time { return fixedNow }
	return job
}

func TestNewCleanupJob_Defaults(t *testing.T) {
	job := NewCleanupJob(&mockDedup{}, &mockQuota{}, repository.NewMemoryPostRepo(), nil, nil, slog.Default())

	if job.RetentionDays != 30 {
		t.Errorf("RetentionDays = %d, want 30", job.RetentionDays)
	}
	if job.QuotaRetentionDays != 30 {
		t.Errorf("QuotaRetentionDays = %d, want 30", job.QuotaRetentionDays)
	}
	if job.MapMaxAge != 7*24*time.Hour {
		t.Errorf("MapMaxAge = %v, want 168h", job.MapMaxAge)
	}
	if job.loc != time.UTC {
		t.Errorf("loc = %v, want UTC", job.loc)
	}
}

func TestCleanupJob_Run_DeletesOldPosts(t *testing.T) {
	var buf bytes.Buffer
	posts := repository.NewMemoryPostRepo()
	ctx := context.Background()

	old := &model.PostRecord{ID: "old", City: "Ventura", PostedAt: fixedNow.AddDate(0, 0, -31)}
	recent := &model.PostRecord{ID: "recent", City: "Ventura", PostedAt: fixedNow.AddDate(0, 0, -1)}
	for _, rec := range []*model.PostRecord{old, recent} {
		if err := posts.Create(ctx, rec); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}

	job := newTestJob(t, &buf, &mockDedup{}, &mockQuota{}, posts, nil)
	if err := job.Run(ctx); err != nil {
		t.Fatalf("Run() がエラーを返した: %v", err)
	}

	got, _ := posts.ListRecent(ctx, "Ventura", 10)
	if len(got) != 1 || got[0].ID != "recent" {
		t.Errorf("残った投稿履歴 = %v, want [recent]", got)
	}
}

func TestCleanupJob_Run_QuotaCutoffUsesCityTimezone(t *testing.T) {
	var buf bytes.Buffer
	quota := &mockQuota{}
	job := newTestJob(t, &buf, &mockDedup{}, quota, repository.NewMemoryPostRepo(), nil)

	_ = job.Run(context.Background())

	// 2026-02-08 06:00 UTC はロサンゼルスでは 2026-02-07
	if quota.day != "2026-02-07" {
		t.Errorf("DeleteBefore day = %q, want %q", quota.day, "2026-02-07")
	}
}

func TestCleanupJob_Run_EvictsDedupAndPrunesMaps(t *testing.T) {
	var buf bytes.Buffer
	dedup := &mockDedup{
		evictFn: func(_ context.Context, now time.Time) (int64, error) {
			if !now.Equal(fixedNow) {
				t.Errorf("Evict now = %v, want %v", now, fixedNow)
			}
			return 7, nil
		},
	}
	maps := &mockMaps{}
	job := newTestJob(t, &buf, dedup, &mockQuota{}, repository.NewMemoryPostRepo(), maps)
	job.MapMaxAge = 48 * time.Hour

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run() がエラーを返した: %v", err)
	}
	if !dedup.called {
		t.Error("Evict が呼び出されなかった")
	}
	if !maps.called || maps.maxAge != 48*time.Hour {
		t.Errorf("Prune called=%v maxAge=%v", maps.called, maps.maxAge)
	}

	var entry map[string]interface{}
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("ログのパースに失敗: %v", err)
	}
	if entry["dedup_deleted"] != float64(7) {
		t.Errorf("dedup_deleted = %v, want 7", entry["dedup_deleted"])
	}
	if entry["maps_deleted"] != float64(1) {
		t.Errorf("maps_deleted = %v, want 1", entry["maps_deleted"])
	}
	if _, ok := entry["duration_ms"]; !ok {
		t.Error("ログに duration_ms が記録されていない")
	}
}

func TestCleanupJob_Run_ContinuesAfterFailure(t *testing.T) {
	var buf bytes.Buffer
	storeErr := errors.New("connection refused")
	dedup := &mockDedup{
		evictFn: func(context.Context, time.Time) (int64, error) { return 0, storeErr },
	}
	quota := &mockQuota{}
	posts := repository.NewMemoryPostRepo()
	job := newTestJob(t, &buf, dedup, quota, posts, nil)

	err := job.Run(context.Background())
	if !errors.Is(err, storeErr) {
		t.Fatalf("Run() error = %v, want wrapping %v", err, storeErr)
	}
	if quota.day == "" {
		t.Error("重複排除の失敗後も投稿カウンタの削除は実行されるべき")
	}
	if !strings.Contains(buf.String(), "ERROR") || !strings.Contains(buf.String(), `"target":"dedup"`) {
		t.Errorf("エラーログに対象が記録されていない。ログ出力: %s", buf.String())
	}
}

func TestCleanupJob_Run_Idempotent(t *testing.T) {
	var buf bytes.Buffer
	job := newTestJob(t, &buf, &mockDedup{}, &mockQuota{}, repository.NewMemoryPostRepo(), nil)

	for i := 0; i < 2; i++ {
		if err := job.Run(context.Background()); err != nil {
			t.Fatalf("%d回目の Run() がエラーを返した: %v", i+1, err)
		}
	}
}

func TestCleanupJob_Start_StopsOnCancel(t *testing.T) {
	var buf bytes.Buffer
	ran := make(chan struct{}, 1)
	dedup := &mockDedup{
		evictFn: func(context.Context, time.Time) (int64, error) {
			select {
			case ran <- struct{}{}:
			default:
			}
			return 0, nil
		},
	}
	job := newTestJob(t, &buf, dedup, &mockQuota{}, repository.NewMemoryPostRepo(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		job.Start(ctx, time.Hour)
		close(done)
	}()

	// 起動直後の実行を待ってから停止する
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("起動直後の実行が行われなかった")
	}
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start がキャンセル後に終了しなかった")
	}
}
