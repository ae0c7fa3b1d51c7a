package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/citybot/internal/compose"
	"github.com/hitoshi/citybot/internal/database"
	"github.com/hitoshi/citybot/internal/dedup"
	"github.com/hitoshi/citybot/internal/dispatch"
	"github.com/hitoshi/citybot/internal/metrics"
	"github.com/hitoshi/citybot/internal/model"
	"github.com/hitoshi/citybot/internal/quota"
	"github.com/hitoshi/citybot/internal/relevance"
	"github.com/hitoshi/citybot/internal/repository"
	"github.com/hitoshi/citybot/internal/source"
)

// mockAdapter はsource.Adapterのテスト用モック。
type mockAdapter struct {
	category  model.Category
	fetchFunc func(ctx context.Context, profile *model.CityProfile) ([]model.RawItem, error)
}

func (m *mockAdapter) Category() model.Category { return m.category }

func (m *mockAdapter) Fetch(ctx context.Context, profile *model.CityProfile) ([]model.RawItem, error) {
	return m.fetchFunc(ctx, profile)
}

// mockClient はdispatch.Clientのテスト用モック。
type mockClient struct {
	name  string
	err   error
	calls atomic.Int32
}

func (m *mockClient) Name() string { return m.name }

func (m *mockClient) Post(context.Context, model.PostContent) error {
	m.calls.Add(1)
	return m.err
}

// cancellingClient は投稿成功と同時にループのコンテキストをキャンセルするクライアント。
// 投稿直後にSIGTERMを受けた状況を再現する。
type cancellingClient struct {
	name   string
	cancel context.CancelFunc
	calls  atomic.Int32
}

func (c *cancellingClient) Name() string { return c.name }

func (c *cancellingClient) Post(context.Context, model.PostContent) error {
	c.calls.Add(1)
	c.cancel()
	return nil
}

// failingDedup は常に障害を返すDedupStore。
type failingDedup struct{}

func (failingDedup) Seen(context.Context, model.Category, string) (bool, error) {
	return false, fmt.Errorf("%w: connection refused", model.ErrDedupStoreUnavailable)
}

func (failingDedup) Record(context.Context, model.Category, string, time.Time) error {
	return fmt.Errorf("%w: connection refused", model.ErrDedupStoreUnavailable)
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (l *lockedBuffer) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf.Write(p)
}

func (l *lockedBuffer) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf.String()
}

func newTestLogger(w *lockedBuffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

func testProfile(t *testing.T) *model.CityProfile {
	t.Helper()
	loc, err := time.LoadLocation("America/Los_Angeles")
	if err != nil {
		t.Fatal(err)
	}
	return &model.CityProfile{
		Name:      "Ventura",
		State:     "CA",
		Location:  loc,
		Latitude:  34.2746,
		Longitude: -119.2290,
		Platforms: []string{"twitter", "bluesky", "facebook"},
		Earthquake: model.EarthquakeConfig{
			CategoryConfig: model.CategoryConfig{
				Enabled:         true,
				UpdateFrequency: 5 * time.Minute,
				AlertFrequency:  time.Minute,
				MaxDaily:        1,
				MinPostInterval: time.Second,
				AlertOverride:   true,
			},
			MinimumMagnitude: 3.0,
			RadiusMiles:      100,
			Nearby:           model.QuakeThreshold{DistanceMiles: 25, Magnitude: 3.0},
			Regional:         model.QuakeThreshold{DistanceMiles: 50, Magnitude: 4.0},
			Major:            model.QuakeThreshold{Magnitude: 5.0},
		},
	}
}

// quakeItem は指定座標・マグニチュードの地震を返す。
func quakeItem(id string, mag, lat float64) model.RawItem {
	return model.RawItem{
		Category:   model.CategoryEarthquake,
		SourceID:   "usgs",
		ContentKey: id,
		OccurredAt: time.Date(2026, 10, 15, 17, 0, 0, 0, time.UTC),
		Quake: &model.RawQuake{
			ID:        id,
			Magnitude: mag,
			Place:     "near Ojai, CA",
			Latitude:  lat,
			Longitude: -119.2290,
			URL:       "https://earthquake.usgs.gov/earthquakes/eventpage/" + id,
		},
	}
}

type harness struct {
	runner   *Runner
	clients  []*mockClient
	dedupRep *repository.MemoryDedupRepo
	quotaRep *repository.MemoryQuotaRepo
	postRep  *repository.MemoryPostRepo
	registry *prometheus.Registry
	logs     *lockedBuffer
}

func newHarness(t *testing.T, profile *model.CityProfile, adapter source.Adapter) *harness {
	t.Helper()
	logs := &lockedBuffer{}
	logger := newTestLogger(logs)
	reg := prometheus.NewRegistry()
	m := metrics.NewCollector(reg)

	h := &harness{
		dedupRep: repository.NewMemoryDedupRepo(),
		quotaRep: repository.NewMemoryQuotaRepo(),
		postRep:  repository.NewMemoryPostRepo(),
		registry: reg,
		logs:     logs,
	}
	var clients []dispatch.Client
	for _, p := range profile.Platforms {
		c := &mockClient{name: p}
		h.clients = append(h.clients, c)
		clients = append(clients, c)
	}

	h.runner = NewRunner(Deps{
		Adapters:   map[model.Category]source.Adapter{adapter.Category(): adapter},
		Filter:     relevance.NewFilter(profile),
		Dedup:      dedup.NewStore(profile, h.dedupRep, 0, logger),
		Quota:      quota.NewTracker(profile, h.quotaRep, logger),
		Composer:   compose.NewComposer(profile, nil, 0, m, logger),
		Dispatcher: dispatch.NewDispatcher(dispatch.Config{}, m, logger),
		Clients:    clients,
		Posts:      h.postRep,
		Metrics:    m,
		Logger:     logger,
	})
	h.runner.now = func() time.Time { return time.Date(2026, 10, 15, 18, 0, 0, 0, time.UTC) }
	return h
}

func staticAdapter(items ...model.RawItem) *mockAdapter {
	return &mockAdapter{
		category: model.CategoryEarthquake,
		fetchFunc: func(context.Context, *model.CityProfile) ([]model.RawItem, error) {
			return items, nil
		},
	}
}

// TestRunCycle_ReplayDoesNotDispatchTwice は同じバッチを再度処理しても二重投稿しないことを検証する。
func TestRunCycle_ReplayDoesNotDispatchTwice(t *testing.T) {
	profile := testProfile(t)
	h := newHarness(t, profile, staticAdapter(quakeItem("ci1", 4.2, 34.70867)))

	first := h.runner.RunCycle(context.Background(), profile, model.CategoryEarthquake)
	if first.Result != ResultOK || first.Posted != 1 {
		t.Fatalf("1回目: %+v", first)
	}
	if !first.AlertSeen {
		t.Error("30マイルのM4.2は警報として扱われるべき")
	}

	h.runner.now = func() time.Time { return time.Date(2026, 10, 15, 18, 10, 0, 0, time.UTC) }
	second := h.runner.RunCycle(context.Background(), profile, model.CategoryEarthquake)
	if second.Duplicates != 1 || second.Posted != 0 {
		t.Errorf("2回目: duplicates = %d, posted = %d", second.Duplicates, second.Posted)
	}

	for _, c := range h.clients {
		if c.calls.Load() != 1 {
			t.Errorf("%s: calls = %d, want 1", c.name, c.calls.Load())
		}
	}
	if h.dedupRep.Len() != 1 {
		t.Errorf("dedup records = %d, want 1", h.dedupRep.Len())
	}
}

func TestRunCycle_FetchFailureLeavesStateUnchanged(t *testing.T) {
	profile := testProfile(t)
	adapter := &mockAdapter{
		category: model.CategoryEarthquake,
		fetchFunc: func(context.Context, *model.CityProfile) ([]model.RawItem, error) {
			return nil, fmt.Errorf("%w: usgs returned HTTP 503", model.ErrSourceUnavailable)
		},
	}
	h := newHarness(t, profile, adapter)

	report := h.runner.RunCycle(context.Background(), profile, model.CategoryEarthquake)
	if report.Result != ResultFetchFailed {
		t.Errorf("Result = %s, want fetch_failed", report.Result)
	}
	if !errors.Is(report.Err, model.ErrSourceUnavailable) {
		t.Errorf("Err = %v", report.Err)
	}
	if h.dedupRep.Len() != 0 {
		t.Error("取得失敗時に重複排除ストアを変更してはならない")
	}
	if st, _ := h.quotaRep.FindLatest(context.Background(), "Ventura", model.CategoryEarthquake); st != nil {
		t.Errorf("取得失敗時にクォータを変更してはならない: %+v", st)
	}
	if !strings.Contains(h.logs.String(), "ソースの取得に失敗しました") {
		t.Errorf("取得失敗のログが出力されていない: %s", h.logs.String())
	}

	families, _ := h.registry.Gather()
	found := false
	for _, f := range families {
		if f.GetName() == "citybot_fetch_fail_total" {
			for _, m := range f.GetMetric() {
				for _, l := range m.GetLabel() {
					if l.GetName() == "reason" && l.GetValue() == "unavailable" {
						found = true
					}
				}
			}
		}
	}
	if !found {
		t.Error("citybot_fetch_fail_total{reason=unavailable} が記録されていない")
	}
}

func TestRunCycle_DedupStoreFailureAborts(t *testing.T) {
	profile := testProfile(t)
	h := newHarness(t, profile, staticAdapter(quakeItem("ci1", 4.2, 34.70867)))
	h.runner.deps.Dedup = failingDedup{}

	report := h.runner.RunCycle(context.Background(), profile, model.CategoryEarthquake)
	if report.Result != ResultAborted || !IsDedupFailure(report.Err) {
		t.Errorf("result = %s, err = %v", report.Result, report.Err)
	}
	for _, c := range h.clients {
		if c.calls.Load() != 0 {
			t.Errorf("%s: 重複排除ストア障害時は投稿しない", c.name)
		}
	}
	if st, _ := h.quotaRep.FindLatest(context.Background(), "Ventura", model.CategoryEarthquake); st != nil {
		t.Error("中断したサイクルはクォータを消費しない")
	}
}

func TestRunCycle_QuotaDeniesSecondNormalPost(t *testing.T) {
	profile := testProfile(t)
	// 約14マイル、M3.2は nearby（通常優先度）
	h := newHarness(t, profile, staticAdapter(
		quakeItem("ci1", 3.2, 34.4746),
		quakeItem("ci2", 3.3, 34.4846),
	))

	report := h.runner.RunCycle(context.Background(), profile, model.CategoryEarthquake)
	if report.Posted != 1 {
		t.Errorf("Posted = %d, want 1", report.Posted)
	}
	if report.Denied[string(quota.DenyDailyCapReached)] != 1 {
		t.Errorf("Denied = %v, want daily_cap_reached: 1", report.Denied)
	}
	if h.dedupRep.Len() != 1 {
		t.Errorf("拒否されたイベントは記録しない: dedup = %d", h.dedupRep.Len())
	}
}

// TestRunCycle_AlertOverrideAtCap は上限到達後も警報はオーバーライドで投稿されることを検証する。
func TestRunCycle_AlertOverrideAtCap(t *testing.T) {
	profile := testProfile(t)
	h := newHarness(t, profile, staticAdapter(
		quakeItem("ci1", 3.2, 34.4746),
		quakeItem("ci2", 4.2, 34.70867),
	))

	report := h.runner.RunCycle(context.Background(), profile, model.CategoryEarthquake)
	if report.Posted != 2 {
		t.Errorf("Posted = %d, want 2（警報はオーバーライド）", report.Posted)
	}
	st, _ := h.quotaRep.FindLatest(context.Background(), "Ventura", model.CategoryEarthquake)
	if st == nil || st.PostsToday != 2 {
		t.Errorf("PostsToday = %+v, want 2", st)
	}
}

func TestRunCycle_PermanentFailureStillRecorded(t *testing.T) {
	profile := testProfile(t)
	h := newHarness(t, profile, staticAdapter(quakeItem("ci1", 4.2, 34.70867)))
	h.clients[1].err = fmt.Errorf("%w: invalid app password", model.ErrPlatformAuth)

	report := h.runner.RunCycle(context.Background(), profile, model.CategoryEarthquake)
	if report.Posted != 1 {
		t.Errorf("Posted = %d, want 1", report.Posted)
	}
	if len(report.Operator) != 1 || report.Operator[0].Code != model.ErrCodePlatformAuth {
		t.Errorf("Operator = %v", report.Operator)
	}

	recs, err := h.postRep.ListRecent(context.Background(), "Ventura", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 3 {
		t.Fatalf("history = %d, want 3", len(recs))
	}
	codes := map[string]string{}
	for _, r := range recs {
		codes[r.Platform] = r.ErrorCode
		if r.Fingerprint == "" || r.ContentPreview == "" {
			t.Errorf("record = %+v", r)
		}
	}
	if codes["bluesky"] != model.ErrCodePlatformAuth || codes["twitter"] != "" {
		t.Errorf("codes = %v", codes)
	}
}

func TestRunCycle_RecoversPanic(t *testing.T) {
	profile := testProfile(t)
	adapter := &mockAdapter{
		category: model.CategoryEarthquake,
		fetchFunc: func(context.Context, *model.CityProfile) ([]model.RawItem, error) {
			panic("boom")
		},
	}
	h := newHarness(t, profile, adapter)

	report := h.runner.RunCycle(context.Background(), profile, model.CategoryEarthquake)
	if report.Result != ResultPanic || report.Error != "boom" {
		t.Errorf("report = %+v", report)
	}
	if last, ok := h.runner.LastReport(model.CategoryEarthquake); !ok || last.ID != report.ID {
		t.Error("パニックしたサイクルもレポートを保存するべき")
	}
	if !strings.Contains(h.logs.String(), "サイクル中にパニックが発生しました") {
		t.Error("パニックのログが出力されていない")
	}
}

func TestRunCycle_RejectionsCounted(t *testing.T) {
	profile := testProfile(t)
	// 約133マイル離れた地震は範囲外、M2.0は閾値未満
	far := quakeItem("far", 4.0, 33.0)
	far.Quake.Longitude = -117.5
	h := newHarness(t, profile, staticAdapter(far, quakeItem("small", 2.0, 34.3)))

	report := h.runner.RunCycle(context.Background(), profile, model.CategoryEarthquake)
	if report.Fetched != 2 || report.Accepted != 0 {
		t.Errorf("fetched = %d, accepted = %d", report.Fetched, report.Accepted)
	}
	if report.Rejected["out_of_area"] != 1 || report.Rejected["below_threshold"] != 1 {
		t.Errorf("Rejected = %v", report.Rejected)
	}
}

func TestNextInterval(t *testing.T) {
	cfg := model.CategoryConfig{UpdateFrequency: 5 * time.Minute, AlertFrequency: time.Minute}
	tests := []struct {
		name  string
		cfg   model.CategoryConfig
		alert bool
		want  time.Duration
	}{
		{"通常", cfg, false, 5 * time.Minute},
		{"警報あり", cfg, true, time.Minute},
		{"警報間隔未設定", model.CategoryConfig{UpdateFrequency: 5 * time.Minute}, true, 5 * time.Minute},
		{"未設定", model.CategoryConfig{}, false, time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NextInterval(tt.cfg, tt.alert); got != tt.want {
				t.Errorf("NextInterval() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	profile := testProfile(t)
	cycles := make(chan struct{}, 10)
	adapter := &mockAdapter{
		category: model.CategoryEarthquake,
		fetchFunc: func(context.Context, *model.CityProfile) ([]model.RawItem, error) {
			cycles <- struct{}{}
			return nil, nil
		},
	}
	h := newHarness(t, profile, adapter)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.runner.Run(ctx, profile) }()

	select {
	case <-cycles:
	case <-time.After(5 * time.Second):
		t.Fatal("起動直後にサイクルが実行されるべき")
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("キャンセル後にRunが終了しない")
	}
	if len(h.runner.Reports()) != 1 {
		t.Errorf("Reports() = %d, want 1", len(h.runner.Reports()))
	}
}

func TestRun_NoEnabledCategories(t *testing.T) {
	profile := testProfile(t)
	profile.Earthquake.Enabled = false
	h := newHarness(t, profile, staticAdapter())

	if err := h.runner.Run(context.Background(), profile); err == nil {
		t.Error("有効なカテゴリがない場合はエラーを返すべき")
	}
}

func TestRunCycle_CancelAfterPostStillRecords(t *testing.T) {
	profile := testProfile(t)
	profile.Platforms = []string{"bluesky"}

	dsn := database.SQLiteDSN(filepath.Join(t.TempDir(), "citybot.db"))
	if err := database.RunMigrations(database.DriverSQLite, dsn); err != nil {
		t.Fatalf("RunMigrations() error = %v", err)
	}
	db, err := database.Open(database.DriverSQLite, dsn)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	store := repository.NewSQLStore(db, repository.DialectSQLite)
	defer store.Close()

	logs := &lockedBuffer{}
	logger := newTestLogger(logs)
	m := metrics.NewCollector(prometheus.NewRegistry())
	dedupStore := dedup.NewStore(profile, store.Dedup, 0, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client := &cancellingClient{name: "bluesky", cancel: cancel}

	item := quakeItem("ci9", 4.2, 34.70867)
	runner := NewRunner(Deps{
		Adapters:   map[model.Category]source.Adapter{model.CategoryEarthquake: staticAdapter(item)},
		Filter:     relevance.NewFilter(profile),
		Dedup:      dedupStore,
		Quota:      quota.NewTracker(profile, store.Quota, logger),
		Composer:   compose.NewComposer(profile, nil, 0, m, logger),
		Dispatcher: dispatch.NewDispatcher(dispatch.Config{}, m, logger),
		Clients:    []dispatch.Client{client},
		Posts:      store.Posts,
		Metrics:    m,
		Logger:     logger,
	})

	report := runner.RunCycle(ctx, profile, model.CategoryEarthquake)
	if client.calls.Load() != 1 || report.Posted != 1 {
		t.Fatalf("calls = %d, report = %+v", client.calls.Load(), report)
	}
	if report.Result != ResultOK {
		t.Errorf("Result = %s, error = %q, bookkeeping should survive the cancel", report.Result, report.Error)
	}

	fp := item.Fingerprint()
	seen, err := dedupStore.Seen(context.Background(), model.CategoryEarthquake, fp)
	if err != nil || !seen {
		t.Errorf("posted event should be recorded for dedup: seen = %v, err = %v", seen, err)
	}
	history, err := store.Posts.ListRecent(context.Background(), "Ventura", 10)
	if err != nil || len(history) != 1 {
		t.Errorf("history = %d records, err = %v", len(history), err)
	}
}
