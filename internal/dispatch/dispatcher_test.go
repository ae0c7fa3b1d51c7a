package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/citybot/internal/model"
)

// mockClient はClientのテスト用モック。
type mockClient struct {
	name     string
	postFunc func(ctx context.Context, content model.PostContent) error

	mu    sync.Mutex
	calls int
}

func (m *mockClient) Name() string { return m.name }

func (m *mockClient) Post(ctx context.Context, content model.PostContent) error {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.postFunc != nil {
		return m.postFunc(ctx, content)
	}
	return nil
}

func (m *mockClient) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// mockMetrics はmetrics.MetricsCollectorのテスト用モック。
type mockMetrics struct {
	mu    sync.Mutex
	posts map[string]int
}

func (m *mockMetrics) RecordCycle(string, string) {}
func (m *mockMetrics) RecordFetchFailure(string, string) {}
func (m *mockMetrics) RecordFetchLatency(string, time.Duration) {}
func (m *mockMetrics) RecordHTTPStatus(string, int) {}
func (m *mockMetrics) RecordRejection(string, string) {}
func (m *mockMetrics) RecordDuplicate(string) {}
func (m *mockMetrics) RecordQuotaDenied(string, string) {}
func (m *mockMetrics) RecordMapRenderFailure() {}

func (m *mockMetrics) RecordPost(platform, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.posts == nil {
		m.posts = make(map[string]int)
	}
	m.posts[platform+"/"+outcome]++
}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(&lockedWriter{w: buf}, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

// lockedWriter は並行する配信ゴルーチンからのログ書き込みを直列化する。
type lockedWriter struct {
	mu sync.Mutex
	w  *bytes.Buffer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

// newTestDispatcher は待機しないDispatcherを生成し、待機時間を記録する。
func newTestDispatcher(cfg Config, m *mockMetrics, buf *bytes.Buffer) (*Dispatcher, *[]time.Duration) {
	d := NewDispatcher(cfg, m, newTestLogger(buf))
	var mu sync.Mutex
	waits := []time.Duration{}
	d.sleep = func(ctx context.Context, dur time.Duration) error {
		mu.Lock()
		waits = append(waits, dur)
		mu.Unlock()
		return ctx.Err()
	}
	return d, &waits
}

func testPost() model.ComposedPost {
	return model.ComposedPost{
		ID:       "post-1",
		City:     "Ventura",
		Category: model.CategoryEarthquake,
		Text:     "🟡 M4.2 earthquake 30 mi from Ventura",
	}
}

// TestDispatch_OnePermanentFailure は1つのプラットフォームが恒久的に失敗しても他は成功することを検証する。
func TestDispatch_OnePermanentFailure(t *testing.T) {
	var buf bytes.Buffer
	m := &mockMetrics{}
	d, _ := newTestDispatcher(Config{}, m, &buf)

	twitter := &mockClient{name: "twitter"}
	bluesky := &mockClient{name: "bluesky", postFunc: func(context.Context, model.PostContent) error {
		return fmt.Errorf("%w: invalid app password", model.ErrPlatformAuth)
	}}
	facebook := &mockClient{name: "facebook"}

	results := d.Dispatch(context.Background(), testPost(), []Client{twitter, bluesky, facebook})

	if len(results) != 3 {
		t.Fatalf("len(results) = %d, want 3", len(results))
	}
	if Succeeded(results) != 2 {
		t.Errorf("成功数 = %d, want 2", Succeeded(results))
	}
	for i, want := range []string{"twitter", "bluesky", "facebook"} {
		if results[i].Platform != want {
			t.Errorf("results[%d].Platform = %s, want %s（入力順を維持するべき）", i, results[i].Platform, want)
		}
	}

	bs := results[1]
	if bs.Outcome != model.OutcomePermanentFailure {
		t.Errorf("Outcome = %s, want permanent_failure", bs.Outcome)
	}
	if bs.Attempts != 1 || bluesky.Calls() != 1 {
		t.Errorf("恒久的な失敗は再試行しないべき: attempts=%d calls=%d", bs.Attempts, bluesky.Calls())
	}
	if bs.Operator == nil || bs.Operator.Code != model.ErrCodePlatformAuth {
		t.Errorf("Operator = %+v, want PLATFORM_AUTH", bs.Operator)
	}
	if !Delivered(results) {
		t.Error("Deliveredはtrueであるべき")
	}
	if m.posts["twitter/success"] != 1 || m.posts["bluesky/permanent_failure"] != 1 {
		t.Errorf("メトリクスが記録されていない: %v", m.posts)
	}
	if !bytes.Contains(buf.Bytes(), []byte("認証情報の更新が必要")) {
		t.Errorf("認証エラーのログが出力されていない: %s", buf.String())
	}
}

func TestDispatch_RetriesTransientThenSucceeds(t *testing.T) {
	var buf bytes.Buffer
	d, waits := newTestDispatcher(Config{}, &mockMetrics{}, &buf)

	n := 0
	c := &mockClient{name: "twitter", postFunc: func(context.Context, model.PostContent) error {
		n++
		if n < 3 {
			return fmt.Errorf("%w: HTTP 503", model.ErrPlatformTransient)
		}
		return nil
	}}

	results := d.Dispatch(context.Background(), testPost(), []Client{c})
	if results[0].Outcome != model.OutcomeSuccess {
		t.Fatalf("Outcome = %s, want success", results[0].Outcome)
	}
	if results[0].Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", results[0].Attempts)
	}
	if len(*waits) != 2 || (*waits)[0] != 2*time.Second || (*waits)[1] != 4*time.Second {
		t.Errorf("waits = %v, want [2s 4s]", *waits)
	}
}

func TestDispatch_ExhaustedRetries(t *testing.T) {
	var buf bytes.Buffer
	d, _ := newTestDispatcher(Config{MaxAttempts: 3}, &mockMetrics{}, &buf)

	c := &mockClient{name: "reddit", postFunc: func(context.Context, model.PostContent) error {
		return fmt.Errorf("%w: HTTP 429", model.ErrPlatformRateLimited)
	}}

	results := d.Dispatch(context.Background(), testPost(), []Client{c})
	r := results[0]
	if r.Outcome != model.OutcomeRetryableFailure {
		t.Errorf("Outcome = %s, want retryable_failure", r.Outcome)
	}
	if r.Attempts != 3 || c.Calls() != 3 {
		t.Errorf("attempts = %d, calls = %d, want 3", r.Attempts, c.Calls())
	}
	if r.Operator == nil || r.Operator.Code != model.ErrCodePlatformUnavailable {
		t.Errorf("Operator = %+v, want PLATFORM_UNAVAILABLE", r.Operator)
	}
	if !errors.Is(r.Err, model.ErrPlatformRateLimited) {
		t.Errorf("Err = %v, want ErrPlatformRateLimited", r.Err)
	}
}

func TestDispatch_ContentRejected(t *testing.T) {
	var buf bytes.Buffer
	d, _ := newTestDispatcher(Config{}, &mockMetrics{}, &buf)

	c := &mockClient{name: "linkedin", postFunc: func(context.Context, model.PostContent) error {
		return fmt.Errorf("%w: duplicate content", model.ErrContentRejected)
	}}

	r := d.Dispatch(context.Background(), testPost(), []Client{c})[0]
	if r.Outcome != model.OutcomePermanentFailure || r.Operator.Code != model.ErrCodeContentRejected {
		t.Errorf("result = %+v", r)
	}
}

func TestDispatch_CancelledContextStopsRetry(t *testing.T) {
	var buf bytes.Buffer
	d, _ := newTestDispatcher(Config{MaxAttempts: 5}, &mockMetrics{}, &buf)
	ctx, cancel := context.WithCancel(context.Background())

	c := &mockClient{name: "twitter", postFunc: func(context.Context, model.PostContent) error {
		cancel()
		return fmt.Errorf("%w: connection reset", model.ErrPlatformTransient)
	}}

	r := d.Dispatch(ctx, testPost(), []Client{c})[0]
	if c.Calls() != 1 {
		t.Errorf("キャンセル後は再試行しないべき: calls = %d", c.Calls())
	}
	if r.Outcome != model.OutcomeRetryableFailure {
		t.Errorf("Outcome = %s, want retryable_failure", r.Outcome)
	}
}

func TestDispatch_AttemptTimeout(t *testing.T) {
	var buf bytes.Buffer
	d, _ := newTestDispatcher(Config{MaxAttempts: 1, AttemptTimeout: 20 * time.Millisecond}, &mockMetrics{}, &buf)

	c := &mockClient{name: "bluesky", postFunc: func(ctx context.Context, _ model.PostContent) error {
		<-ctx.Done()
		return ctx.Err()
	}}

	r := d.Dispatch(context.Background(), testPost(), []Client{c})[0]
	if r.Outcome != model.OutcomeRetryableFailure {
		t.Errorf("タイムアウトは再試行可能な失敗: %s", r.Outcome)
	}
	if !errors.Is(r.Err, context.DeadlineExceeded) {
		t.Errorf("Err = %v, want DeadlineExceeded", r.Err)
	}
}

func TestDispatch_RateLimiterExhaustedBeforeAttempt(t *testing.T) {
	var buf bytes.Buffer
	d, _ := newTestDispatcher(Config{PostsPerHour: map[string]int{"twitter": 1}}, &mockMetrics{}, &buf)
	c := &mockClient{name: "twitter"}

	if r := d.Dispatch(context.Background(), testPost(), []Client{c})[0]; r.Outcome != model.OutcomeSuccess {
		t.Fatalf("1件目は成功するべき: %+v", r)
	}

	// 2件目はトークン補充まで1時間待つ必要があるため、期限付きコンテキストでは試行されない
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	r := d.Dispatch(ctx, testPost(), []Client{c})[0]
	if r.Attempts != 0 || c.Calls() != 1 {
		t.Errorf("レート制限で試行されないべき: attempts=%d calls=%d", r.Attempts, c.Calls())
	}
	if Delivered([]model.PlatformResult{r}) {
		t.Error("試行していない結果はDeliveredにならない")
	}
}

func TestDispatch_RateLimiterWaitIsBounded(t *testing.T) {
	var buf bytes.Buffer
	d := NewDispatcher(Config{
		PostsPerHour:   map[string]int{"twitter": 1},
		AttemptTimeout: 100 * time.Millisecond,
	}, &mockMetrics{}, newTestLogger(&buf))
	c := &mockClient{name: "twitter"}

	if r := d.Dispatch(context.Background(), testPost(), []Client{c})[0]; r.Outcome != model.OutcomeSuccess {
		t.Fatalf("1件目は成功するべき: %+v", r)
	}

	// 期限のないコンテキストでも次の枠まで1時間待たずに戻る
	done := make(chan model.PlatformResult, 1)
	go func() { done <- d.Dispatch(context.Background(), testPost(), []Client{c})[0] }()

	var r model.PlatformResult
	select {
	case r = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Dispatch blocked on the rate limiter")
	}
	if r.Outcome != model.OutcomeRetryableFailure || r.Attempts != 0 || c.Calls() != 1 {
		t.Errorf("result = %+v, calls = %d", r, c.Calls())
	}
	if !errors.Is(r.Err, model.ErrPlatformRateLimited) {
		t.Errorf("Err = %v, want ErrPlatformRateLimited", r.Err)
	}
	if !strings.Contains(buf.String(), "投稿レートの上限") {
		t.Errorf("rate limit skip should be logged: %s", buf.String())
	}
}

func TestDispatch_RateLimiterShortWaitProceeds(t *testing.T) {
	var buf bytes.Buffer
	d, waits := newTestDispatcher(Config{MaxRateWait: 2 * time.Minute}, &mockMetrics{}, &buf)
	d.limiters["bluesky"] = rate.NewLimiter(rate.Every(time.Minute), 1)
	c := &mockClient{name: "bluesky"}

	for i := 0; i < 2; i++ {
		if r := d.Dispatch(context.Background(), testPost(), []Client{c})[0]; r.Outcome != model.OutcomeSuccess {
			t.Fatalf("dispatch %d: %+v", i, r)
		}
	}
	if c.Calls() != 2 {
		t.Errorf("calls = %d, want 2", c.Calls())
	}
	// 2件目は次の枠まで待機してから投稿する
	if len(*waits) != 1 || (*waits)[0] <= 0 || (*waits)[0] > 2*time.Minute {
		t.Errorf("waits = %v, want one short wait", *waits)
	}
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second},
		{10, 30 * time.Second},
	}
	for _, tt := range tests {
		if got := Backoff(2*time.Second, 30*time.Second, tt.attempt); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestIsPermanent(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{fmt.Errorf("x: %w", model.ErrPlatformAuth), true},
		{fmt.Errorf("x: %w", model.ErrContentRejected), true},
		{fmt.Errorf("x: %w", model.ErrPlatformRateLimited), false},
		{fmt.Errorf("x: %w", model.ErrPlatformTransient), false},
		{context.DeadlineExceeded, false},
		{errors.New("unknown"), false},
	}
	for _, tt := range tests {
		if got := IsPermanent(tt.err); got != tt.want {
			t.Errorf("IsPermanent(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
