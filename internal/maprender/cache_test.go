package maprender

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitoshi/citybot/internal/model"
)

// mockImageSource はImageSourceのテスト用モック。
type mockImageSource struct {
	fetchFunc func(ctx context.Context, lat, lon float64, zoom int) ([]byte, error)
}

func (m *mockImageSource) Fetch(ctx context.Context, lat, lon float64, zoom int) ([]byte, error) {
	if m.fetchFunc != nil {
		return m.fetchFunc(ctx, lat, lon, zoom)
	}
	return []byte("png"), nil
}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

func TestCache_KeyRounding(t *testing.T) {
	var buf bytes.Buffer
	c, err := NewCache(t.TempDir(), &mockImageSource{}, 3, newTestLogger(&buf))
	if err != nil {
		t.Fatalf("NewCache returned error: %v", err)
	}

	a := c.Key(34.27461, -119.22904, 10)
	b := c.Key(34.27459, -119.22896, 10)
	if a != b {
		t.Errorf("丸め後に同じキーになるべき: %s != %s", a, b)
	}
	if a != "34p275_m119p229_z10" {
		t.Errorf("Key = %s, want 34p275_m119p229_z10", a)
	}
	if c.Key(34.27461, -119.22904, 9) == a {
		t.Error("ズームが異なれば別のキーになるべき")
	}
}

// TestCache_ConcurrentRenderFetchesOnce は同じキーへの同時要求で取得が1回だけ行われることを検証する。
func TestCache_ConcurrentRenderFetchesOnce(t *testing.T) {
	var buf bytes.Buffer
	var calls atomic.Int32
	release := make(chan struct{})
	src := &mockImageSource{
		fetchFunc: func(context.Context, float64, float64, int) ([]byte, error) {
			calls.Add(1)
			<-release
			return []byte("png"), nil
		},
	}
	c, _ := NewCache(t.TempDir(), src, 3, newTestLogger(&buf))

	var wg sync.WaitGroup
	paths := make([]string, 8)
	for i := range paths {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ref, err := c.Render(context.Background(), 34.2746, -119.2290, 10)
			if err != nil {
				t.Errorf("Render returned error: %v", err)
				return
			}
			paths[i] = ref.Path
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if calls.Load() != 1 {
		t.Errorf("取得回数 = %d, want 1", calls.Load())
	}
	for _, p := range paths {
		if p != paths[0] {
			t.Errorf("同じパスが返るべき: %s != %s", p, paths[0])
		}
	}
}

func TestCache_ReusesFileOnDisk(t *testing.T) {
	var buf bytes.Buffer
	var calls atomic.Int32
	src := &mockImageSource{
		fetchFunc: func(context.Context, float64, float64, int) ([]byte, error) {
			calls.Add(1)
			return []byte("png-bytes"), nil
		},
	}
	c, _ := NewCache(t.TempDir(), src, 3, newTestLogger(&buf))
	ctx := context.Background()

	ref, err := c.Render(ctx, 34.2746, -119.2290, 9)
	if err != nil {
		t.Fatalf("Render returned error: %v", err)
	}
	data, err := os.ReadFile(ref.Path)
	if err != nil || string(data) != "png-bytes" {
		t.Fatalf("保存された画像が不正: %q, %v", data, err)
	}

	if _, err := c.Render(ctx, 34.2746, -119.2290, 9); err != nil {
		t.Fatalf("Render returned error: %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("2回目はキャッシュを使うべき: 取得回数 = %d", calls.Load())
	}
}

func TestCache_FailureWrapsRenderUnavailable(t *testing.T) {
	var buf bytes.Buffer
	src := &mockImageSource{
		fetchFunc: func(context.Context, float64, float64, int) ([]byte, error) {
			return nil, errors.New("dial tcp: i/o timeout")
		},
	}
	c, _ := NewCache(t.TempDir(), src, 3, newTestLogger(&buf))

	_, err := c.Render(context.Background(), 34.2746, -119.2290, 10)
	if !errors.Is(err, model.ErrRenderUnavailable) {
		t.Errorf("error = %v, want ErrRenderUnavailable", err)
	}
}

func TestCache_Prune(t *testing.T) {
	var buf bytes.Buffer
	dir := t.TempDir()
	c, _ := NewCache(dir, &mockImageSource{}, 3, newTestLogger(&buf))
	now := time.Now()

	oldPath := filepath.Join(dir, "map_old.png")
	newPath := filepath.Join(dir, "map_new.png")
	other := filepath.Join(dir, "keep.txt")
	for _, p := range []string{oldPath, newPath, other} {
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	old := now.Add(-10 * 24 * time.Hour)
	_ = os.Chtimes(oldPath, old, old)
	_ = os.Chtimes(other, old, old)

	removed, err := c.Prune(now, 7*24*time.Hour)
	if err != nil {
		t.Fatalf("Prune returned error: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if _, err := os.Stat(oldPath); !os.IsNotExist(err) {
		t.Error("古い地図画像が削除されていない")
	}
	if _, err := os.Stat(newPath); err != nil {
		t.Error("新しい地図画像が削除された")
	}
	if _, err := os.Stat(other); err != nil {
		t.Error("地図画像以外のファイルが削除された")
	}
}

func TestStaticMapSource_Fetch(t *testing.T) {
	var gotPath string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.RawQuery
		if r.URL.Query().Get("zoom") == "0" {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("\x89PNG"))
	}))
	defer ts.Close()

	src := NewStaticMapSource(ts.Client(), ts.URL+"/map?center={lat},{lon}&zoom={zoom}", "citybot-test")

	data, err := src.Fetch(context.Background(), 34.2746, -119.229, 10)
	if err != nil {
		t.Fatalf("Fetch returned error: %v", err)
	}
	if string(data) != "\x89PNG" {
		t.Errorf("data = %q", data)
	}
	if gotPath != "center=34.2746,-119.229&zoom=10" {
		t.Errorf("query = %s", gotPath)
	}

	if _, err := src.Fetch(context.Background(), 34.2746, -119.229, 0); !errors.Is(err, model.ErrRenderUnavailable) {
		t.Errorf("error = %v, want ErrRenderUnavailable", err)
	}
}
