// Package maprender は投稿に添付する地図画像を生成し、ディスクにキャッシュする。
package maprender

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/hitoshi/citybot/internal/model"
)

// Renderer は座標とズームレベルから地図画像を生成するインターフェース。
// エラーはmodel.ErrRenderUnavailableをラップする。
type Renderer interface {
	Render(ctx context.Context, lat, lon float64, zoom int) (model.ImageRef, error)
}

// ImageSource は地図画像のバイト列を取得するインターフェース。Cacheの下位層として使う。
type ImageSource interface {
	Fetch(ctx context.Context, lat, lon float64, zoom int) ([]byte, error)
}

// DefaultMaxImageSize は取得する地図画像の最大サイズ（5MB）。
const DefaultMaxImageSize = 5 * 1024 * 1024

// StaticMapSource は静的地図APIのURLテンプレートから画像を取得する。
// テンプレートには {lat} {lon} {zoom} のプレースホルダを含める。
type StaticMapSource struct {
	client      *http.Client
	urlTemplate string
	userAgent   string
	maxSize     int64
}

// NewStaticMapSource はStaticMapSourceの新しいインスタンスを生成する。
func NewStaticMapSource(client *http.Client, urlTemplate, userAgent string) *StaticMapSource {
	return &StaticMapSource{
		client:      client,
		urlTemplate: urlTemplate,
		userAgent:   userAgent,
		maxSize:     DefaultMaxImageSize,
	}
}

// URL はテンプレートに座標を埋め込んだURLを返す。
func (s *StaticMapSource) URL(lat, lon float64, zoom int) string {
	return strings.NewReplacer(
		"{lat}", strconv.FormatFloat(lat, 'f', -1, 64),
		"{lon}", strconv.FormatFloat(lon, 'f', -1, 64),
		"{zoom}", strconv.Itoa(zoom),
	).Replace(s.urlTemplate)
}

// Fetch は地図画像を取得する。画像以外のレスポンスはエラーとする。
func (s *StaticMapSource) Fetch(ctx context.Context, lat, lon float64, zoom int) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL(lat, lon, zoom), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: create request: %w", model.ErrRenderUnavailable, err)
	}
	if s.userAgent != "" {
		req.Header.Set("User-Agent", s.userAgent)
	}
	req.Header.Set("Accept", "image/png,image/*")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrRenderUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: map server returned HTTP %d", model.ErrRenderUnavailable, resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "image/") {
		return nil, fmt.Errorf("%w: unexpected content type %q", model.ErrRenderUnavailable, ct)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, s.maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %w", model.ErrRenderUnavailable, err)
	}
	if int64(len(body)) > s.maxSize {
		return nil, fmt.Errorf("%w: image exceeds %d bytes", model.ErrRenderUnavailable, s.maxSize)
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: empty image", model.ErrRenderUnavailable)
	}
	return body, nil
}
