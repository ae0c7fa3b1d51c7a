// Package compose はイベントからプラットフォームに配信する投稿を組み立てる。
//
// 本文は対象プラットフォーム中で最も厳しい文字数上限に収め、
// 地図画像の生成に失敗した場合はテキストのみの投稿に切り替える。
package compose

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/citybot/internal/maprender"
	"github.com/hitoshi/citybot/internal/metrics"
	"github.com/hitoshi/citybot/internal/model"
)

// DefaultRenderTimeout は地図画像生成のタイムアウトの既定値。
const DefaultRenderTimeout = 20 * time.Second

// defaultAreaZoom は気象・ニュースの地図のズームレベルの既定値。
const defaultAreaZoom = 11

// Composer は1都市分の投稿を組み立てる。
type Composer struct {
	profile       *model.CityProfile
	renderer      maprender.Renderer
	renderTimeout time.Duration
	metrics       metrics.MetricsCollector
	logger        *slog.Logger
	now           func() time.Time
}

// NewComposer はComposerの新しいインスタンスを生成する。
// rendererがnilの場合は常にテキストのみの投稿になる。
func NewComposer(profile *model.CityProfile, renderer maprender.Renderer, renderTimeout time.Duration, m metrics.MetricsCollector, logger *slog.Logger) *Composer {
	if renderTimeout <= 0 {
		renderTimeout = DefaultRenderTimeout
	}
	return &Composer{
		profile:       profile,
		renderer:      renderer,
		renderTimeout: renderTimeout,
		metrics:       m,
		logger:        logger,
		now:           time.Now,
	}
}

// draft はカテゴリ別テンプレートの出力。
type draft struct {
	body  string
	link  string
	title string
	// mapAt は地図の中心座標。nilの場合は地図を添付しない。
	mapAt   *[2]float64
	mapZoom int
	mapAlt  string
}

// Compose はイベントから投稿を組み立てる。
// 本文が上限を超える場合は切り詰め、ハッシュタグだけで上限を超える場合はハッシュタグを省く。
func (c *Composer) Compose(ctx context.Context, event model.Event) (model.ComposedPost, error) {
	var d draft
	switch p := event.Payload.(type) {
	case *model.WeatherPayload:
		d = c.weatherDraft(p)
	case *model.QuakePayload:
		d = c.quakeDraft(p)
	case *model.NewsPayload:
		d = c.newsDraft(p)
	default:
		return model.ComposedPost{}, fmt.Errorf("unsupported payload type %T", event.Payload)
	}

	limit := model.StrictestTextLimit(c.profile.Platforms)
	tags := c.Hashtags(event.Category)
	text, usedTags := fit(d.body, d.link, tags, limit)

	post := model.ComposedPost{
		ID:          uuid.New().String(),
		City:        c.profile.Name,
		Fingerprint: event.Fingerprint,
		Category:    event.Category,
		Priority:    event.Priority,
		Text:        text,
		Hashtags:    usedTags,
		Link:        d.link,
		Title:       d.title,
		TextLimit:   limit,
		ComposedAt:  c.now().UTC(),
	}

	cfg := c.profile.Category(event.Category)
	if cfg.IncludeMap && d.mapAt != nil && c.renderer != nil {
		zoom := d.mapZoom
		if cfg.MapZoom > 0 {
			zoom = cfg.MapZoom
		}
		post.Image = c.renderMap(ctx, event, d.mapAt[0], d.mapAt[1], zoom, d.mapAlt)
	}

	return post, nil
}

// renderMap は地図画像を生成する。失敗した場合はnilを返し、投稿はテキストのみになる。
func (c *Composer) renderMap(ctx context.Context, event model.Event, lat, lon float64, zoom int, alt string) *model.ImageRef {
	rctx, cancel := context.WithTimeout(ctx, c.renderTimeout)
	defer cancel()

	ref, err := c.renderer.Render(rctx, lat, lon, zoom)
	if err != nil {
		if !errors.Is(err, model.ErrRenderUnavailable) {
			err = fmt.Errorf("%w: %w", model.ErrRenderUnavailable, err)
		}
		c.metrics.RecordMapRenderFailure()
		c.logger.Warn("地図画像の生成に失敗したためテキストのみで投稿します",
			slog.String("city", c.profile.Name),
			slog.String("category", string(event.Category)),
			slog.String("fingerprint", event.Fingerprint),
			slog.String("error", err.Error()),
		)
		return nil
	}
	ref.AltText = alt
	return &ref
}

// Hashtags はカテゴリのハッシュタグを優先順に返す。
// 生成タグ（{都市}{カテゴリ}, {都市}{州}）、カテゴリ別タグ、共通タグの順に並べる。
func (c *Composer) Hashtags(category model.Category) []string {
	city := Hashtag(c.profile.Name)
	tags := []string{city + Hashtag(categoryLabel(category))}
	if c.profile.State != "" {
		tags = append(tags, city+strings.ToUpper(Hashtag(c.profile.State)))
	}
	tags = append(tags, c.profile.Category(category).Hashtags...)
	tags = append(tags, c.profile.Hashtags...)
	return dedupeTags(tags)
}

func categoryLabel(c model.Category) string {
	switch c {
	case model.CategoryWeather:
		return "weather"
	case model.CategoryEarthquake:
		return "earthquake"
	}
	return "news"
}

// fit は本文・リンク・ハッシュタグをlimit文字以内に収める。limitが0の場合は切り詰めない。
// 優先度はリンク、本文、ハッシュタグの順で、本文は末尾を…で切り詰める。
func fit(body, link string, tags []string, limit int) (string, []string) {
	body = strings.TrimSpace(body)
	linkPart := ""
	if link != "" {
		linkPart = "\n" + link
	}
	tagPart := ""
	if len(tags) > 0 {
		tagPart = "\n\n" + joinTags(tags)
	}

	full := body + linkPart + tagPart
	if limit <= 0 || runeLen(full) <= limit {
		return truncate(full, runeLen(full)), tags
	}

	// 本文を最低限残せない場合はハッシュタグを省く
	const minBody = 20
	if runeLen(linkPart+tagPart)+minBody > limit {
		tagPart = ""
		tags = nil
	}
	if runeLen(linkPart)+minBody > limit {
		linkPart = ""
	}

	room := limit - runeLen(linkPart+tagPart)
	return truncate(body, room) + linkPart + tagPart, tags
}

func (c *Composer) weatherDraft(p *model.WeatherPayload) draft {
	loc := c.profile.Timezone()

	var b strings.Builder
	fmt.Fprintf(&b, "⚠️ %s for %s", p.Event, c.cityLabel())
	if p.Headline != "" {
		b.WriteString("\n\n" + p.Headline)
	}
	if p.AreaDesc != "" {
		b.WriteString("\n📍 " + p.AreaDesc)
	}
	if !p.Expires.IsZero() {
		fmt.Fprintf(&b, "\n⏰ Until %s", p.Expires.In(loc).Format("Mon Jan 2 3:04 PM MST"))
	}
	if p.Description != "" {
		b.WriteString("\n\n" + p.Description)
	}

	return draft{
		body:    b.String(),
		title:   fmt.Sprintf("%s for %s", p.Event, c.cityLabel()),
		mapAt:   &[2]float64{c.profile.Latitude, c.profile.Longitude},
		mapZoom: defaultAreaZoom,
		mapAlt:  fmt.Sprintf("Map of %s", c.cityLabel()),
	}
}

func (c *Composer) quakeDraft(p *model.QuakePayload) draft {
	var b strings.Builder
	fmt.Fprintf(&b, "%s M%.1f earthquake %.0f mi from %s", magnitudeMarker(p.Magnitude), p.Magnitude, p.DistanceMiles, c.profile.Name)
	if p.Place != "" {
		b.WriteString("\n\n📍 " + p.Place)
	}
	fmt.Fprintf(&b, "\nDepth: %.1f km", p.DepthKm)
	if line := significanceLine(p.Level); line != "" {
		b.WriteString("\n" + line)
	}

	return draft{
		body:    b.String(),
		link:    p.DetailURL,
		title:   fmt.Sprintf("M%.1f Earthquake near %s", p.Magnitude, c.cityLabel()),
		mapAt:   &[2]float64{p.Latitude, p.Longitude},
		mapZoom: QuakeZoom(p.DistanceMiles),
		mapAlt:  fmt.Sprintf("Map of M%.1f earthquake epicenter %.0f miles from %s", p.Magnitude, p.DistanceMiles, c.profile.Name),
	}
}

func (c *Composer) newsDraft(p *model.NewsPayload) draft {
	body := "📰 " + p.Title
	if p.Summary != "" {
		body += "\n\n" + p.Summary
	}
	if p.FeedName != "" {
		body += "\n\nSource: " + p.FeedName
	}

	d := draft{body: body, link: p.URL, title: p.Title}
	if p.AreaLabel != "" {
		d.mapAt = &[2]float64{c.profile.Latitude, c.profile.Longitude}
		d.mapZoom = defaultAreaZoom
		d.mapAlt = fmt.Sprintf("Map of %s, %s", p.AreaLabel, c.profile.Name)
	}
	return d
}

func (c *Composer) cityLabel() string {
	if c.profile.State == "" {
		return c.profile.Name
	}
	return c.profile.Name + ", " + c.profile.State
}

// QuakeZoom は震央までの距離から地図のズームレベルを決める。
func QuakeZoom(distanceMiles float64) int {
	switch {
	case distanceMiles <= 25:
		return 10
	case distanceMiles <= 50:
		return 9
	case distanceMiles <= 100:
		return 8
	default:
		return 7
	}
}

func magnitudeMarker(m float64) string {
	switch {
	case m >= 5.0:
		return "🔴"
	case m >= 4.0:
		return "🟡"
	default:
		return "🟢"
	}
}

func significanceLine(level model.SignificanceLevel) string {
	switch level {
	case model.SignificanceMajor:
		return "Major earthquake. Check on neighbors and expect aftershocks."
	case model.SignificanceRegional:
		return "Felt regionally. Expect possible aftershocks."
	case model.SignificanceNearby:
		return "Nearby quake. Light shaking possible."
	}
	return ""
}
