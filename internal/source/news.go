package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/hitoshi/citybot/internal/model"
)

// URLValidator はSSRF検証のインターフェース。security.SSRFGuardServiceが実装する。
type URLValidator interface {
	ValidateURL(rawURL string) error
}

// Sanitizer はフィード由来HTMLのテキスト化インターフェース。security.ContentSanitizerServiceが実装する。
type Sanitizer interface {
	PlainText(rawHTML string) string
}

// rssSourceID はニュース記事のソースID。
// 同じ記事を複数のフィードが配信しても同一のフィンガープリントになるよう、フィード名は含めない。
const rssSourceID = "rss"

// validators は条件付きGETに使う検証子。
type validators struct {
	etag         string
	lastModified string
}

// NewsAdapter は設定された全てのRSS/Atomフィードから記事を取得する。
type NewsAdapter struct {
	http      *httpSource
	validator URLValidator
	sanitizer Sanitizer
	logger    *slog.Logger

	mu    sync.Mutex
	cache map[string]validators
}

// NewNewsAdapter はNewsAdapterを生成する。validatorがnilの場合はURL検証を行わない。
func NewNewsAdapter(opts Options, validator URLValidator, sanitizer Sanitizer) *NewsAdapter {
	return &NewsAdapter{
		http:      newHTTPSource(rssSourceID, opts),
		validator: validator,
		sanitizer: sanitizer,
		logger:    loggerOrDefault(opts.Logger),
		cache:     make(map[string]validators),
	}
}

func (a *NewsAdapter) Category() model.Category { return model.CategoryNews }

// Fetch は全フィードを順に取得する。
// 一部のフィードが失敗しても残りの結果を返し、全てのフィードが失敗した場合のみエラーを返す。
func (a *NewsAdapter) Fetch(ctx context.Context, profile *model.CityProfile) ([]model.RawItem, error) {
	feeds := profile.News.Feeds
	if len(feeds) == 0 {
		return nil, nil
	}

	var items []model.RawItem
	var errs []error
	for _, feed := range feeds {
		got, err := a.fetchFeed(ctx, profile, feed)
		if err != nil {
			a.logger.Warn("フィードの取得に失敗しました",
				slog.String("city", profile.Name),
				slog.String("feed", feed.Name),
				slog.String("feed_url", feed.URL),
				slog.String("error", err.Error()),
			)
			errs = append(errs, err)
			continue
		}
		items = append(items, got...)
	}

	if len(errs) == len(feeds) {
		return nil, fmt.Errorf("%w: all %d feeds failed: %w", model.ErrSourceUnavailable, len(feeds), errors.Join(errs...))
	}
	return items, nil
}

func (a *NewsAdapter) fetchFeed(ctx context.Context, profile *model.CityProfile, feed model.NewsFeed) ([]model.RawItem, error) {
	if a.validator != nil {
		if err := a.validator.ValidateURL(feed.URL); err != nil {
			return nil, fmt.Errorf("%w: SSRF検証に失敗: %w", model.ErrSourceUnavailable, err)
		}
	}

	header := http.Header{}
	a.mu.Lock()
	v := a.cache[feed.URL]
	a.mu.Unlock()
	if v.etag != "" {
		header.Set("If-None-Match", v.etag)
	}
	if v.lastModified != "" {
		header.Set("If-Modified-Since", v.lastModified)
	}

	resp, err := a.http.get(ctx, model.CategoryNews, feed.URL,
		"application/rss+xml, application/atom+xml, application/xml, text/xml, */*", header)
	if err != nil {
		return nil, err
	}
	if resp.notModified() {
		a.logger.Info("フィードは未変更です（304）",
			slog.String("city", profile.Name),
			slog.String("feed", feed.Name),
		)
		return nil, nil
	}

	parsed, err := gofeed.NewParser().Parse(bytes.NewReader(resp.body))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", model.ErrMalformedResponse, feed.Name, err)
	}

	// パースに成功した場合のみ検証子を更新する
	next := validators{etag: resp.header.Get("ETag"), lastModified: resp.header.Get("Last-Modified")}
	a.mu.Lock()
	a.cache[feed.URL] = next
	a.mu.Unlock()

	items := make([]model.RawItem, 0, len(parsed.Items))
	for _, it := range parsed.Items {
		item, ok := a.convertItem(feed, it)
		if !ok {
			continue
		}
		if feed.Priority == 1 && feed.ExtractContent && item.News.Link != "" {
			item.News.ArticleText = a.fetchArticle(ctx, profile, feed, item.News.Link)
		}
		items = append(items, item)
	}

	a.logger.Info("フィードを取得しました",
		slog.String("city", profile.Name),
		slog.String("feed", feed.Name),
		slog.Int("items_total", len(items)),
	)
	return items, nil
}

// convertItem はgofeedの記事をRawItemに変換する。リンクもGUIDもない記事はfalseを返す。
func (a *NewsAdapter) convertItem(feed model.NewsFeed, it *gofeed.Item) (model.RawItem, bool) {
	if it == nil {
		return model.RawItem{}, false
	}

	link := strings.TrimSpace(it.Link)
	// LinkがなくGUIDがURL形式の場合はGUIDをLinkとして使用
	if link == "" && (strings.HasPrefix(it.GUID, "http://") || strings.HasPrefix(it.GUID, "https://")) {
		link = it.GUID
	}
	link = canonicalLink(link)
	key := link
	if key == "" {
		key = it.GUID
	}
	if key == "" {
		return model.RawItem{}, false
	}

	summary := it.Description
	if summary == "" {
		summary = it.Content
	}

	occurred := time.Now().UTC()
	if it.PublishedParsed != nil {
		occurred = *it.PublishedParsed
	} else if it.UpdatedParsed != nil {
		occurred = *it.UpdatedParsed
	}

	return model.RawItem{
		Category:   model.CategoryNews,
		SourceID:   rssSourceID,
		ContentKey: key,
		OccurredAt: occurred,
		News: &model.RawNews{
			Title:    a.sanitizer.PlainText(it.Title),
			Summary:  a.sanitizer.PlainText(summary),
			Link:     link,
			FeedName: feed.Name,
		},
	}, true
}

// canonicalLink はスキームとホストを小文字にし、フラグメントを除いたURLを返す。
// 解析できない場合はそのまま返す。
func canonicalLink(link string) string {
	if link == "" {
		return ""
	}
	u, err := url.Parse(link)
	if err != nil || u.Host == "" {
		return link
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.RawFragment = ""
	return u.String()
}

// fetchArticle は記事ページの本文を取得する。失敗した場合は空文字を返し、判定は要約のみで行う。
func (a *NewsAdapter) fetchArticle(ctx context.Context, profile *model.CityProfile, feed model.NewsFeed, link string) string {
	if a.validator != nil {
		if err := a.validator.ValidateURL(link); err != nil {
			return ""
		}
	}

	resp, err := a.http.get(ctx, model.CategoryNews, link, "text/html,application/xhtml+xml", nil)
	if err == nil && resp.notModified() {
		return ""
	}
	var text string
	if err == nil {
		text, err = ExtractArticleText(bytes.NewReader(resp.body))
	}
	if err != nil {
		a.logger.Warn("記事本文の取得に失敗しました",
			slog.String("city", profile.Name),
			slog.String("feed", feed.Name),
			slog.String("url", link),
			slog.String("error", err.Error()),
		)
		return ""
	}
	return text
}
