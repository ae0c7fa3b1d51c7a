package platform

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/hitoshi/citybot/internal/model"
)

// DefaultRedditBaseURL はOAuth付きReddit APIのベースURL。
const DefaultRedditBaseURL = "https://oauth.reddit.com"

// redditTitleLimit はRedditの投稿タイトルの最大文字数。
const redditTitleLimit = 300

// Reddit はsubredditへの投稿クライアント。
// リンクがある場合はリンク投稿、ない場合はテキスト投稿を作成する。
type Reddit struct {
	client    *http.Client
	baseURL   string
	token     string
	subreddit string
}

// NewReddit はRedditクライアントを生成する。
func NewReddit(client *http.Client, baseURL, token, subreddit string) *Reddit {
	if baseURL == "" {
		baseURL = DefaultRedditBaseURL
	}
	return &Reddit{client: client, baseURL: baseURL, token: token, subreddit: strings.TrimPrefix(subreddit, "r/")}
}

func (r *Reddit) Name() string { return model.PlatformReddit }

// Post は投稿を作成する。
// Redditは失敗時もHTTP 200でjson.errorsを返すため、その内容も分類する。
func (r *Reddit) Post(ctx context.Context, content model.PostContent) error {
	if r.token == "" || r.subreddit == "" {
		return errMissingCredential(r.Name(), "REDDIT_ACCESS_TOKEN/REDDIT_SUBREDDIT")
	}

	form := url.Values{}
	form.Set("api_type", "json")
	form.Set("sr", r.subreddit)
	form.Set("title", redditTitle(content))
	if content.Link != "" {
		form.Set("kind", "link")
		form.Set("url", content.Link)
		form.Set("resubmit", "true")
	} else {
		form.Set("kind", "self")
		form.Set("text", content.Text)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/api/submit", strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("%w: reddit: %w", model.ErrPlatformTransient, err)
	}
	req.Header.Set("Authorization", "Bearer "+r.token)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	body, err := do(ctx, r.client, r.Name(), req)
	if err != nil {
		return err
	}

	var out struct {
		JSON struct {
			Errors [][]any `json:"errors"`
		} `json:"json"`
	}
	if err := decode(body, &out); err != nil {
		return fmt.Errorf("%w: reddit: decode response: %w", model.ErrPlatformTransient, err)
	}
	if len(out.JSON.Errors) > 0 {
		code := fmt.Sprint(out.JSON.Errors[0]...)
		if strings.HasPrefix(code, "RATELIMIT") {
			return fmt.Errorf("%w: reddit: %s", model.ErrPlatformRateLimited, code)
		}
		return fmt.Errorf("%w: reddit: %s", model.ErrContentRejected, code)
	}
	return nil
}

// redditTitle はタイトルを返す。未設定の場合は本文の1行目を使う。
func redditTitle(content model.PostContent) string {
	title := content.Title
	if title == "" {
		title, _, _ = strings.Cut(content.Text, "\n")
	}
	runes := []rune(strings.TrimSpace(title))
	if len(runes) > redditTitleLimit {
		runes = runes[:redditTitleLimit]
	}
	return string(runes)
}
