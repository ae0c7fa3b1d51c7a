package platform

import (
	"context"
	"net/http"

	"github.com/hitoshi/citybot/internal/model"
)

// DefaultTwitterBaseURL はX (Twitter) API v2のベースURL。
const DefaultTwitterBaseURL = "https://api.twitter.com"

// Twitter はX (Twitter) API v2 の投稿クライアント。
// OAuth 2.0 のユーザーコンテキストのアクセストークンを使う。画像添付には対応しない。
type Twitter struct {
	client  *http.Client
	baseURL string
	token   string
}

// NewTwitter はTwitterクライアントを生成する。
func NewTwitter(client *http.Client, baseURL, token string) *Twitter {
	if baseURL == "" {
		baseURL = DefaultTwitterBaseURL
	}
	return &Twitter{client: client, baseURL: baseURL, token: token}
}

func (t *Twitter) Name() string { return model.PlatformTwitter }

// Post はツイートを作成する。
func (t *Twitter) Post(ctx context.Context, content model.PostContent) error {
	if t.token == "" {
		return errMissingCredential(t.Name(), "TWITTER_BEARER_TOKEN")
	}
	req := struct {
		Text string `json:"text"`
	}{Text: content.Text}
	return postJSON(ctx, t.client, t.Name(), t.baseURL+"/2/tweets", bearer(t.token), req, nil)
}
