package platform

import (
	"context"
	"net/http"

	"github.com/hitoshi/citybot/internal/model"
)

// DefaultLinkedInBaseURL はLinkedIn REST APIのベースURL。
const DefaultLinkedInBaseURL = "https://api.linkedin.com"

// LinkedIn はLinkedInのUGC Post APIクライアント。画像添付には対応しない。
type LinkedIn struct {
	client  *http.Client
	baseURL string
	token   string
	author  string
}

// NewLinkedIn はLinkedInクライアントを生成する。authorは urn:li:organization:... 形式。
func NewLinkedIn(client *http.Client, baseURL, token, authorURN string) *LinkedIn {
	if baseURL == "" {
		baseURL = DefaultLinkedInBaseURL
	}
	return &LinkedIn{client: client, baseURL: baseURL, token: token, author: authorURN}
}

func (l *LinkedIn) Name() string { return model.PlatformLinkedIn }

// Post は公開の共有投稿を作成する。リンクがある場合は記事として添付する。
func (l *LinkedIn) Post(ctx context.Context, content model.PostContent) error {
	if l.token == "" || l.author == "" {
		return errMissingCredential(l.Name(), "LINKEDIN_ACCESS_TOKEN/LINKEDIN_AUTHOR_URN")
	}

	share := map[string]any{
		"shareCommentary":    map[string]string{"text": content.Text},
		"shareMediaCategory": "NONE",
	}
	if content.Link != "" {
		share["shareMediaCategory"] = "ARTICLE"
		media := map[string]any{"status": "READY", "originalUrl": content.Link}
		if content.Title != "" {
			media["title"] = map[string]string{"text": content.Title}
		}
		share["media"] = []map[string]any{media}
	}

	req := map[string]any{
		"author":          l.author,
		"lifecycleState":  "PUBLISHED",
		"specificContent": map[string]any{"com.linkedin.ugc.ShareContent": share},
		"visibility":      map[string]string{"com.linkedin.ugc.MemberNetworkVisibility": "PUBLIC"},
	}

	h := bearer(l.token)
	h.Set("X-Restli-Protocol-Version", "2.0.0")
	return postJSON(ctx, l.client, l.Name(), l.baseURL+"/v2/ugcPosts", h, req, nil)
}
