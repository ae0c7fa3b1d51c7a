package platform

import (
	"fmt"
	"net/http"

	"github.com/hitoshi/citybot/internal/dispatch"
	"github.com/hitoshi/citybot/internal/model"
)

// Credentials はプラットフォームごとの認証情報。
type Credentials struct {
	TwitterBearerToken  string
	BlueskyHandle       string
	BlueskyAppPassword  string
	BlueskyPDSURL       string
	FacebookPageID      string
	FacebookPageToken   string
	LinkedInAccessToken string
	LinkedInAuthorURN   string
	RedditAccessToken   string
	RedditSubreddit     string
}

// NewClients は都市プロファイルのプラットフォーム一覧からクライアントを生成する。
// 未知のプラットフォーム名はエラーとする。認証情報の不足は投稿時にErrPlatformAuthとして報告される。
func NewClients(names []string, creds Credentials, client *http.Client) ([]dispatch.Client, error) {
	clients := make([]dispatch.Client, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true

		switch name {
		case model.PlatformTwitter:
			clients = append(clients, NewTwitter(client, "", creds.TwitterBearerToken))
		case model.PlatformBluesky:
			clients = append(clients, NewBluesky(client, creds.BlueskyPDSURL, creds.BlueskyHandle, creds.BlueskyAppPassword))
		case model.PlatformFacebook:
			clients = append(clients, NewFacebook(client, "", creds.FacebookPageID, creds.FacebookPageToken))
		case model.PlatformLinkedIn:
			clients = append(clients, NewLinkedIn(client, "", creds.LinkedInAccessToken, creds.LinkedInAuthorURN))
		case model.PlatformReddit:
			clients = append(clients, NewReddit(client, "", creds.RedditAccessToken, creds.RedditSubreddit))
		default:
			return nil, fmt.Errorf("unknown platform: %q", name)
		}
	}
	return clients, nil
}

// Missing は認証情報が未設定のプラットフォーム名を返す。起動時の検査に使う。
func (c Credentials) Missing(names []string) []string {
	var missing []string
	for _, name := range names {
		ok := true
		switch name {
		case model.PlatformTwitter:
			ok = c.TwitterBearerToken != ""
		case model.PlatformBluesky:
			ok = c.BlueskyHandle != "" && c.BlueskyAppPassword != ""
		case model.PlatformFacebook:
			ok = c.FacebookPageID != "" && c.FacebookPageToken != ""
		case model.PlatformLinkedIn:
			ok = c.LinkedInAccessToken != "" && c.LinkedInAuthorURN != ""
		case model.PlatformReddit:
			ok = c.RedditAccessToken != "" && c.RedditSubreddit != ""
		}
		if !ok {
			missing = append(missing, name)
		}
	}
	return missing
}
