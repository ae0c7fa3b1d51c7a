package platform

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/hitoshi/citybot/internal/model"
)

// DefaultBlueskyBaseURL はBlueskyのPDSのURL。
const DefaultBlueskyBaseURL = "https://bsky.social"

// Bluesky はAT Protocol (XRPC) の投稿クライアント。
// ハンドルとアプリパスワードでセッションを作成し、アクセストークンを使い回す。
type Bluesky struct {
	client   *http.Client
	baseURL  string
	handle   string
	password string

	mu      sync.Mutex
	session *blueskySession
}

type blueskySession struct {
	AccessJwt string `json:"accessJwt"`
	Did       string `json:"did"`
}

// NewBluesky はBlueskyクライアントを生成する。
func NewBluesky(client *http.Client, baseURL, handle, appPassword string) *Bluesky {
	if baseURL == "" {
		baseURL = DefaultBlueskyBaseURL
	}
	return &Bluesky{client: client, baseURL: baseURL, handle: handle, password: appPassword}
}

func (b *Bluesky) Name() string { return model.PlatformBluesky }

// Post は投稿レコードを作成する。画像がある場合はblobをアップロードして埋め込む。
// アクセストークンが失効していた場合はセッションを作り直して1回だけ再送する。
func (b *Bluesky) Post(ctx context.Context, content model.PostContent) error {
	err := b.post(ctx, content)
	if err != nil && isAuthError(err) && b.dropSession() {
		return b.post(ctx, content)
	}
	return err
}

func (b *Bluesky) post(ctx context.Context, content model.PostContent) error {
	sess, err := b.ensureSession(ctx)
	if err != nil {
		return err
	}

	record := map[string]any{
		"$type":     "app.bsky.feed.post",
		"text":      content.Text,
		"createdAt": time.Now().UTC().Format(time.RFC3339),
		"langs":     []string{"en"},
	}
	if content.Image != nil {
		blob, err := b.uploadBlob(ctx, sess, content.Image.Path)
		if err != nil {
			return err
		}
		record["embed"] = map[string]any{
			"$type": "app.bsky.embed.images",
			"images": []map[string]any{
				{"alt": content.Image.AltText, "image": blob},
			},
		}
	}

	req := map[string]any{
		"repo":       sess.Did,
		"collection": "app.bsky.feed.post",
		"record":     record,
	}
	return postJSON(ctx, b.client, b.Name(), b.baseURL+"/xrpc/com.atproto.repo.createRecord", bearer(sess.AccessJwt), req, nil)
}

func (b *Bluesky) ensureSession(ctx context.Context) (*blueskySession, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.session != nil {
		return b.session, nil
	}
	if b.handle == "" || b.password == "" {
		return nil, errMissingCredential(b.Name(), "BLUESKY_HANDLE/BLUESKY_APP_PASSWORD")
	}

	var sess blueskySession
	req := map[string]string{"identifier": b.handle, "password": b.password}
	if err := postJSON(ctx, b.client, b.Name(), b.baseURL+"/xrpc/com.atproto.server.createSession", nil, req, &sess); err != nil {
		return nil, err
	}
	if sess.AccessJwt == "" || sess.Did == "" {
		return nil, fmt.Errorf("%w: bluesky: session response missing token", model.ErrPlatformAuth)
	}
	b.session = &sess
	return b.session, nil
}

// dropSession はキャッシュしたセッションを破棄し、破棄した場合はtrueを返す。
func (b *Bluesky) dropSession() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	had := b.session != nil
	b.session = nil
	return had
}

func (b *Bluesky) uploadBlob(ctx context.Context, sess *blueskySession, path string) (any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: bluesky: read image: %w", model.ErrContentRejected, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/xrpc/com.atproto.repo.uploadBlob", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: bluesky: %w", model.ErrPlatformTransient, err)
	}
	req.Header.Set("Authorization", "Bearer "+sess.AccessJwt)
	req.Header.Set("Content-Type", http.DetectContentType(data))

	body, err := do(ctx, b.client, b.Name(), req)
	if err != nil {
		return nil, err
	}
	var out struct {
		Blob any `json:"blob"`
	}
	if err := decode(body, &out); err != nil || out.Blob == nil {
		return nil, fmt.Errorf("%w: bluesky: invalid uploadBlob response", model.ErrPlatformTransient)
	}
	return out.Blob, nil
}
