package platform

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/hitoshi/citybot/internal/model"
)

// DefaultFacebookBaseURL はGraph APIのベースURL。
const DefaultFacebookBaseURL = "https://graph.facebook.com/v19.0"

// Facebook はFacebookページへの投稿クライアント。
type Facebook struct {
	client    *http.Client
	baseURL   string
	pageID    string
	pageToken string
}

// NewFacebook はFacebookクライアントを生成する。
func NewFacebook(client *http.Client, baseURL, pageID, pageToken string) *Facebook {
	if baseURL == "" {
		baseURL = DefaultFacebookBaseURL
	}
	return &Facebook{client: client, baseURL: baseURL, pageID: pageID, pageToken: pageToken}
}

func (f *Facebook) Name() string { return model.PlatformFacebook }

// Post はページのフィードに投稿する。画像がある場合は写真として投稿し、本文をキャプションにする。
func (f *Facebook) Post(ctx context.Context, content model.PostContent) error {
	if f.pageID == "" || f.pageToken == "" {
		return errMissingCredential(f.Name(), "FACEBOOK_PAGE_ID/FACEBOOK_PAGE_TOKEN")
	}
	if content.Image != nil {
		return f.postPhoto(ctx, content)
	}

	form := url.Values{}
	form.Set("message", content.Text)
	if content.Link != "" {
		form.Set("link", content.Link)
	}
	form.Set("access_token", f.pageToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/%s/feed", f.baseURL, url.PathEscape(f.pageID)),
		strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("%w: facebook: %w", model.ErrPlatformTransient, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	_, err = do(ctx, f.client, f.Name(), req)
	return err
}

func (f *Facebook) postPhoto(ctx context.Context, content model.PostContent) error {
	img, err := os.Open(content.Image.Path)
	if err != nil {
		return fmt.Errorf("%w: facebook: open image: %w", model.ErrContentRejected, err)
	}
	defer img.Close()

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	_ = w.WriteField("caption", content.Text)
	_ = w.WriteField("access_token", f.pageToken)
	part, err := w.CreateFormFile("source", filepath.Base(content.Image.Path))
	if err != nil {
		return fmt.Errorf("%w: facebook: %w", model.ErrPlatformTransient, err)
	}
	if _, err := io.Copy(part, img); err != nil {
		return fmt.Errorf("%w: facebook: read image: %w", model.ErrContentRejected, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("%w: facebook: %w", model.ErrPlatformTransient, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/%s/photos", f.baseURL, url.PathEscape(f.pageID)), &body)
	if err != nil {
		return fmt.Errorf("%w: facebook: %w", model.ErrPlatformTransient, err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	_, err = do(ctx, f.client, f.Name(), req)
	return err
}
