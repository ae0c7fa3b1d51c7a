// Package platform はSNSプラットフォームごとの投稿クライアントを提供する。
//
// 各クライアントはdispatch.Clientを実装し、HTTPステータスを配信層のエラー分類に変換する。
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/hitoshi/citybot/internal/model"
)

// maxResponseSize はエラー本文として読み込む最大サイズ。
const maxResponseSize = 64 * 1024

// UserAgent は全プラットフォーム共通のUser-Agent。
const UserAgent = "citybot/1.0 (+https://github.com/hitoshi/citybot)"

// ClassifyStatus はHTTPステータスコードを配信エラーに分類する。2xxの場合はnilを返す。
//   - 401/403: ErrPlatformAuth（認証情報の更新が必要）
//   - 429: ErrPlatformRateLimited
//   - 400/409/413/422: ErrContentRejected
//   - 5xx・その他: ErrPlatformTransient
func ClassifyStatus(platform string, statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	detail := strings.TrimSpace(string(body))
	if len(detail) > 200 {
		detail = detail[:200]
	}

	var sentinel error
	switch {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		sentinel = model.ErrPlatformAuth
	case statusCode == http.StatusTooManyRequests:
		sentinel = model.ErrPlatformRateLimited
	case statusCode == http.StatusBadRequest || statusCode == http.StatusConflict ||
		statusCode == http.StatusRequestEntityTooLarge || statusCode == http.StatusUnprocessableEntity:
		sentinel = model.ErrContentRejected
	default:
		sentinel = model.ErrPlatformTransient
	}
	return fmt.Errorf("%w: %s returned HTTP %d: %s", sentinel, platform, statusCode, detail)
}

// do はリクエストを送信し、レスポンス本文を返す。
// 通信エラーはErrPlatformTransient、コンテキストのタイムアウトはそのまま返す。
func do(ctx context.Context, client *http.Client, platform string, req *http.Request) ([]byte, error) {
	req.Header.Set("User-Agent", UserAgent)

	resp, err := client.Do(req.WithContext(ctx))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%s: %w", platform, ctxErr)
		}
		return nil, fmt.Errorf("%w: %s: %w", model.ErrPlatformTransient, platform, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: read response: %w", model.ErrPlatformTransient, platform, err)
	}
	if err := ClassifyStatus(platform, resp.StatusCode, body); err != nil {
		return body, err
	}
	return body, nil
}

// postJSON はJSONをPOSTし、レスポンスをoutにデコードする。outがnilの場合はデコードしない。
func postJSON(ctx context.Context, client *http.Client, platform, url string, header http.Header, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("%w: %s: encode request: %w", model.ErrContentRejected, platform, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: %s: %w", model.ErrPlatformTransient, platform, err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	req.Header.Set("Content-Type", "application/json")

	body, err := do(ctx, client, platform, req)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: %s: decode response: %w", model.ErrPlatformTransient, platform, err)
	}
	return nil
}

func bearer(token string) http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	return h
}

// errMissingCredential は認証情報が未設定の場合のエラー。
func errMissingCredential(platform, name string) error {
	return fmt.Errorf("%w: %s: %s is not configured", model.ErrPlatformAuth, platform, name)
}

// isAuthError は認証エラーかを返す。
func isAuthError(err error) bool {
	return errors.Is(err, model.ErrPlatformAuth)
}

func decode(body []byte, out any) error {
	return json.Unmarshal(body, out)
}
