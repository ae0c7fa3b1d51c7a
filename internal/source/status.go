package source

import (
	"errors"
	"fmt"

	"github.com/hitoshi/citybot/internal/model"
)

// FetchResult はHTTPステータスコードに基づく取得結果の分類。
type FetchResult int

const (
	// FetchResultOK は取得成功（200）。
	FetchResultOK FetchResult = iota
	// FetchResultNotModified はコンテンツ未変更（304）。
	FetchResultNotModified
	// FetchResultRateLimited はソース側のレート制限（429）。
	FetchResultRateLimited
	// FetchResultUnavailable はソースを利用できない（404/410/401/403/5xx など）。
	FetchResultUnavailable
)

// ClassifyHTTPStatus はHTTPステータスコードを取得結果に分類する。
func ClassifyHTTPStatus(statusCode int) FetchResult {
	switch {
	case statusCode == 200:
		return FetchResultOK
	case statusCode == 304:
		return FetchResultNotModified
	case statusCode == 429:
		return FetchResultRateLimited
	default:
		return FetchResultUnavailable
	}
}

// StatusError はステータスコードに対応するエラーを返す。200と304はnil。
func StatusError(source string, statusCode int) error {
	switch ClassifyHTTPStatus(statusCode) {
	case FetchResultOK, FetchResultNotModified:
		return nil
	case FetchResultRateLimited:
		return fmt.Errorf("%w: %s returned HTTP %d", model.ErrSourceRateLimited, source, statusCode)
	default:
		return fmt.Errorf("%w: %s returned HTTP %d", model.ErrSourceUnavailable, source, statusCode)
	}
}

// FailureReason はメトリクスとログに使う失敗理由のラベルを返す。
func FailureReason(err error) string {
	switch {
	case errors.Is(err, model.ErrSourceRateLimited):
		return "rate_limited"
	case errors.Is(err, model.ErrMalformedResponse):
		return "malformed"
	case errors.Is(err, model.ErrSourceUnavailable):
		return "unavailable"
	default:
		return "unknown"
	}
}
