package model

import (
	"errors"
	"fmt"
)

// パイプラインのエラー分類。errors.Isで判定する。
// 関連性による除外とクォータ拒否はエラーではなく結果値として扱う。
var (
	// ErrSourceUnavailable はソースの取得に失敗したことを示す。サイクルを中断して次回に再試行する。
	ErrSourceUnavailable = errors.New("source unavailable")
	// ErrSourceRateLimited はソース側でレート制限を受けたことを示す。
	ErrSourceRateLimited = errors.New("source rate limited")
	// ErrMalformedResponse はソースの応答を解釈できなかったことを示す。
	ErrMalformedResponse = errors.New("malformed source response")

	// ErrRenderUnavailable は地図画像を生成できなかったことを示す。投稿はテキストのみで続行する。
	ErrRenderUnavailable = errors.New("map render unavailable")

	// ErrPlatformAuth は認証情報の不備による恒久的な失敗。
	ErrPlatformAuth = errors.New("platform authentication failed")
	// ErrPlatformRateLimited はプラットフォーム側のレート制限。再試行対象。
	ErrPlatformRateLimited = errors.New("platform rate limited")
	// ErrContentRejected は投稿内容の拒否による恒久的な失敗。
	ErrContentRejected = errors.New("platform rejected content")
	// ErrPlatformTransient は一時的なネットワーク・サーバーエラー。再試行対象。
	ErrPlatformTransient = errors.New("platform transient error")

	// ErrDedupStoreUnavailable は重複排除ストアが使えないことを示す。
	// 重複投稿を防げないため、そのサイクルはそれ以上投稿しない。
	ErrDedupStoreUnavailable = errors.New("dedup store unavailable")
	// ErrQuotaStoreUnavailable はクォータ状態の読み書きに失敗したことを示す。
	ErrQuotaStoreUnavailable = errors.New("quota store unavailable")
)

// OperatorError はオペレーターに提示するエラー。
// 原因カテゴリと対処方法を含む。
type OperatorError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: platform, source, store, system
	Action   string // オペレーター向け対処方法
	Err      error
}

// Error はerrorインターフェースを実装する。
func (e *OperatorError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap は元のエラーを返す。
func (e *OperatorError) Unwrap() error {
	return e.Err
}

// 定義済みエラーコード
const (
	ErrCodePlatformAuth        = "PLATFORM_AUTH"
	ErrCodePlatformUnavailable = "PLATFORM_UNAVAILABLE"
	ErrCodeContentRejected     = "CONTENT_REJECTED"
	ErrCodeSourceUnavailable   = "SOURCE_UNAVAILABLE"
	ErrCodeStoreUnavailable    = "STORE_UNAVAILABLE"
	ErrCodeInvalidParameter    = "INVALID_PARAMETER"
	ErrCodeInternal            = "INTERNAL_ERROR"
)

// NewPlatformAuthError は認証失敗エラーを生成する。認証情報の更新が必要。
func NewPlatformAuthError(platform string, err error) *OperatorError {
	return &OperatorError{
		Code:     ErrCodePlatformAuth,
		Message:  fmt.Sprintf("%s の認証に失敗しました", platform),
		Category: "platform",
		Action:   "認証情報（トークン・パスワード）を更新してください。",
		Err:      err,
	}
}

// NewPlatformUnavailableError は再試行を使い切った一時障害エラーを生成する。
func NewPlatformUnavailableError(platform string, attempts int, err error) *OperatorError {
	return &OperatorError{
		Code:     ErrCodePlatformUnavailable,
		Message:  fmt.Sprintf("%s への投稿が%d回失敗しました", platform, attempts),
		Category: "platform",
		Action:   "一時的な障害の可能性があります。次回のサイクルで自動的に継続されます。",
		Err:      err,
	}
}

// NewContentRejectedError は投稿内容の拒否エラーを生成する。
func NewContentRejectedError(platform string, err error) *OperatorError {
	return &OperatorError{
		Code:     ErrCodeContentRejected,
		Message:  fmt.Sprintf("%s が投稿内容を拒否しました", platform),
		Category: "platform",
		Action:   "投稿テンプレートと文字数上限を確認してください。",
		Err:      err,
	}
}

// NewStoreUnavailableError はストア障害エラーを生成する。
func NewStoreUnavailableError(err error) *OperatorError {
	return &OperatorError{
		Code:     ErrCodeStoreUnavailable,
		Message:  "状態ストアに接続できません",
		Category: "store",
		Action:   "データベースの接続設定と稼働状況を確認してください。",
		Err:      err,
	}
}

// NewInvalidParameterError は無効なパラメータエラーを生成する。
func NewInvalidParameterError(name, reason string) *OperatorError {
	return &OperatorError{
		Code:     ErrCodeInvalidParameter,
		Message:  fmt.Sprintf("無効なパラメータです: %s (%s)", name, reason),
		Category: "validation",
		Action:   "パラメータの値を確認してください。",
	}
}
