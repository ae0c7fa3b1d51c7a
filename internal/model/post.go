package model

import "time"

// ImageRef は投稿に添付する画像の参照。
type ImageRef struct {
	Path    string
	AltText string
}

// PostContent はプラットフォームクライアントに渡す投稿内容。
type PostContent struct {
	Text  string
	Image *ImageRef
	// Link は本文中のURL。リンク投稿に対応するプラットフォームで使う。
	Link  string
	Title string
}

// ComposedPost は配信可能な状態に整形された投稿。
type ComposedPost struct {
	ID          string
	City        string
	Fingerprint string
	Category    Category
	Priority    Priority
	Text        string
	Hashtags    []string
	Image       *ImageRef
	Link        string
	Title       string
	// TextLimit は本文を収めた文字数上限（対象プラットフォーム中で最も厳しい値）。
	TextLimit  int
	ComposedAt time.Time
}

// Content はプラットフォームクライアント向けの投稿内容を返す。
func (p ComposedPost) Content() PostContent {
	return PostContent{
		Text:  p.Text,
		Image: p.Image,
		Link:  p.Link,
		Title: p.Title,
	}
}

// Outcome はプラットフォームごとの配信結果の分類。
type Outcome string

const (
	OutcomeSuccess          Outcome = "success"
	OutcomeRetryableFailure Outcome = "retryable_failure"
	OutcomePermanentFailure Outcome = "permanent_failure"
)

// PlatformResult は1プラットフォームへの配信結果。
type PlatformResult struct {
	Platform string
	Outcome  Outcome
	Attempts int
	Err      error
	// Operator はオペレーターの対応が必要な場合に設定される。
	Operator *OperatorError
}

// PostRecord は投稿履歴1件（プラットフォーム単位）。
type PostRecord struct {
	ID             string
	City           string
	Category       Category
	Fingerprint    string
	Platform       string
	Outcome        Outcome
	Attempts       int
	ErrorCode      string
	ContentPreview string
	PostedAt       time.Time
}

// プラットフォーム名
const (
	PlatformTwitter  = "twitter"
	PlatformBluesky  = "bluesky"
	PlatformFacebook = "facebook"
	PlatformLinkedIn = "linkedin"
	PlatformReddit   = "reddit"
)

// textLimits はプラットフォームごとの本文の最大文字数。
var textLimits = map[string]int{
	PlatformTwitter:  280,
	PlatformBluesky:  300,
	PlatformFacebook: 63206,
	PlatformLinkedIn: 3000,
	PlatformReddit:   40000,
}

// TextLimit はプラットフォームの本文上限を返す。未知のプラットフォームは0を返す。
func TextLimit(platform string) int {
	return textLimits[platform]
}

// KnownPlatform はプラットフォーム名が既知かを返す。
func KnownPlatform(platform string) bool {
	_, ok := textLimits[platform]
	return ok
}

// StrictestTextLimit は指定プラットフォーム中で最も小さい上限を返す。
// 既知のプラットフォームがない場合は0を返す。
func StrictestTextLimit(platforms []string) int {
	limit := 0
	for _, p := range platforms {
		l := TextLimit(p)
		if l == 0 {
			continue
		}
		if limit == 0 || l < limit {
			limit = l
		}
	}
	return limit
}
