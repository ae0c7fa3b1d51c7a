package security

import (
	"html"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// ContentSanitizerService はフィード由来のHTMLを投稿本文に使えるプレーンテキストへ変換する。
type ContentSanitizerService interface {
	// PlainText は全てのタグを除去し、HTMLエンティティを復元して空白を1つにまとめる。
	PlainText(rawHTML string) string
	// Snippet はPlainTextの結果を最大maxRunes文字に切り詰める。切り詰めた場合は末尾に…を付ける。
	Snippet(rawHTML string, maxRunes int) string
}

// contentSanitizer はbluemondayのStrictPolicyを保持する。Policyはスレッドセーフ。
type contentSanitizer struct {
	policy *bluemonday.Policy
}

// NewContentSanitizer はContentSanitizerServiceの新しいインスタンスを生成する。
func NewContentSanitizer() *contentSanitizer {
	return &contentSanitizer{policy: bluemonday.StrictPolicy()}
}

func (s *contentSanitizer) PlainText(rawHTML string) string {
	if rawHTML == "" {
		return ""
	}
	// ブロック要素の境界で単語が連結しないよう、タグ除去前に空白を挟む
	spaced := strings.NewReplacer("<", " <", ">", "> ").Replace(rawHTML)
	text := html.UnescapeString(s.policy.Sanitize(spaced))
	return strings.Join(strings.Fields(text), " ")
}

func (s *contentSanitizer) Snippet(rawHTML string, maxRunes int) string {
	text := s.PlainText(rawHTML)
	if maxRunes <= 0 || utf8.RuneCountInString(text) <= maxRunes {
		return text
	}
	runes := []rune(text)
	return strings.TrimSpace(string(runes[:maxRunes-1])) + "…"
}
