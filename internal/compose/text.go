package compose

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

// ellipsis は切り詰めた本文の末尾に付ける記号。
const ellipsis = "…"

// runeLen はNFC正規化後の文字数を返す。プラットフォームの文字数カウントに合わせる。
func runeLen(s string) int {
	return utf8.RuneCountInString(norm.NFC.String(s))
}

// truncate はsをNFC正規化し、max文字以内に収める。
// 切り詰めた場合は単語境界を優先し、末尾に…を付ける。
func truncate(s string, max int) string {
	s = norm.NFC.String(s)
	if max <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	if max == 1 {
		return ellipsis
	}

	cut := runes[:max-1]
	// 直近の空白まで戻る。戻りすぎる場合は文字単位で切る
	for i := len(cut) - 1; i > len(cut)*2/3; i-- {
		if unicode.IsSpace(cut[i]) {
			cut = cut[:i]
			break
		}
	}
	return strings.TrimRightFunc(string(cut), unicode.IsSpace) + ellipsis
}

// Hashtag はタグ文字列をハッシュタグ用に整形する。
// 単語ごとに先頭を大文字にして連結し、英数字以外を除去する。"#"は付けない。
func Hashtag(s string) string {
	s = strings.TrimPrefix(strings.TrimSpace(s), "#")
	if s == "" {
		return ""
	}

	words := strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	caser := cases.Title(language.English, cases.NoLower)

	var b strings.Builder
	for _, w := range words {
		b.WriteString(caser.String(w))
	}
	return b.String()
}

// dedupeTags は大文字小文字を区別せずに重複を除いた順序付きリストを返す。
func dedupeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		h := Hashtag(t)
		if h == "" {
			continue
		}
		key := strings.ToLower(h)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, h)
	}
	return out
}

func joinTags(tags []string) string {
	if len(tags) == 0 {
		return ""
	}
	return "#" + strings.Join(tags, " #")
}
