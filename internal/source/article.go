package source

import (
	"io"
	"regexp"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// maxArticleRunes は本文抽出の最大文字数。
const maxArticleRunes = 1000

// articleClassPattern は本文コンテナとみなすclass属性のパターン。
var articleClassPattern = regexp.MustCompile(`(?i)article|content|story`)

// skippedElements は本文抽出で無視する要素。
var skippedElements = map[atom.Atom]bool{
	atom.Script: true,
	atom.Style:  true,
	atom.Nav:    true,
	atom.Header: true,
	atom.Footer: true,
}

// ExtractArticleText は記事ページのHTMLから本文テキストを抽出する。
// <article>要素または本文らしいclassを持つ要素を優先し、見つからない場合は全ての<p>を連結する。
// 結果は最大1000文字に切り詰める。
func ExtractArticleText(r io.Reader) (string, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return "", err
	}

	var text string
	if container := findArticleContainer(doc); container != nil {
		text = collectText(container)
	} else {
		var parts []string
		forEachElement(doc, func(n *html.Node) bool {
			if n.DataAtom == atom.P {
				if t := collectText(n); t != "" {
					parts = append(parts, t)
				}
				return false
			}
			return true
		})
		text = strings.Join(parts, " ")
	}

	runes := []rune(text)
	if len(runes) > maxArticleRunes {
		runes = runes[:maxArticleRunes]
	}
	return string(runes), nil
}

// findArticleContainer は<article>要素を探し、なければ本文らしいclassを持つ要素を返す。
func findArticleContainer(doc *html.Node) *html.Node {
	var article, byClass *html.Node
	forEachElement(doc, func(n *html.Node) bool {
		if article != nil {
			return false
		}
		if n.DataAtom == atom.Article {
			article = n
			return false
		}
		if byClass == nil && n.DataAtom != atom.Body && n.DataAtom != atom.Html &&
			articleClassPattern.MatchString(attr(n, "class")) {
			byClass = n
		}
		return true
	})
	if article != nil {
		return article
	}
	return byClass
}

// forEachElement は要素ノードを深さ優先で走査する。fnがfalseを返した場合は子要素を走査しない。
// 無視対象の要素には入らない。
func forEachElement(n *html.Node, fn func(*html.Node) bool) {
	if n.Type == html.ElementNode {
		if skippedElements[n.DataAtom] {
			return
		}
		if !fn(n) {
			return
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		forEachElement(c, fn)
	}
}

// collectText は要素配下のテキストを空白区切りで連結する。
func collectText(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && skippedElements[n.DataAtom] {
			return
		}
		if n.Type == html.TextNode {
			if t := strings.TrimSpace(n.Data); t != "" {
				if b.Len() > 0 {
					b.WriteByte(' ')
				}
				b.WriteString(t)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.Join(strings.Fields(b.String()), " ")
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}
