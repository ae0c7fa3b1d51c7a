// Package relevance はソースから取得した候補が都市に関係するかを判定する。
//
// 判定は入力とプロファイルだけに依存する純粋な処理で、I/Oや状態を持たない。
package relevance

import (
	"fmt"
	"math"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/hitoshi/citybot/internal/model"
)

// Reason は不採用の理由。
type Reason string

const (
	ReasonOutOfArea            Reason = "out_of_area"
	ReasonExcludedTerm         Reason = "excluded_term"
	ReasonBelowThreshold       Reason = "below_threshold"
	ReasonDuplicateWithinBatch Reason = "duplicate_within_batch"
	ReasonMalformed            Reason = "malformed"
)

// Reasons は全ての不採用理由を返す。メトリクスの初期化に使う。
func Reasons() []Reason {
	return []Reason{ReasonOutOfArea, ReasonExcludedTerm, ReasonBelowThreshold, ReasonDuplicateWithinBatch, ReasonMalformed}
}

// DefaultThreshold はrelevance_thresholdの既定値。
const DefaultThreshold = 0.6

// Rejection は不採用となった候補と理由。エラーではなく想定された結果として扱う。
type Rejection struct {
	Item   model.RawItem
	Reason Reason
	Detail string
}

// Result はEvaluateの結果。Acceptedがfalseの場合はRejectionが設定される。
type Result struct {
	Accepted  bool
	Event     model.Event
	Rejection Rejection
}

// Filter は1都市分の関連性フィルタ。
type Filter struct {
	profile *model.CityProfile
	// cityPhrases は都市名を含む定型句（ケースフォールディング済み）。
	cityPhrases []string
}

// NewFilter はFilterの新しいインスタンスを生成する。
func NewFilter(profile *model.CityProfile) *Filter {
	city := fold(profile.Name)
	return &Filter{
		profile: profile,
		cityPhrases: []string{
			city + " city",
			"city of " + city,
			"downtown " + city,
		},
	}
}

// Evaluate は候補1件を判定する。
func (f *Filter) Evaluate(item model.RawItem) Result {
	switch item.Category {
	case model.CategoryNews:
		return f.evaluateNews(item)
	case model.CategoryWeather:
		return f.evaluateWeather(item)
	case model.CategoryEarthquake:
		return f.evaluateQuake(item)
	}
	return reject(item, ReasonMalformed, fmt.Sprintf("unknown category %q", item.Category))
}

// EvaluateBatch は候補を取得順に判定する。
// 同じバッチ内で既に出現したフィンガープリントはduplicate_within_batchとして不採用にする。
func (f *Filter) EvaluateBatch(items []model.RawItem) ([]model.Event, []Rejection) {
	var accepted []model.Event
	var rejected []Rejection
	seen := make(map[string]struct{}, len(items))

	for _, item := range items {
		fp := item.Fingerprint()
		if _, dup := seen[fp]; dup {
			rejected = append(rejected, Rejection{Item: item, Reason: ReasonDuplicateWithinBatch})
			continue
		}
		seen[fp] = struct{}{}

		r := f.Evaluate(item)
		if !r.Accepted {
			rejected = append(rejected, r.Rejection)
			continue
		}
		accepted = append(accepted, r.Event)
	}
	return accepted, rejected
}

func reject(item model.RawItem, reason Reason, detail string) Result {
	return Result{Rejection: Rejection{Item: item, Reason: reason, Detail: detail}}
}

func accept(item model.RawItem, payload model.Payload, priority model.Priority) Result {
	return Result{
		Accepted: true,
		Event: model.Event{
			Category:    item.Category,
			SourceID:    item.SourceID,
			OccurredAt:  item.OccurredAt,
			Fingerprint: item.Fingerprint(),
			Payload:     payload,
			Priority:    priority,
		},
	}
}

// evaluateNews はキーワード規則とスコアでニュース記事を判定する。
// 除外語の判定を最初に行うため、除外語を含む記事は他の条件に関係なく不採用になる。
func (f *Filter) evaluateNews(item model.RawItem) Result {
	n := item.News
	if n == nil {
		return reject(item, ReasonMalformed, "news payload missing")
	}
	rules := f.profile.News.Keywords
	text := fold(strings.Join([]string{n.Title, n.Summary, n.ArticleText}, " "))

	if term, ok := firstMatch(text, rules.Exclude); ok {
		return reject(item, ReasonExcludedTerm, term)
	}

	for _, term := range rules.MustInclude {
		if !containsFold(text, term) {
			return reject(item, ReasonOutOfArea, "missing "+term)
		}
	}

	var hits []string
	for _, term := range rules.AtLeastOne {
		if containsFold(text, term) && !containsString(hits, term) {
			hits = append(hits, term)
		}
	}
	if len(rules.AtLeastOne) > 0 && len(hits) == 0 {
		return reject(item, ReasonOutOfArea, "no area keyword")
	}

	cityMatched := false
	for _, phrase := range f.cityPhrases {
		if strings.Contains(text, phrase) {
			cityMatched = true
			break
		}
	}

	score := Score(len(rules.AtLeastOne), len(hits), cityMatched)
	threshold := f.profile.News.RelevanceThreshold
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if score < threshold {
		return reject(item, ReasonBelowThreshold, fmt.Sprintf("score %.2f < %.2f", score, threshold))
	}

	payload := &model.NewsPayload{
		Title:           n.Title,
		Summary:         n.Summary,
		URL:             n.Link,
		FeedName:        n.FeedName,
		MatchedKeywords: hits,
		RelevanceScore:  score,
	}
	if len(hits) > 0 {
		payload.AreaLabel = cases.Title(language.English).String(hits[0])
	} else if cityMatched {
		payload.AreaLabel = f.profile.Name
	}
	return accept(item, payload, model.PriorityNormal)
}

// Score はキーワードの一致状況から関連性スコア（0..1）を求める。
// must_includeの全一致を前提に0.4、at_least_oneの一致数に応じて最大0.4、
// 都市名の定型句に一致すれば0.2を加算する。
func Score(areaTerms, areaHits int, cityMatched bool) float64 {
	score := 0.4

	if areaTerms == 0 {
		score += 0.4
	} else {
		need := min(2, areaTerms)
		score += 0.4 * min(1, float64(areaHits)/float64(need))
	}

	if cityMatched {
		score += 0.2
	}
	// 浮動小数点の誤差で閾値ちょうどの記事を落とさないよう小数第2位に丸める
	return min(math.Round(score*100)/100, 1)
}

// evaluateWeather は警報種別またはゾーンで気象警報を判定する。
func (f *Filter) evaluateWeather(item model.RawItem) Result {
	w := item.Weather
	if w == nil {
		return reject(item, ReasonMalformed, "weather payload missing")
	}
	cfg := f.profile.Weather

	matched := false
	for _, t := range cfg.AlertTypes {
		if strings.EqualFold(t, w.Event) {
			matched = true
			break
		}
	}
	if !matched && cfg.Zone != "" {
		for _, z := range w.Zones {
			if strings.EqualFold(z, cfg.Zone) || strings.HasSuffix(strings.ToUpper(z), "/"+strings.ToUpper(cfg.Zone)) {
				matched = true
				break
			}
		}
	}
	if !matched {
		return reject(item, ReasonOutOfArea, w.Event)
	}

	priority := model.PriorityNormal
	if strings.HasSuffix(strings.ToLower(strings.TrimSpace(w.Event)), "warning") || strings.EqualFold(w.Severity, "Extreme") {
		priority = model.PriorityAlert
	}

	return accept(item, &model.WeatherPayload{
		Event:       w.Event,
		Severity:    w.Severity,
		Urgency:     w.Urgency,
		Headline:    w.Headline,
		Description: w.Description,
		AreaDesc:    w.AreaDesc,
		Zones:       w.Zones,
		Onset:       w.Onset,
		Expires:     w.Expires,
	}, priority)
}

// evaluateQuake は震央までの距離とマグニチュードで地震を判定する。
func (f *Filter) evaluateQuake(item model.RawItem) Result {
	q := item.Quake
	if q == nil {
		return reject(item, ReasonMalformed, "earthquake payload missing")
	}
	cfg := f.profile.Earthquake

	if q.Magnitude < cfg.MinimumMagnitude {
		return reject(item, ReasonBelowThreshold, fmt.Sprintf("M%.1f", q.Magnitude))
	}

	distance := DistanceMiles(f.profile.Latitude, f.profile.Longitude, q.Latitude, q.Longitude)
	if cfg.RadiusMiles > 0 && distance > cfg.RadiusMiles {
		return reject(item, ReasonOutOfArea, fmt.Sprintf("%.1f mi", distance))
	}

	level := Significance(cfg, q.Magnitude, distance)
	priority := model.PriorityNormal
	if level == model.SignificanceRegional || level == model.SignificanceMajor {
		priority = model.PriorityAlert
	}

	return accept(item, &model.QuakePayload{
		Magnitude:     q.Magnitude,
		DepthKm:       q.DepthKm,
		Place:         q.Place,
		Latitude:      q.Latitude,
		Longitude:     q.Longitude,
		DistanceMiles: distance,
		Level:         level,
		DetailURL:     q.URL,
	}, priority)
}

// Significance は地震の重要度区分を返す。上位の区分から順に判定する。
func Significance(cfg model.EarthquakeConfig, magnitude, distance float64) model.SignificanceLevel {
	within := func(t model.QuakeThreshold) bool {
		return t.DistanceMiles <= 0 || distance <= t.DistanceMiles
	}

	switch {
	case cfg.Major.Magnitude > 0 && magnitude >= cfg.Major.Magnitude && within(cfg.Major):
		return model.SignificanceMajor
	case cfg.Regional.Magnitude > 0 && magnitude >= cfg.Regional.Magnitude && within(cfg.Regional):
		return model.SignificanceRegional
	case cfg.Nearby.Magnitude > 0 && magnitude >= cfg.Nearby.Magnitude && within(cfg.Nearby):
		return model.SignificanceNearby
	}
	return model.SignificanceNone
}

// fold はUnicodeのケースフォールディングを行う。
// Caserは状態を持つため、カテゴリ間で共有せず呼び出しごとに生成する。
func fold(s string) string {
	return cases.Fold().String(s)
}

func containsFold(text, term string) bool {
	term = fold(strings.TrimSpace(term))
	return term != "" && strings.Contains(text, term)
}

func firstMatch(text string, terms []string) (string, bool) {
	for _, t := range terms {
		if containsFold(text, t) {
			return t, true
		}
	}
	return "", false
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
