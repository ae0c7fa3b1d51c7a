// Package model はドメインモデルを定義する。
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Category はデータソースの種類を表す。カテゴリごとにスケジュールとクォータを持つ。
type Category string

const (
	// CategoryWeather は気象警報カテゴリ。
	CategoryWeather Category = "weather"
	// CategoryEarthquake は地震カテゴリ。
	CategoryEarthquake Category = "earthquake"
	// CategoryNews はローカルニュースカテゴリ。
	CategoryNews Category = "news"
)

// Categories は全カテゴリを固定順で返す。
func Categories() []Category {
	return []Category{CategoryWeather, CategoryEarthquake, CategoryNews}
}

// Valid はカテゴリが既知の値かを返す。
func (c Category) Valid() bool {
	switch c {
	case CategoryWeather, CategoryEarthquake, CategoryNews:
		return true
	}
	return false
}

// Priority はイベントの優先度を表す。
type Priority string

const (
	// PriorityNormal は通常優先度。
	PriorityNormal Priority = "normal"
	// PriorityAlert は警報優先度。alert_overrideが有効な場合はクォータを迂回できる。
	PriorityAlert Priority = "alert"
)

// SignificanceLevel は地震の重要度区分を表す。
type SignificanceLevel string

const (
	SignificanceNone     SignificanceLevel = "none"
	SignificanceNearby   SignificanceLevel = "nearby"
	SignificanceRegional SignificanceLevel = "regional"
	SignificanceMajor    SignificanceLevel = "major"
)

// Payload はカテゴリ固有のイベント内容。
// NewsPayload / WeatherPayload / QuakePayload のいずれか。
type Payload interface {
	Category() Category
	isPayload()
}

// NewsPayload はニュース記事のペイロード。
type NewsPayload struct {
	Title           string
	Summary         string
	URL             string
	FeedName        string
	MatchedKeywords []string
	RelevanceScore  float64
	// AreaLabel はat_least_oneで一致した地域名。地図の表示対象判定に使う。
	AreaLabel string
}

// Category はPayloadインターフェースを実装する。
func (*NewsPayload) Category() Category { return CategoryNews }
func (*NewsPayload) isPayload()         {}

// WeatherPayload は気象警報のペイロード。
type WeatherPayload struct {
	Event       string
	Severity    string
	Urgency     string
	Headline    string
	Description string
	AreaDesc    string
	Zones       []string
	Onset       time.Time
	Expires     time.Time
}

// Category はPayloadインターフェースを実装する。
func (*WeatherPayload) Category() Category { return CategoryWeather }
func (*WeatherPayload) isPayload()         {}

// QuakePayload は地震のペイロード。
type QuakePayload struct {
	Magnitude     float64
	DepthKm       float64
	Place         string
	Latitude      float64
	Longitude     float64
	DistanceMiles float64
	Level         SignificanceLevel
	DetailURL     string
}

// Category はPayloadインターフェースを実装する。
func (*QuakePayload) Category() Category { return CategoryEarthquake }
func (*QuakePayload) isPayload()         {}

// RawItem はソースアダプタが返す未評価の候補。
// News / Weather / Quake のうちCategoryに対応する1つだけが設定される。
type RawItem struct {
	Category   Category
	SourceID   string
	ContentKey string
	OccurredAt time.Time

	News    *RawNews
	Weather *RawWeather
	Quake   *RawQuake
}

// Fingerprint はRawItemから導出される重複排除用の識別子を返す。
func (r RawItem) Fingerprint() string {
	return Fingerprint(r.Category, r.SourceID, r.ContentKey)
}

// RawNews はRSS/Atomから取得した記事。Summaryはプレーンテキスト化済み。
type RawNews struct {
	Title    string
	Summary  string
	Link     string
	FeedName string
	// ArticleText は優先フィードで本文抽出した場合のみ設定される。
	ArticleText string
}

// RawWeather はNWSのアクティブ警報1件。
type RawWeather struct {
	ID          string
	Event       string
	Severity    string
	Urgency     string
	Headline    string
	Description string
	AreaDesc    string
	Zones       []string
	Onset       time.Time
	Expires     time.Time
}

// RawQuake はUSGSの地震イベント1件。
type RawQuake struct {
	ID        string
	Magnitude float64
	DepthKm   float64
	Place     string
	Latitude  float64
	Longitude float64
	URL       string
}

// Event はフィルタを通過した公開候補。生成後は変更しない。
type Event struct {
	Category    Category
	SourceID    string
	OccurredAt  time.Time
	Fingerprint string
	Payload     Payload
	Priority    Priority
}

// Fingerprint はカテゴリ・ソースID・コンテンツキーからSHA-256の16進文字列を生成する。
// 同じ元データに対しては常に同じ値を返す。
func Fingerprint(category Category, sourceID, contentKey string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s", category, sourceID, contentKey)
	return hex.EncodeToString(h.Sum(nil))
}
