package model

import "time"

// CityProfile は1都市分の実行時設定を表す。
// 起動時に読み込み、パイプライン全体から読み取り専用として扱う。
type CityProfile struct {
	Name      string
	State     string
	Location  *time.Location
	Latitude  float64
	Longitude float64

	// Platforms は投稿先プラットフォーム名のリスト（twitter, bluesky など）。
	Platforms []string
	// Hashtags は全カテゴリ共通のデフォルトハッシュタグ。
	Hashtags []string

	Weather    WeatherConfig
	Earthquake EarthquakeConfig
	News       NewsConfig
}

// CategoryConfig はカテゴリ共通のスケジュール・クォータ設定。
type CategoryConfig struct {
	Enabled         bool
	UpdateFrequency time.Duration
	// AlertFrequency は未解決の警報がある間のポーリング間隔。0の場合はUpdateFrequencyを使う。
	AlertFrequency time.Duration
	MaxDaily       int
	// MinPostInterval は投稿間隔の下限。0の場合はUpdateFrequencyを使う。
	MinPostInterval time.Duration
	AlertOverride   bool
	// AlertExemptFromCount がtrueの場合、オーバーライドで通過した警報はposts_todayに数えない。
	AlertExemptFromCount bool
	IncludeMap           bool
	// MapZoom は地図のズームレベル。0の場合はカテゴリごとの既定値を使う。
	MapZoom  int
	Hashtags []string
}

// Spacing は同一カテゴリの投稿間に必要な最小間隔を返す。
func (c CategoryConfig) Spacing() time.Duration {
	if c.MinPostInterval > 0 {
		return c.MinPostInterval
	}
	return c.UpdateFrequency
}

// WeatherConfig は気象警報カテゴリの設定。
type WeatherConfig struct {
	CategoryConfig
	Zone       string
	AlertTypes []string
}

// QuakeThreshold は地震の重要度判定の閾値。DistanceMilesが0の場合は距離を問わない。
type QuakeThreshold struct {
	DistanceMiles float64
	Magnitude     float64
}

// EarthquakeConfig は地震カテゴリの設定。
type EarthquakeConfig struct {
	CategoryConfig
	MinimumMagnitude float64
	RadiusMiles      float64
	Nearby           QuakeThreshold
	Regional         QuakeThreshold
	Major            QuakeThreshold
	// Lookback はUSGSへの問い合わせ対象期間。
	Lookback time.Duration
}

// KeywordRules はニュースの関連性判定に使うキーワード集合。
type KeywordRules struct {
	MustInclude []string
	AtLeastOne  []string
	Exclude     []string
}

// NewsFeed はニュースのRSS/Atomフィード1件の設定。
type NewsFeed struct {
	Name string
	URL  string
	// Priority が1のフィードは記事本文を取得して判定に使うことができる。
	Priority       int
	ExtractContent bool
}

// NewsConfig はニュースカテゴリの設定。
type NewsConfig struct {
	CategoryConfig
	Keywords           KeywordRules
	RelevanceThreshold float64
	Feeds              []NewsFeed
}

// Category は指定カテゴリの共通設定を返す。
func (p *CityProfile) Category(c Category) CategoryConfig {
	switch c {
	case CategoryWeather:
		return p.Weather.CategoryConfig
	case CategoryEarthquake:
		return p.Earthquake.CategoryConfig
	case CategoryNews:
		return p.News.CategoryConfig
	}
	return CategoryConfig{}
}

// EnabledCategories は有効なカテゴリを固定順で返す。
func (p *CityProfile) EnabledCategories() []Category {
	var out []Category
	for _, c := range Categories() {
		if p.Category(c).Enabled {
			out = append(out, c)
		}
	}
	return out
}

// Timezone はLocationが未設定の場合にUTCを返す。
func (p *CityProfile) Timezone() *time.Location {
	if p.Location == nil {
		return time.UTC
	}
	return p.Location
}
