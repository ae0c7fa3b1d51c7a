package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hitoshi/citybot/internal/model"
)

// profileFile はYAMLの都市プロファイルのファイル形式。
type profileFile struct {
	Name        string   `yaml:"name"`
	State       string   `yaml:"state"`
	Timezone    string   `yaml:"timezone"`
	Coordinates struct {
		Latitude  float64 `yaml:"latitude"`
		Longitude float64 `yaml:"longitude"`
	} `yaml:"coordinates"`
	Platforms []string `yaml:"platforms"`
	Hashtags  []string `yaml:"hashtags"`

	Weather    weatherSection    `yaml:"weather"`
	Earthquake earthquakeSection `yaml:"earthquake"`
	News       newsSection       `yaml:"news"`
}

type categorySection struct {
	Enabled              *bool         `yaml:"enabled"`
	UpdateFrequency      time.Duration `yaml:"update_frequency"`
	AlertFrequency       time.Duration `yaml:"alert_frequency"`
	MaxDaily             *int          `yaml:"max_daily"`
	MinPostInterval      time.Duration `yaml:"min_post_interval"`
	AlertOverride        bool          `yaml:"alert_override"`
	AlertExemptFromCount bool          `yaml:"alert_exempt_from_count"`
	IncludeMap           bool          `yaml:"include_map"`
	MapZoom              int           `yaml:"map_zoom"`
	Hashtags             []string      `yaml:"hashtags"`
}

type weatherSection struct {
	categorySection `yaml:",inline"`
	Zone            string   `yaml:"zone"`
	AlertTypes      []string `yaml:"alert_types"`
}

type thresholdSection struct {
	DistanceMiles float64 `yaml:"distance_miles"`
	Magnitude     float64 `yaml:"magnitude"`
}

type earthquakeSection struct {
	categorySection  `yaml:",inline"`
	MinimumMagnitude float64       `yaml:"minimum_magnitude"`
	RadiusMiles      float64       `yaml:"radius_miles"`
	Lookback         time.Duration `yaml:"lookback"`
	Thresholds       struct {
		Nearby   *thresholdSection `yaml:"nearby"`
		Regional *thresholdSection `yaml:"regional"`
		Major    *thresholdSection `yaml:"major"`
	} `yaml:"thresholds"`
}

type newsSection struct {
	categorySection    `yaml:",inline"`
	RelevanceThreshold *float64 `yaml:"relevance_threshold"`
	Keywords           struct {
		MustInclude []string `yaml:"must_include"`
		AtLeastOne  []string `yaml:"at_least_one"`
		Exclude     []string `yaml:"exclude"`
	} `yaml:"keywords"`
	Feeds []struct {
		Name           string `yaml:"name"`
		URL            string `yaml:"url"`
		Priority       int    `yaml:"priority"`
		ExtractContent bool   `yaml:"extract_content"`
	} `yaml:"feeds"`
}

// categoryDefaults はカテゴリごとの既定値。
type categoryDefaults struct {
	updateFrequency time.Duration
	alertFrequency  time.Duration
	maxDaily        int
}

var defaults = map[model.Category]categoryDefaults{
	model.CategoryWeather:    {updateFrequency: 6 * time.Hour, alertFrequency: 15 * time.Minute, maxDaily: 4},
	model.CategoryEarthquake: {updateFrequency: 5 * time.Minute, maxDaily: 10},
	model.CategoryNews:       {updateFrequency: 30 * time.Minute, maxDaily: 24},
}

// 地震カテゴリの既定値
const (
	defaultMinimumMagnitude = 3.0
	defaultRadiusMiles      = 100.0
	defaultLookback         = time.Hour
	defaultThreshold        = 0.6
)

// LoadProfile はYAMLファイルから都市プロファイルを読み込み、既定値を適用して検証する。
func LoadProfile(path string) (*model.CityProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read city profile: %w", err)
	}
	return ParseProfile(data)
}

// ParseProfile はYAMLから都市プロファイルを生成する。
func ParseProfile(data []byte) (*model.CityProfile, error) {
	var f profileFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse city profile YAML: %w", err)
	}
	if err := f.validate(); err != nil {
		return nil, err
	}

	loc, err := time.LoadLocation(f.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid city profile: timezone %q: %w", f.Timezone, err)
	}

	p := &model.CityProfile{
		Name:      f.Name,
		State:     f.State,
		Location:  loc,
		Latitude:  f.Coordinates.Latitude,
		Longitude: f.Coordinates.Longitude,
		Platforms: normalize(f.Platforms),
		Hashtags:  f.Hashtags,
	}

	p.Weather = model.WeatherConfig{
		CategoryConfig: f.Weather.toConfig(model.CategoryWeather),
		Zone:           strings.ToUpper(f.Weather.Zone),
		AlertTypes:     f.Weather.AlertTypes,
	}

	eq := f.Earthquake
	p.Earthquake = model.EarthquakeConfig{
		CategoryConfig:   eq.toConfig(model.CategoryEarthquake),
		MinimumMagnitude: orFloat(eq.MinimumMagnitude, defaultMinimumMagnitude),
		RadiusMiles:      orFloat(eq.RadiusMiles, defaultRadiusMiles),
		Lookback:         eq.Lookback,
		Nearby:           threshold(eq.Thresholds.Nearby, model.QuakeThreshold{DistanceMiles: 25, Magnitude: 3.0}),
		Regional:         threshold(eq.Thresholds.Regional, model.QuakeThreshold{DistanceMiles: 50, Magnitude: 4.0}),
		Major:            threshold(eq.Thresholds.Major, model.QuakeThreshold{Magnitude: 5.0}),
	}
	if p.Earthquake.Lookback <= 0 {
		p.Earthquake.Lookback = defaultLookback
	}

	n := f.News
	p.News = model.NewsConfig{
		CategoryConfig: n.toConfig(model.CategoryNews),
		Keywords: model.KeywordRules{
			MustInclude: n.Keywords.MustInclude,
			AtLeastOne:  n.Keywords.AtLeastOne,
			Exclude:     n.Keywords.Exclude,
		},
		RelevanceThreshold: defaultThreshold,
	}
	if n.RelevanceThreshold != nil {
		p.News.RelevanceThreshold = *n.RelevanceThreshold
	}
	for _, feed := range n.Feeds {
		p.News.Feeds = append(p.News.Feeds, model.NewsFeed{
			Name:           feed.Name,
			URL:            feed.URL,
			Priority:       feed.Priority,
			ExtractContent: feed.ExtractContent,
		})
	}

	if err := ValidateProfile(p); err != nil {
		return nil, err
	}
	return p, nil
}

// validate はタイムゾーン読み込み前に必要な項目を検証する。
func (f *profileFile) validate() error {
	var problems []string
	if f.Name == "" {
		problems = append(problems, "name is required")
	}
	if f.Timezone == "" {
		problems = append(problems, "timezone is required")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid city profile: %s", strings.Join(problems, "; "))
	}
	return nil
}

func (s categorySection) toConfig(c model.Category) model.CategoryConfig {
	d := defaults[c]
	cfg := model.CategoryConfig{
		Enabled:              s.Enabled == nil || *s.Enabled,
		UpdateFrequency:      s.UpdateFrequency,
		AlertFrequency:       s.AlertFrequency,
		MaxDaily:             d.maxDaily,
		MinPostInterval:      s.MinPostInterval,
		AlertOverride:        s.AlertOverride,
		AlertExemptFromCount: s.AlertExemptFromCount,
		IncludeMap:           s.IncludeMap,
		MapZoom:              s.MapZoom,
		Hashtags:             s.Hashtags,
	}
	if cfg.UpdateFrequency == 0 {
		cfg.UpdateFrequency = d.updateFrequency
	}
	if cfg.AlertFrequency == 0 {
		cfg.AlertFrequency = d.alertFrequency
	}
	if s.MaxDaily != nil {
		cfg.MaxDaily = *s.MaxDaily
	}
	return cfg
}

// ValidateProfile は都市プロファイルを検証し、問題を全て列挙したエラーを返す。
func ValidateProfile(p *model.CityProfile) error {
	var problems []string

	if p.Name == "" {
		problems = append(problems, "name is required")
	}
	if p.Location == nil {
		problems = append(problems, "timezone is required")
	}
	if p.Latitude < -90 || p.Latitude > 90 {
		problems = append(problems, fmt.Sprintf("latitude %v out of range", p.Latitude))
	}
	if p.Longitude < -180 || p.Longitude > 180 {
		problems = append(problems, fmt.Sprintf("longitude %v out of range", p.Longitude))
	}
	if len(p.Platforms) == 0 {
		problems = append(problems, "at least one platform is required")
	}
	for _, name := range p.Platforms {
		if !model.KnownPlatform(name) {
			problems = append(problems, fmt.Sprintf("unknown platform %q", name))
		}
	}

	for _, c := range model.Categories() {
		cfg := p.Category(c)
		if !cfg.Enabled {
			continue
		}
		if cfg.UpdateFrequency <= 0 {
			problems = append(problems, fmt.Sprintf("%s.update_frequency must be positive", c))
		}
		if cfg.AlertFrequency < 0 || cfg.MinPostInterval < 0 {
			problems = append(problems, fmt.Sprintf("%s intervals must be non-negative", c))
		}
		if cfg.MaxDaily < 0 {
			problems = append(problems, fmt.Sprintf("%s.max_daily must be non-negative", c))
		}
		if cfg.MapZoom < 0 || cfg.MapZoom > 19 {
			problems = append(problems, fmt.Sprintf("%s.map_zoom must be between 0 and 19", c))
		}
	}

	if p.Weather.Enabled && p.Weather.Zone == "" {
		problems = append(problems, "weather.zone is required")
	}
	if p.Earthquake.Enabled && p.Earthquake.RadiusMiles <= 0 {
		problems = append(problems, "earthquake.radius_miles must be positive")
	}
	if t := p.News.RelevanceThreshold; t < 0 || t > 1 {
		problems = append(problems, fmt.Sprintf("news.relevance_threshold %v must be between 0 and 1", t))
	}
	if p.News.Enabled {
		if len(p.News.Feeds) == 0 {
			problems = append(problems, "news.feeds must not be empty")
		}
		for i, feed := range p.News.Feeds {
			if feed.Name == "" || feed.URL == "" {
				problems = append(problems, fmt.Sprintf("news.feeds[%d] requires name and url", i))
			}
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid city profile: %s", strings.Join(problems, "; "))
	}
	return nil
}

func normalize(names []string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		out = append(out, strings.ToLower(strings.TrimSpace(n)))
	}
	return out
}

func orFloat(v, def float64) float64 {
	if v == 0 {
		return def
	}
	return v
}

func threshold(s *thresholdSection, def model.QuakeThreshold) model.QuakeThreshold {
	if s == nil {
		return def
	}
	return model.QuakeThreshold{DistanceMiles: s.DistanceMiles, Magnitude: s.Magnitude}
}
