package source

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/hitoshi/citybot/internal/model"
)

// DefaultNWSBaseURL はNational Weather Service APIのベースURL。
const DefaultNWSBaseURL = "https://api.weather.gov"

// nwsSourceID は気象警報のソースID。
const nwsSourceID = "nws"

// WeatherAdapter はNWSのアクティブ警報を取得する。
type WeatherAdapter struct {
	http    *httpSource
	baseURL string
	logger  *slog.Logger
}

// NewWeatherAdapter はWeatherAdapterを生成する。baseURLが空の場合はNWSの本番URLを使う。
func NewWeatherAdapter(baseURL string, opts Options) *WeatherAdapter {
	if baseURL == "" {
		baseURL = DefaultNWSBaseURL
	}
	return &WeatherAdapter{
		http:    newHTTPSource(nwsSourceID, opts),
		baseURL: baseURL,
		logger:  loggerOrDefault(opts.Logger),
	}
}

func (a *WeatherAdapter) Category() model.Category { return model.CategoryWeather }

type nwsCollection struct {
	Features []nwsFeature `json:"features"`
}

type nwsFeature struct {
	ID         string `json:"id"`
	Properties struct {
		ID            string   `json:"id"`
		AreaDesc      string   `json:"areaDesc"`
		AffectedZones []string `json:"affectedZones"`
		Geocode       struct {
			UGC []string `json:"UGC"`
		} `json:"geocode"`
		Sent        *time.Time `json:"sent"`
		Effective   *time.Time `json:"effective"`
		Onset       *time.Time `json:"onset"`
		Expires     *time.Time `json:"expires"`
		Ends        *time.Time `json:"ends"`
		Severity    string     `json:"severity"`
		Urgency     string     `json:"urgency"`
		Event       string     `json:"event"`
		Headline    string     `json:"headline"`
		Description string     `json:"description"`
	} `json:"properties"`
}

// Fetch は設定ゾーンのアクティブ警報を返す。
func (a *WeatherAdapter) Fetch(ctx context.Context, profile *model.CityProfile) ([]model.RawItem, error) {
	zone := profile.Weather.Zone
	if zone == "" {
		return nil, fmt.Errorf("%w: nws: weather zone is not configured", model.ErrSourceUnavailable)
	}

	u := fmt.Sprintf("%s/alerts/active?zone=%s", a.baseURL, url.QueryEscape(zone))
	resp, err := a.http.get(ctx, model.CategoryWeather, u, "application/geo+json", nil)
	if err != nil {
		return nil, err
	}

	var coll nwsCollection
	if err := json.Unmarshal(resp.body, &coll); err != nil {
		return nil, fmt.Errorf("%w: nws: %w", model.ErrMalformedResponse, err)
	}

	items := make([]model.RawItem, 0, len(coll.Features))
	for _, f := range coll.Features {
		item, ok := convertNWSFeature(f)
		if !ok {
			a.logger.Warn("識別子のない警報をスキップしました",
				slog.String("city", profile.Name),
				slog.String("event", f.Properties.Event),
			)
			continue
		}
		items = append(items, item)
	}

	a.logger.Info("気象警報を取得しました",
		slog.String("city", profile.Name),
		slog.String("zone", zone),
		slog.Int("count", len(items)),
	)
	return items, nil
}

// convertNWSFeature はNWSの警報をRawItemに変換する。識別子がない場合はfalseを返す。
func convertNWSFeature(f nwsFeature) (model.RawItem, bool) {
	p := f.Properties
	id := p.ID
	if id == "" {
		id = f.ID
	}
	if id == "" {
		return model.RawItem{}, false
	}

	zones := make([]string, 0, len(p.AffectedZones)+len(p.Geocode.UGC))
	zones = append(zones, p.AffectedZones...)
	zones = append(zones, p.Geocode.UGC...)

	w := &model.RawWeather{
		ID:          id,
		Event:       p.Event,
		Severity:    p.Severity,
		Urgency:     p.Urgency,
		Headline:    p.Headline,
		Description: p.Description,
		AreaDesc:    p.AreaDesc,
		Zones:       zones,
		Onset:       firstTime(p.Onset, p.Effective, p.Sent),
		Expires:     firstTime(p.Ends, p.Expires),
	}

	occurred := w.Onset
	if occurred.IsZero() {
		occurred = time.Now().UTC()
	}

	return model.RawItem{
		Category:   model.CategoryWeather,
		SourceID:   nwsSourceID,
		ContentKey: id,
		OccurredAt: occurred,
		Weather:    w,
	}, true
}

// firstTime は最初に設定されている時刻を返す。
func firstTime(ts ...*time.Time) time.Time {
	for _, t := range ts {
		if t != nil && !t.IsZero() {
			return *t
		}
	}
	return time.Time{}
}

func loggerOrDefault(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}
