package source

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/url"
	"strconv"
	"time"

	"github.com/hitoshi/citybot/internal/model"
)

// DefaultUSGSBaseURL はUSGS FDSN Event APIのベースURL。
const DefaultUSGSBaseURL = "https://earthquake.usgs.gov"

const (
	usgsSourceID = "usgs"
	kmPerMile    = 1.60934
	// maxRadiusKm はFDSNが受け付けるmaxradiuskmの上限。
	maxRadiusKm = 20001.6
	// DefaultLookback は地震の問い合わせ対象期間の既定値。
	DefaultLookback = time.Hour
)

// EarthquakeAdapter はUSGSから都市周辺の地震を取得する。
type EarthquakeAdapter struct {
	http    *httpSource
	baseURL string
	logger  *slog.Logger
	now     func() time.Time
}

// NewEarthquakeAdapter はEarthquakeAdapterを生成する。baseURLが空の場合はUSGSの本番URLを使う。
func NewEarthquakeAdapter(baseURL string, opts Options) *EarthquakeAdapter {
	if baseURL == "" {
		baseURL = DefaultUSGSBaseURL
	}
	return &EarthquakeAdapter{
		http:    newHTTPSource(usgsSourceID, opts),
		baseURL: baseURL,
		logger:  loggerOrDefault(opts.Logger),
		now:     time.Now,
	}
}

func (a *EarthquakeAdapter) Category() model.Category { return model.CategoryEarthquake }

type usgsCollection struct {
	Features []usgsFeature `json:"features"`
}

type usgsFeature struct {
	ID         string `json:"id"`
	Properties struct {
		Mag   *float64 `json:"mag"`
		Place string   `json:"place"`
		Time  int64    `json:"time"`
		URL   string   `json:"url"`
	} `json:"properties"`
	Geometry struct {
		Coordinates []float64 `json:"coordinates"`
	} `json:"geometry"`
}

// QueryURL は都市プロファイルに対するFDSNクエリのURLを返す。
func (a *EarthquakeAdapter) QueryURL(profile *model.CityProfile) string {
	cfg := profile.Earthquake
	lookback := cfg.Lookback
	if lookback <= 0 {
		lookback = DefaultLookback
	}
	radiusKm := math.Min(cfg.RadiusMiles*kmPerMile, maxRadiusKm)

	q := url.Values{}
	q.Set("format", "geojson")
	q.Set("orderby", "time")
	q.Set("latitude", strconv.FormatFloat(profile.Latitude, 'f', 4, 64))
	q.Set("longitude", strconv.FormatFloat(profile.Longitude, 'f', 4, 64))
	q.Set("maxradiuskm", strconv.FormatFloat(radiusKm, 'f', 1, 64))
	q.Set("minmagnitude", strconv.FormatFloat(cfg.MinimumMagnitude, 'f', 1, 64))
	q.Set("starttime", a.now().UTC().Add(-lookback).Format("2006-01-02T15:04:05"))
	return a.baseURL + "/fdsnws/event/1/query?" + q.Encode()
}

// Fetch は問い合わせ期間内の地震を返す。
func (a *EarthquakeAdapter) Fetch(ctx context.Context, profile *model.CityProfile) ([]model.RawItem, error) {
	resp, err := a.http.get(ctx, model.CategoryEarthquake, a.QueryURL(profile), "application/geo+json", nil)
	if err != nil {
		return nil, err
	}

	var coll usgsCollection
	if err := json.Unmarshal(resp.body, &coll); err != nil {
		return nil, fmt.Errorf("%w: usgs: %w", model.ErrMalformedResponse, err)
	}

	items := make([]model.RawItem, 0, len(coll.Features))
	for _, f := range coll.Features {
		item, ok := convertUSGSFeature(f)
		if !ok {
			a.logger.Warn("不完全な地震データをスキップしました",
				slog.String("city", profile.Name),
				slog.String("quake_id", f.ID),
			)
			continue
		}
		items = append(items, item)
	}

	a.logger.Info("地震情報を取得しました",
		slog.String("city", profile.Name),
		slog.Int("count", len(items)),
	)
	return items, nil
}

// convertUSGSFeature はUSGSのイベントをRawItemに変換する。
// 識別子・マグニチュード・座標のいずれかが欠けている場合はfalseを返す。
func convertUSGSFeature(f usgsFeature) (model.RawItem, bool) {
	coords := f.Geometry.Coordinates
	if f.ID == "" || f.Properties.Mag == nil || len(coords) < 2 {
		return model.RawItem{}, false
	}

	q := &model.RawQuake{
		ID:        f.ID,
		Magnitude: *f.Properties.Mag,
		Place:     f.Properties.Place,
		Longitude: coords[0],
		Latitude:  coords[1],
		URL:       f.Properties.URL,
	}
	if len(coords) >= 3 {
		q.DepthKm = coords[2]
	}

	occurred := time.UnixMilli(f.Properties.Time).UTC()
	if f.Properties.Time == 0 {
		occurred = time.Now().UTC()
	}

	return model.RawItem{
		Category:   model.CategoryEarthquake,
		SourceID:   usgsSourceID,
		ContentKey: f.ID,
		OccurredAt: occurred,
		Quake:      q,
	}, true
}
