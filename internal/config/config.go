package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ストアのバックエンド種別
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
)

// DefaultMapTileURL は静的地図画像のURLテンプレートの既定値。
const DefaultMapTileURL = "https://staticmap.openstreetmap.de/staticmap.php?center={lat},{lon}&zoom={zoom}&size=800x600&markers={lat},{lon},red-pushpin"

// platformNames は投稿レート設定を読み込むプラットフォーム名。
var platformNames = []string{"twitter", "bluesky", "facebook", "linkedin", "reddit"}

// Config はプロセス全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// City
	CityProfile string

	// Store
	StoreBackend string
	DatabaseURL  string
	SQLitePath   string

	// Timeouts
	FetchTimeout    time.Duration
	RenderTimeout   time.Duration
	DispatchTimeout time.Duration

	// Dispatch
	DispatchMaxAttempts int
	DispatchBackoffBase time.Duration
	// PostsPerHour はプラットフォームごとの投稿レート上限（{PLATFORM}_POSTS_PER_HOUR）。
	PostsPerHour map[string]int

	// Fetch
	FetchMaxSize int64
	NWSBaseURL   string
	USGSBaseURL  string

	// Retention
	DedupRetention       time.Duration
	HistoryRetentionDays int
	CleanupInterval      time.Duration

	// Map
	MapCacheDir  string
	MapTileURL   string
	MapPrecision int
	MapMaxAge    time.Duration

	// Server
	ServerPort       string
	RateLimitGeneral int

	// Logging
	LogLevel string

	// Platform credentials
	TwitterBearerToken  string
	BlueskyHandle       string
	BlueskyAppPassword  string
	BlueskyPDSURL       string
	FacebookPageID      string
	FacebookPageToken   string
	LinkedInAccessToken string
	LinkedInAuthorURN   string
	RedditAccessToken   string
	RedditSubreddit     string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合は未設定の変数を全て列挙したエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.CityProfile = os.Getenv("CITY_PROFILE")
	if cfg.CityProfile == "" {
		missing = append(missing, "CITY_PROFILE")
	}

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	defaultBackend := StoreMemory
	if cfg.DatabaseURL != "" {
		defaultBackend = StorePostgres
	}
	cfg.StoreBackend = strings.ToLower(getEnvString("STORE_BACKEND", defaultBackend))
	switch cfg.StoreBackend {
	case StoreMemory, StoreSQLite:
	case StorePostgres:
		if cfg.DatabaseURL == "" {
			missing = append(missing, "DATABASE_URL")
		}
	default:
		return nil, fmt.Errorf("invalid STORE_BACKEND: %q (want memory, postgres or sqlite)", cfg.StoreBackend)
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.SQLitePath = getEnvString("SQLITE_PATH", "data/citybot.db")
	cfg.FetchTimeout = getEnvDuration("FETCH_TIMEOUT", 15*time.Second)
	cfg.RenderTimeout = getEnvDuration("RENDER_TIMEOUT", 20*time.Second)
	cfg.DispatchTimeout = getEnvDuration("DISPATCH_TIMEOUT", 20*time.Second)
	cfg.DispatchMaxAttempts = getEnvInt("DISPATCH_MAX_ATTEMPTS", 3)
	cfg.DispatchBackoffBase = getEnvDuration("DISPATCH_BACKOFF_BASE", 2*time.Second)
	cfg.FetchMaxSize = getEnvInt64("FETCH_MAX_SIZE", 5242880)
	cfg.NWSBaseURL = getEnvString("NWS_BASE_URL", "https://api.weather.gov")
	cfg.USGSBaseURL = getEnvString("USGS_BASE_URL", "https://earthquake.usgs.gov")
	cfg.DedupRetention = getEnvDuration("DEDUP_RETENTION", 168*time.Hour)
	cfg.HistoryRetentionDays = getEnvInt("HISTORY_RETENTION_DAYS", 30)
	cfg.CleanupInterval = getEnvDuration("CLEANUP_INTERVAL", 24*time.Hour)
	cfg.MapCacheDir = getEnvString("MAP_CACHE_DIR", "cache/maps")
	cfg.MapTileURL = getEnvString("MAP_TILE_URL", DefaultMapTileURL)
	cfg.MapPrecision = getEnvInt("MAP_PRECISION", 3)
	cfg.MapMaxAge = getEnvDuration("MAP_MAX_AGE", 168*time.Hour)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")

	cfg.TwitterBearerToken = os.Getenv("TWITTER_BEARER_TOKEN")
	cfg.BlueskyHandle = os.Getenv("BLUESKY_HANDLE")
	cfg.BlueskyAppPassword = os.Getenv("BLUESKY_APP_PASSWORD")
	cfg.BlueskyPDSURL = os.Getenv("BLUESKY_PDS_URL")
	cfg.FacebookPageID = os.Getenv("FACEBOOK_PAGE_ID")
	cfg.FacebookPageToken = os.Getenv("FACEBOOK_PAGE_TOKEN")
	cfg.LinkedInAccessToken = os.Getenv("LINKEDIN_ACCESS_TOKEN")
	cfg.LinkedInAuthorURN = os.Getenv("LINKEDIN_AUTHOR_URN")
	cfg.RedditAccessToken = os.Getenv("REDDIT_ACCESS_TOKEN")
	cfg.RedditSubreddit = os.Getenv("REDDIT_SUBREDDIT")

	cfg.PostsPerHour = make(map[string]int, len(platformNames))
	for _, p := range platformNames {
		cfg.PostsPerHour[p] = getEnvInt(strings.ToUpper(p)+"_POSTS_PER_HOUR", 10)
	}

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
