package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/citybot/internal/compose"
	"github.com/hitoshi/citybot/internal/config"
	"github.com/hitoshi/citybot/internal/database"
	"github.com/hitoshi/citybot/internal/dedup"
	"github.com/hitoshi/citybot/internal/dispatch"
	"github.com/hitoshi/citybot/internal/handler"
	"github.com/hitoshi/citybot/internal/logger"
	"github.com/hitoshi/citybot/internal/maprender"
	"github.com/hitoshi/citybot/internal/metrics"
	"github.com/hitoshi/citybot/internal/middleware"
	"github.com/hitoshi/citybot/internal/model"
	"github.com/hitoshi/citybot/internal/pipeline"
	"github.com/hitoshi/citybot/internal/platform"
	"github.com/hitoshi/citybot/internal/quota"
	"github.com/hitoshi/citybot/internal/relevance"
	"github.com/hitoshi/citybot/internal/repository"
	"github.com/hitoshi/citybot/internal/security"
	"github.com/hitoshi/citybot/internal/source"
	"github.com/hitoshi/citybot/internal/worker/cleanup"
)

// shutdownTimeout はステータスサーバーのグレースフルシャットダウンの待機上限。
const shutdownTimeout = 30 * time.Second

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、LOG_LEVELに従ってJSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, slog.LevelInfo)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		slog.Warn("LOG_LEVELが不正なためinfoを使用します", slog.String("log_level", cfg.LogLevel))
	}
	logger.SetupDefault(w, level)

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("city_profile", cfg.CityProfile),
		slog.String("store_backend", cfg.StoreBackend),
	)

	switch cmd {
	case CommandMigrate:
		return runMigrate(cfg)
	case CommandCheck:
		return runCheck(w, cfg)
	default:
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runPipeline(ctx, cfg)
	}
}

// components はrunで起動する部品一式。
type components struct {
	profile *model.CityProfile
	store   *repository.Store
	runner  *pipeline.Runner
	cleanup *cleanup.CleanupJob
	limiter *middleware.RateLimiter
	router  http.Handler
}

// build は設定と都市プロファイルから全依存関係をワイヤリングする。
func build(cfg *config.Config, log *slog.Logger) (*components, error) {
	// 1. 都市プロファイル
	profile, err := config.LoadProfile(cfg.CityProfile)
	if err != nil {
		return nil, err
	}

	// 2. 状態ストア
	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	// 3. メトリクス
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	// 4. セキュリティサービス
	ssrfGuard := security.NewSSRFGuard()
	sanitizer := security.NewContentSanitizer()

	// 5. ソースアダプタ
	opts := source.Options{
		Client:      ssrfGuard.NewSafeClient(cfg.FetchTimeout),
		MaxBodySize: cfg.FetchMaxSize,
		Metrics:     collector,
		Logger:      log,
	}
	adapters := map[model.Category]source.Adapter{
		model.CategoryWeather:    source.NewWeatherAdapter(cfg.NWSBaseURL, opts),
		model.CategoryEarthquake: source.NewEarthquakeAdapter(cfg.USGSBaseURL, opts),
		model.CategoryNews:       source.NewNewsAdapter(opts, ssrfGuard, sanitizer),
	}

	// 6. 地図画像
	mapSource := maprender.NewStaticMapSource(ssrfGuard.NewSafeClient(cfg.RenderTimeout), cfg.MapTileURL, source.DefaultUserAgent)
	mapCache, err := maprender.NewCache(cfg.MapCacheDir, mapSource, cfg.MapPrecision, log)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to prepare map cache: %w", err)
	}

	// 7. 配信先プラットフォーム
	creds := credentials(cfg)
	if missing := creds.Missing(profile.Platforms); len(missing) > 0 {
		log.Warn("認証情報が未設定のプラットフォームへの投稿は失敗します",
			slog.String("missing", strings.Join(missing, ",")),
		)
	}
	clients, err := platform.NewClients(profile.Platforms, creds, &http.Client{Timeout: cfg.DispatchTimeout})
	if err != nil {
		store.Close()
		return nil, err
	}

	// 8. パイプライン
	dedupStore := dedup.NewStore(profile, store.Dedup, cfg.DedupRetention, log)
	tracker := quota.NewTracker(profile, store.Quota, log)
	runner := pipeline.NewRunner(pipeline.Deps{
		Adapters: adapters,
		Filter:   relevance.NewFilter(profile),
		Dedup:    dedupStore,
		Quota:    tracker,
		Composer: compose.NewComposer(profile, mapCache, cfg.RenderTimeout, collector, log),
		Dispatcher: dispatch.NewDispatcher(dispatch.Config{
			MaxAttempts:    cfg.DispatchMaxAttempts,
			BackoffBase:    cfg.DispatchBackoffBase,
			AttemptTimeout: cfg.DispatchTimeout,
			PostsPerHour:   cfg.PostsPerHour,
		}, collector, log),
		Clients:      clients,
		Posts:        store.Posts,
		Metrics:      collector,
		Logger:       log,
		FetchTimeout: cfg.FetchTimeout,
	})

	// 9. クリーンアップジョブ
	cleanupJob := cleanup.NewCleanupJob(dedupStore, store.Quota, store.Posts, mapCache, profile.Timezone(), log)
	cleanupJob.RetentionDays = cfg.HistoryRetentionDays
	cleanupJob.MapMaxAge = cfg.MapMaxAge

	// 10. ステータスサーバー
	limiter := middleware.NewRateLimiter(middleware.RateLimiterConfigPerMinute(cfg.RateLimitGeneral), log)
	router := handler.NewRouter(&handler.RouterDeps{
		City:        profile.Name,
		Ping:        store.Ping,
		Quota:       tracker,
		Reports:     runner,
		Posts:       store.Posts,
		Metrics:     metrics.Handler(reg),
		RateLimiter: limiter,
		Logger:      log,
	})

	return &components{
		profile: profile,
		store:   store,
		runner:  runner,
		cleanup: cleanupJob,
		limiter: limiter,
		router:  router,
	}, nil
}

// runPipeline はパイプライン、ステータスサーバー、クリーンアップジョブを起動する。
// ctxがキャンセルされると全て停止してから戻る。
func runPipeline(ctx context.Context, cfg *config.Config) error {
	log := slog.Default()

	c, err := build(cfg, log)
	if err != nil {
		return err
	}
	defer c.store.Close()
	defer c.limiter.Stop()

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      c.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("status server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server listen error", slog.String("error", err.Error()))
		}
	}()

	go c.cleanup.Start(ctx, cfg.CleanupInterval)

	log.Info("pipeline starting",
		slog.String("city", c.profile.Name),
		slog.String("platforms", strings.Join(c.profile.Platforms, ",")),
	)
	runErr := c.runner.Run(ctx, c.profile)

	log.Info("shutting down status server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	if runErr != nil {
		return fmt.Errorf("pipeline failed: %w", runErr)
	}
	log.Info("citybot stopped gracefully")
	return nil
}

// openStore は設定されたバックエンドのリポジトリ一式を開く。
// SQLiteは単一ホスト運用のため起動時にマイグレーションを適用する。
func openStore(cfg *config.Config) (*repository.Store, error) {
	switch cfg.StoreBackend {
	case config.StoreMemory:
		slog.Warn("インメモリストアを使用します。再起動すると重複排除と投稿カウンタは失われます")
		return repository.NewMemoryStore(), nil

	case config.StoreSQLite:
		if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create sqlite directory: %w", err)
		}
		dsn := database.SQLiteDSN(cfg.SQLitePath)
		if err := database.RunMigrations(database.DriverSQLite, dsn); err != nil {
			return nil, fmt.Errorf("migration failed: %w", err)
		}
		return openSQLStore(database.DriverSQLite, dsn, repository.DialectSQLite)

	case config.StorePostgres:
		return openSQLStore(database.DriverPostgres, cfg.DatabaseURL, repository.DialectPostgres)

	default:
		return nil, fmt.Errorf("unsupported store backend: %s", cfg.StoreBackend)
	}
}

func openSQLStore(driver, dsn string, dialect repository.Dialect) (*repository.Store, error) {
	db, err := database.Open(driver, dsn)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", model.NewStoreUnavailableError(err))
	}

	slog.Info("database connection established", slog.String("driver", driver))
	return repository.NewSQLStore(db, dialect), nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	var driver, dsn string
	switch cfg.StoreBackend {
	case config.StorePostgres:
		driver, dsn = database.DriverPostgres, cfg.DatabaseURL
	case config.StoreSQLite:
		driver, dsn = database.DriverSQLite, database.SQLiteDSN(cfg.SQLitePath)
	default:
		return fmt.Errorf("migrate requires STORE_BACKEND=postgres or sqlite, got %q", cfg.StoreBackend)
	}

	slog.Info("running database migrations",
		slog.String("driver", driver),
		slog.String("database_url", maskDatabaseURL(dsn)),
	)

	if err := database.RunMigrations(driver, dsn); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runCheck は都市プロファイルを読み込んで検証し、概要をwに出力する。
// 有効なプラットフォームの認証情報が欠けている場合もエラーを返す。
func runCheck(w io.Writer, cfg *config.Config) error {
	profile, err := config.LoadProfile(cfg.CityProfile)
	if err != nil {
		return err
	}
	if w == nil {
		w = os.Stdout
	}

	fmt.Fprintf(w, "city: %s, %s (%s)\n", profile.Name, profile.State, profile.Timezone())
	fmt.Fprintf(w, "coordinates: %.4f, %.4f\n", profile.Latitude, profile.Longitude)
	fmt.Fprintf(w, "platforms: %s (text limit %d)\n",
		strings.Join(profile.Platforms, ", "), model.StrictestTextLimit(profile.Platforms))
	for _, c := range model.Categories() {
		cc := profile.Category(c)
		if !cc.Enabled {
			fmt.Fprintf(w, "%s: disabled\n", c)
			continue
		}
		fmt.Fprintf(w, "%s: every %s (alert %s), max %d/day, map=%t\n",
			c, cc.UpdateFrequency, cc.AlertFrequency, cc.MaxDaily, cc.IncludeMap)
	}
	if profile.News.Enabled {
		fmt.Fprintf(w, "news feeds: %d, relevance threshold %.2f\n",
			len(profile.News.Feeds), profile.News.RelevanceThreshold)
	}

	if missing := credentials(cfg).Missing(profile.Platforms); len(missing) > 0 {
		return fmt.Errorf("missing platform credentials: %s", strings.Join(missing, ", "))
	}
	fmt.Fprintln(w, "ok")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	target := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(target)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

func credentials(cfg *config.Config) platform.Credentials {
	return platform.Credentials{
		TwitterBearerToken:  cfg.TwitterBearerToken,
		BlueskyHandle:       cfg.BlueskyHandle,
		BlueskyAppPassword:  cfg.BlueskyAppPassword,
		BlueskyPDSURL:       cfg.BlueskyPDSURL,
		FacebookPageID:      cfg.FacebookPageID,
		FacebookPageToken:   cfg.FacebookPageToken,
		LinkedInAccessToken: cfg.LinkedInAccessToken,
		LinkedInAuthorURN:   cfg.LinkedInAuthorURN,
		RedditAccessToken:   cfg.RedditAccessToken,
		RedditSubreddit:     cfg.RedditSubreddit,
	}
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.Scheme == "" {
		return "***"
	}
	return u.Redacted()
}
