package maprender

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hitoshi/citybot/internal/model"
)

// DefaultPrecision は座標を丸める小数点以下の桁数。
const DefaultPrecision = 3

// Cache はImageSourceの結果を丸めた (lat, lon, zoom) 単位でディスクに保存するRenderer。
// 同じキーへの同時要求は1回の取得にまとめる。
type Cache struct {
	dir       string
	source    ImageSource
	precision int
	group     singleflight.Group
	logger    *slog.Logger
}

// NewCache はCacheの新しいインスタンスを生成する。precisionが0以下の場合は既定値を使う。
func NewCache(dir string, source ImageSource, precision int, logger *slog.Logger) (*Cache, error) {
	if precision <= 0 {
		precision = DefaultPrecision
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create map cache dir: %w", err)
	}
	return &Cache{dir: dir, source: source, precision: precision, logger: logger}, nil
}

var _ Renderer = (*Cache)(nil)

// Key は座標を丸めたキャッシュキーを返す。
func (c *Cache) Key(lat, lon float64, zoom int) string {
	return fmt.Sprintf("%s_%s_z%d", c.format(lat), c.format(lon), zoom)
}

func (c *Cache) format(v float64) string {
	scale := math.Pow10(c.precision)
	rounded := math.Round(v*scale) / scale
	// ファイル名に使うため符号と小数点を置き換える
	s := strconv.FormatFloat(rounded, 'f', c.precision, 64)
	return strings.NewReplacer("-", "m", ".", "p").Replace(s)
}

// Path はキーに対応するファイルパスを返す。
func (c *Cache) Path(key string) string {
	return filepath.Join(c.dir, "map_"+key+".png")
}

// Render はキャッシュ済みの画像があればそれを返し、なければ取得して保存する。
func (c *Cache) Render(ctx context.Context, lat, lon float64, zoom int) (model.ImageRef, error) {
	key := c.Key(lat, lon, zoom)
	path := c.Path(key)

	if _, err := os.Stat(path); err == nil {
		return model.ImageRef{Path: path}, nil
	}

	v, err, shared := c.group.Do(key, func() (any, error) {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
		data, err := c.source.Fetch(ctx, lat, lon, zoom)
		if err != nil {
			return "", err
		}
		if err := writeFileAtomic(path, data); err != nil {
			return "", fmt.Errorf("%w: save map: %w", model.ErrRenderUnavailable, err)
		}
		c.logger.Info("地図画像を生成しました",
			slog.String("key", key),
			slog.Int("bytes", len(data)),
		)
		return path, nil
	})
	if err != nil {
		if !errors.Is(err, model.ErrRenderUnavailable) {
			err = fmt.Errorf("%w: %w", model.ErrRenderUnavailable, err)
		}
		return model.ImageRef{}, err
	}
	if shared {
		c.logger.Debug("地図画像の生成を共有しました", slog.String("key", key))
	}
	return model.ImageRef{Path: v.(string)}, nil
}

// Prune はmaxAgeより古いキャッシュファイルを削除し、削除数を返す。
func (c *Cache) Prune(now time.Time, maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return 0, fmt.Errorf("read map cache dir: %w", err)
	}

	cutoff := now.Add(-maxAge)
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), "map_") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(c.dir, e.Name())); err != nil && !os.IsNotExist(err) {
				return removed, fmt.Errorf("remove %s: %w", e.Name(), err)
			}
			removed++
		}
	}
	return removed, nil
}

// writeFileAtomic は一時ファイルに書き込んでからリネームする。
// 読み手が書きかけのファイルを見ることはない。
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".map-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
