package database

import (
	"database/sql"
	"fmt"
	"net/url"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// サポートするドライバ名。database/sqlに登録された名前と一致する。
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Open はデータベース接続を開く。
// driverにはDriverPostgresまたはDriverSQLiteを指定する。
// sql.Openは接続を試行しないため、実際の接続確認にはdb.Ping()を使用すること。
func Open(driver, dsn string) (*sql.DB, error) {
	switch driver {
	case DriverPostgres, DriverSQLite:
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLiteは書き込みが単一ライターのため、接続を1本に制限してロック競合を避ける
	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
	}

	return db, nil
}

// SQLiteDSN はファイルパスからmodernc.org/sqlite用のDSNを組み立てる。
// 時刻はSQLite標準の書式で保存し、WALとbusy_timeoutを有効にする。
func SQLiteDSN(path string) string {
	q := url.Values{}
	q.Add("_time_format", "sqlite")
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "journal_mode(WAL)")
	return "file:" + path + "?" + q.Encode()
}
