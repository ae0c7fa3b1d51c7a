package repository

import (
	"strconv"
	"strings"
)

// Dialect はSQLの方言を表す。
// クエリは?プレースホルダで記述し、実行時に方言に合わせて変換する。
type Dialect string

const (
	// DialectPostgres はPostgreSQL（lib/pq）。プレースホルダは$1, $2...
	DialectPostgres Dialect = "postgres"
	// DialectSQLite はSQLite（modernc.org/sqlite）。プレースホルダは?
	DialectSQLite Dialect = "sqlite"
)

// rebind は?プレースホルダを方言のプレースホルダに変換する。
// クエリ内の文字列リテラルに?を含めないこと。
func (d Dialect) rebind(query string) string {
	if d != DialectPostgres {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
