package model

import "time"

// DedupRecord は公開済みイベントのフィンガープリントを表す。
type DedupRecord struct {
	City        string
	Category    Category
	Fingerprint string
	FirstSeenAt time.Time
}

// QuotaState はカテゴリ単位・ローカル日付単位の投稿カウンタ。
type QuotaState struct {
	City       string
	Category   Category
	Day        string // 都市のタイムゾーンでの日付（YYYY-MM-DD）
	PostsToday int
	LastPostAt *time.Time
	UpdatedAt  time.Time
}

// DayLayout はQuotaState.Dayの書式。
const DayLayout = "2006-01-02"

// LocalDay は時刻を指定タイムゾーンの日付文字列に変換する。
func LocalDay(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(DayLayout)
}
