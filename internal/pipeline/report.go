package pipeline

import (
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/citybot/internal/model"
)

// Result はサイクルの結果の分類。メトリクスのラベルに使う。
type Result string

const (
	ResultOK          Result = "ok"
	ResultFetchFailed Result = "fetch_failed"
	ResultAborted     Result = "aborted"
	ResultPanic       Result = "panic"
)

// CycleReport は1サイクルの実行結果。
type CycleReport struct {
	ID         string         `json:"cycle_id"`
	City       string         `json:"city"`
	Category   model.Category `json:"category"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Result     Result         `json:"result"`

	Fetched    int            `json:"fetched"`
	Accepted   int            `json:"accepted"`
	Rejected   map[string]int `json:"rejected"`
	Duplicates int            `json:"duplicates"`
	Denied     map[string]int `json:"denied"`
	// Skipped は組み立て失敗やクォータストア障害で処理できなかった件数。
	Skipped int `json:"skipped"`
	Posted  int `json:"posted"`
	// AlertSeen は警報優先度のイベントを受理したか。次回の間隔の選択に使う。
	AlertSeen bool `json:"alert_seen"`

	Error    string                 `json:"error,omitempty"`
	Err      error                  `json:"-"`
	Operator []*model.OperatorError `json:"-"`
}

func newCycleReport(city string, category model.Category, now time.Time) CycleReport {
	return CycleReport{
		ID:        uuid.New().String(),
		City:      city,
		Category:  category,
		StartedAt: now,
		Result:    ResultOK,
		Rejected:  make(map[string]int),
		Denied:    make(map[string]int),
	}
}

func (r *CycleReport) fail(result Result, err error) {
	r.Result = result
	r.Err = err
	if err != nil {
		r.Error = err.Error()
	}
}
