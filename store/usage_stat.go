package store

import "time"

// StatDate formats t as the UTC day bucket used by usage_stat rows.
func StatDate(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// Usage metric names aggregated per tenant per day.
const (
	UsageMessagesIn   = "messages_in"
	UsageMerges       = "merges"
	UsageInferences   = "inferences"
	UsageRepliesSent  = "replies_sent"
	UsageSegmentsSent = "segments_sent"
	UsageFailures     = "failures"
	UsageTokensUsed   = "tokens_used"
)

// UsageStat is one daily rolling counter cell.
type UsageStat struct {
	StatDate  string // YYYY-MM-DD, UTC
	Metric    string
	Value     int64
	CreatorID int32
}

// AddUsageStat increments a daily counter (upsert-add).
type AddUsageStat struct {
	StatDate  string
	Metric    string
	Delta     int64
	CreatorID int32
}

type FindUsageStat struct {
	CreatorID int32
	// SinceDate filters rows at or after this YYYY-MM-DD date.
	SinceDate string
}
