package v1

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hachiko-io/waflow/internal/profile"
	"github.com/hachiko-io/waflow/store"
)

func TestGetDailyStats(t *testing.T) {
	driver := newFakeDriver()
	service := &StatsService{Store: store.New(driver, &profile.Profile{})}
	e := newAuthedServer(service.Register)
	ctx := context.Background()

	today := store.StatDate(time.Now())
	yesterday := store.StatDate(time.Now().AddDate(0, 0, -1))
	lastMonth := store.StatDate(time.Now().AddDate(0, 0, -20))

	seed := []*store.AddUsageStat{
		{CreatorID: 1, StatDate: today, Metric: store.UsageMessagesIn, Delta: 5},
		{CreatorID: 1, StatDate: today, Metric: store.UsageMerges, Delta: 2},
		{CreatorID: 1, StatDate: today, Metric: store.UsageMessagesIn, Delta: 3},
		{CreatorID: 1, StatDate: yesterday, Metric: store.UsageRepliesSent, Delta: 4},
		{CreatorID: 1, StatDate: lastMonth, Metric: store.UsageMessagesIn, Delta: 100},
		{CreatorID: 2, StatDate: today, Metric: store.UsageMessagesIn, Delta: 99},
	}
	for _, add := range seed {
		require.NoError(t, driver.AddUsageStat(ctx, add))
	}

	rec := doJSON(t, e, 1, http.MethodGet, "/api/v1/stats/daily", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var list []*dailyStatsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 2, "the last-month row is outside the 7 day window")

	assert.Equal(t, today, list[0].Date, "most recent day first")
	assert.Equal(t, int64(8), list[0].Metrics[store.UsageMessagesIn], "same-day increments accumulate")
	assert.Equal(t, int64(2), list[0].Metrics[store.UsageMerges])
	assert.Equal(t, yesterday, list[1].Date)
	assert.Equal(t, int64(4), list[1].Metrics[store.UsageRepliesSent])
}

func TestGetDailyStatsWindow(t *testing.T) {
	driver := newFakeDriver()
	service := &StatsService{Store: store.New(driver, &profile.Profile{})}
	e := newAuthedServer(service.Register)

	lastMonth := store.StatDate(time.Now().AddDate(0, 0, -20))
	require.NoError(t, driver.AddUsageStat(context.Background(), &store.AddUsageStat{
		CreatorID: 1, StatDate: lastMonth, Metric: store.UsageMessagesIn, Delta: 7,
	}))

	rec := doJSON(t, e, 1, http.MethodGet, "/api/v1/stats/daily?days=30", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []*dailyStatsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, int64(7), list[0].Metrics[store.UsageMessagesIn])
}
