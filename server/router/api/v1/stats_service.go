package v1

import (
	"net/http"
	"sort"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/hachiko-io/waflow/store"
)

type StatsService struct {
	Store *store.Store
}

func (s *StatsService) Register(g *echo.Group) {
	g.GET("/stats/daily", s.GetDailyStats)
}

type dailyStatsResponse struct {
	Date    string           `json:"date"`
	Metrics map[string]int64 `json:"metrics"`
}

// GetDailyStats rolls the caller's usage counters up per UTC day, most
// recent day first.
func (s *StatsService) GetDailyStats(c echo.Context) error {
	ctx := c.Request().Context()
	userID, err := currentUserID(c)
	if err != nil {
		return err
	}

	days := queryInt(c, "days", 7)
	if days <= 0 || days > 90 {
		days = 7
	}
	sinceDate := store.StatDate(time.Now().UTC().AddDate(0, 0, -(days - 1)))

	stats, err := s.Store.ListUsageStats(ctx, &store.FindUsageStat{CreatorID: userID, SinceDate: sinceDate})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list usage stats")
	}

	byDate := map[string]map[string]int64{}
	for _, stat := range stats {
		if byDate[stat.StatDate] == nil {
			byDate[stat.StatDate] = map[string]int64{}
		}
		byDate[stat.StatDate][stat.Metric] += stat.Value
	}

	list := make([]*dailyStatsResponse, 0, len(byDate))
	for date, metrics := range byDate {
		list = append(list, &dailyStatsResponse{Date: date, Metrics: metrics})
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Date > list[j].Date })
	return c.JSON(http.StatusOK, list)
}
