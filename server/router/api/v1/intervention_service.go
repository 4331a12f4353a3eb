package v1

import (
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/hachiko-io/waflow/store"
)

type InterventionService struct {
	Store *store.Store
}

func (s *InterventionService) Register(g *echo.Group) {
	g.GET("/interventions", s.ListInterventions)
}

type interventionResponse struct {
	Action    string `json:"action"`
	Target    string `json:"target"`
	Actor     string `json:"actor"`
	CreatedTs int64  `json:"createdTs"`
}

// ListInterventions returns the caller's audit trail. Audit targets are
// either "session:<id>" or a raw chat key, so tenancy is enforced by
// resolving the caller's session ids and matching chat key prefixes.
func (s *InterventionService) ListInterventions(c echo.Context) error {
	ctx := c.Request().Context()
	userID, err := currentUserID(c)
	if err != nil {
		return err
	}

	days := queryInt(c, "days", 7)
	if days <= 0 || days > 90 {
		days = 7
	}
	since := time.Now().Add(-time.Duration(days) * 24 * time.Hour).Unix()
	limit := 500
	entries, err := s.Store.ListInterventionAudit(ctx, &store.FindInterventionAudit{Since: &since, Limit: &limit})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list interventions")
	}

	sessions, err := s.Store.ListSessions(ctx, &store.FindSession{CreatorID: &userID})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list interventions")
	}
	sessionTargets := make(map[string]bool, len(sessions))
	for _, session := range sessions {
		sessionTargets[fmt.Sprintf("session:%d", session.ID)] = true
	}

	list := make([]*interventionResponse, 0, len(entries))
	for _, entry := range entries {
		if !sessionTargets[entry.Target] && store.ChatKey(entry.Target).UserID() != userID {
			continue
		}
		list = append(list, &interventionResponse{
			Action:    string(entry.Action),
			Target:    entry.Target,
			Actor:     entry.Actor,
			CreatedTs: entry.CreatedTs,
		})
	}
	return c.JSON(http.StatusOK, list)
}
