package v1

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/hachiko-io/waflow/store"
)

type JobService struct {
	Store *store.Store
}

func (s *JobService) Register(g *echo.Group) {
	g.GET("/jobs", s.ListJobs)
	g.POST("/jobs/:id/replay", s.ReplayJob)
}

type jobResponse struct {
	ChatKey    string          `json:"chatKey"`
	Stage      string          `json:"stage"`
	Status     string          `json:"status"`
	Error      string          `json:"error,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	ID         int64           `json:"id"`
	Turn       int32           `json:"turn"`
	Attempt    int32           `json:"attempt"`
	CreatedTs  int64           `json:"createdTs"`
	StartedTs  int64           `json:"startedTs,omitempty"`
	FinishedTs int64           `json:"finishedTs,omitempty"`
}

func (s *JobService) ListJobs(c echo.Context) error {
	ctx := c.Request().Context()
	userID, err := currentUserID(c)
	if err != nil {
		return err
	}

	limit, offset := pagination(c, 50, 200)
	find := &store.FindJob{CreatorID: &userID, Limit: &limit, Offset: &offset}
	if raw := c.QueryParam("chatKey"); raw != "" {
		chatKey := store.ChatKey(raw)
		if chatKey.UserID() != userID {
			return echo.NewHTTPError(http.StatusNotFound, "no jobs for chat key")
		}
		find.ChatKey = &chatKey
	}
	if raw := c.QueryParam("stage"); raw != "" {
		stage := store.Stage(raw)
		find.Stage = &stage
	}
	if raw := c.QueryParam("status"); raw != "" {
		status := store.JobStatus(raw)
		find.Status = &status
	}

	jobs, err := s.Store.ListJobs(ctx, find)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list jobs")
	}
	list := make([]*jobResponse, 0, len(jobs))
	for _, job := range jobs {
		list = append(list, convertJob(job))
	}
	return c.JSON(http.StatusOK, list)
}

// ReplayJob re-runs a failed job, or a completed reply job whose message
// only partially reached the contact. It writes a fresh pending ledger row
// so the stage worker claims it instead of skipping the terminal attempt,
// then re-enqueues the original payload.
func (s *JobService) ReplayJob(c echo.Context) error {
	ctx := c.Request().Context()
	userID, err := currentUserID(c)
	if err != nil {
		return err
	}

	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid job id")
	}
	jobs, err := s.Store.ListJobs(ctx, &store.FindJob{ID: &id})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load job")
	}
	if len(jobs) == 0 || jobs[0].ChatKey.UserID() != userID {
		return echo.NewHTTPError(http.StatusNotFound, "job not found")
	}
	job := jobs[0]

	replayable, err := s.isReplayable(c, job)
	if err != nil {
		return err
	}
	if !replayable {
		return echo.NewHTTPError(http.StatusConflict, "only failed jobs and partial replies can be replayed")
	}

	latest, err := s.Store.GetLatestJob(ctx, job.ChatKey, job.Turn, job.Stage)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load job ledger")
	}
	if latest != nil && (latest.Status == store.JobStatusPending || latest.Status == store.JobStatusProcessing) {
		return echo.NewHTTPError(http.StatusConflict, "an attempt is already in flight")
	}
	attempt := job.Attempt + 1
	if latest != nil && latest.Attempt >= attempt {
		attempt = latest.Attempt + 1
	}

	replay, err := s.Store.CreateJob(ctx, &store.Job{
		ChatKey:   job.ChatKey,
		Turn:      job.Turn,
		Stage:     job.Stage,
		Status:    store.JobStatusPending,
		Attempt:   attempt,
		Payload:   job.Payload,
		CreatedTs: time.Now().Unix(),
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to record replay attempt")
	}
	if _, err := s.Store.EnqueueQueueMessage(ctx, &store.EnqueueMessage{
		Stage:   job.Stage,
		ChatKey: job.ChatKey,
		Turn:    job.Turn,
		Payload: job.Payload,
	}); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to enqueue replay")
	}

	slog.Info("job replayed",
		slog.Int64("jobId", job.ID),
		slog.Int64("replayJobId", replay.ID),
		slog.String("stage", string(job.Stage)),
		slog.String("chatKey", job.ChatKey.String()),
		slog.Int("turn", int(job.Turn)),
	)
	return c.JSON(http.StatusOK, map[string]any{"success": true, "jobId": replay.ID})
}

func (s *JobService) isReplayable(c echo.Context, job *store.Job) (bool, error) {
	if job.Status == store.JobStatusFailed {
		return true, nil
	}
	if job.Stage != store.StageReply || job.Status != store.JobStatusCompleted {
		return false, nil
	}

	// A completed reply attempt is replayable only when the message still
	// carries a partial delivery.
	role := store.MessageRoleAssistant
	messages, err := s.Store.ListMessages(c.Request().Context(), &store.FindMessage{
		ChatKey: &job.ChatKey,
		Turn:    &job.Turn,
		Role:    &role,
	})
	if err != nil {
		return false, echo.NewHTTPError(http.StatusInternalServerError, "failed to load reply message")
	}
	return len(messages) > 0 && messages[0].Status == store.MessageStatusPartial, nil
}

func convertJob(job *store.Job) *jobResponse {
	return &jobResponse{
		ID:         job.ID,
		ChatKey:    job.ChatKey.String(),
		Turn:       job.Turn,
		Stage:      string(job.Stage),
		Status:     string(job.Status),
		Attempt:    job.Attempt,
		Error:      job.Error,
		Result:     json.RawMessage(job.Result),
		CreatedTs:  job.CreatedTs,
		StartedTs:  job.StartedTs,
		FinishedTs: job.FinishedTs,
	}
}
