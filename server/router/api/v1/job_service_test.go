package v1

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hachiko-io/waflow/internal/profile"
	"github.com/hachiko-io/waflow/store"
)

type jobRig struct {
	driver *fakeDriver
	e      *echo.Echo
}

func newJobRig() *jobRig {
	driver := newFakeDriver()
	service := &JobService{Store: store.New(driver, &profile.Profile{})}
	return &jobRig{driver: driver, e: newAuthedServer(service.Register)}
}

func (r *jobRig) seedJob(t *testing.T, chatKey store.ChatKey, turn int32, stage store.Stage, status store.JobStatus, attempt int32) *store.Job {
	t.Helper()
	job, err := r.driver.CreateJob(context.Background(), &store.Job{
		ChatKey: chatKey,
		Turn:    turn,
		Stage:   stage,
		Status:  status,
		Attempt: attempt,
		Payload: []byte(fmt.Sprintf(`{"chatKey":%q,"turn":%d}`, chatKey, turn)),
	})
	require.NoError(t, err)
	return job
}

func TestListJobsScopedToTenant(t *testing.T) {
	rig := newJobRig()
	mine := store.BuildChatKey(1, "acct-1", "peer@c.us")
	theirs := store.BuildChatKey(2, "acct-2", "other@c.us")
	rig.seedJob(t, mine, 0, store.StageInfer, store.JobStatusFailed, 1)
	rig.seedJob(t, mine, 1, store.StageReply, store.JobStatusCompleted, 1)
	rig.seedJob(t, theirs, 0, store.StageInfer, store.JobStatusFailed, 1)

	rec := doJSON(t, rig.e, 1, http.MethodGet, "/api/v1/jobs", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var list []*jobResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 2)
	for _, job := range list {
		assert.Equal(t, mine.String(), job.ChatKey)
	}
}

func TestListJobsFilters(t *testing.T) {
	rig := newJobRig()
	chatKey := store.BuildChatKey(1, "acct-1", "peer@c.us")
	rig.seedJob(t, chatKey, 0, store.StageRetrieve, store.JobStatusCompleted, 1)
	rig.seedJob(t, chatKey, 0, store.StageInfer, store.JobStatusFailed, 1)
	rig.seedJob(t, chatKey, 0, store.StageInfer, store.JobStatusFailed, 2)

	rec := doJSON(t, rig.e, 1, http.MethodGet, "/api/v1/jobs?stage=infer&status=failed", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var list []*jobResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 2)
	for _, job := range list {
		assert.Equal(t, "infer", job.Stage)
		assert.Equal(t, "failed", job.Status)
	}
}

func TestListJobsForeignChatKey(t *testing.T) {
	rig := newJobRig()
	rec := doJSON(t, rig.e, 1, http.MethodGet, "/api/v1/jobs?chatKey=2:acct-2:other@c.us", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReplayFailedJob(t *testing.T) {
	rig := newJobRig()
	chatKey := store.BuildChatKey(1, "acct-1", "peer@c.us")
	failed := rig.seedJob(t, chatKey, 3, store.StageInfer, store.JobStatusFailed, 1)

	rec := doJSON(t, rig.e, 1, http.MethodPost, fmt.Sprintf("/api/v1/jobs/%d/replay", failed.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Success bool  `json:"success"`
		JobID   int64 `json:"jobId"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)

	replay := rig.driver.jobByID(resp.JobID)
	require.NotNil(t, replay)
	assert.Equal(t, store.JobStatusPending, replay.Status)
	assert.Equal(t, int32(2), replay.Attempt)
	assert.Equal(t, failed.Payload, replay.Payload)

	enqueued := rig.driver.enqueuedMessages()
	require.Len(t, enqueued, 1)
	assert.Equal(t, store.StageInfer, enqueued[0].Stage)
	assert.Equal(t, chatKey, enqueued[0].ChatKey)
	assert.Equal(t, int32(3), enqueued[0].Turn)
	assert.Equal(t, failed.Payload, enqueued[0].Payload)
}

func TestReplayAttemptFollowsLatestAttempt(t *testing.T) {
	rig := newJobRig()
	chatKey := store.BuildChatKey(1, "acct-1", "peer@c.us")
	first := rig.seedJob(t, chatKey, 3, store.StageInfer, store.JobStatusFailed, 1)
	rig.seedJob(t, chatKey, 3, store.StageInfer, store.JobStatusFailed, 3)

	rec := doJSON(t, rig.e, 1, http.MethodPost, fmt.Sprintf("/api/v1/jobs/%d/replay", first.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		JobID int64 `json:"jobId"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, int32(4), rig.driver.jobByID(resp.JobID).Attempt)
}

func TestReplayPartialReply(t *testing.T) {
	rig := newJobRig()
	chatKey := store.BuildChatKey(1, "acct-1", "peer@c.us")
	reply := rig.seedJob(t, chatKey, 4, store.StageReply, store.JobStatusCompleted, 1)

	rig.driver.mu.Lock()
	rig.driver.messages = append(rig.driver.messages, &store.Message{
		ChatKey: chatKey,
		Turn:    4,
		Role:    store.MessageRoleAssistant,
		Status:  store.MessageStatusPartial,
		Content: "first segment only",
	})
	rig.driver.mu.Unlock()

	rec := doJSON(t, rig.e, 1, http.MethodPost, fmt.Sprintf("/api/v1/jobs/%d/replay", reply.ID), nil)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Len(t, rig.driver.enqueuedMessages(), 1)
}

func TestReplayRejections(t *testing.T) {
	chatKey := store.BuildChatKey(1, "acct-1", "peer@c.us")
	testCases := []struct {
		name     string
		seed     func(t *testing.T, rig *jobRig) *store.Job
		wantCode int
	}{
		{
			name: "CompletedInferJob",
			seed: func(t *testing.T, rig *jobRig) *store.Job {
				return rig.seedJob(t, chatKey, 2, store.StageInfer, store.JobStatusCompleted, 1)
			},
			wantCode: http.StatusConflict,
		},
		{
			name: "CompletedReplyFullyDelivered",
			seed: func(t *testing.T, rig *jobRig) *store.Job {
				job := rig.seedJob(t, chatKey, 4, store.StageReply, store.JobStatusCompleted, 1)
				rig.driver.mu.Lock()
				rig.driver.messages = append(rig.driver.messages, &store.Message{
					ChatKey: chatKey,
					Turn:    4,
					Role:    store.MessageRoleAssistant,
					Status:  store.MessageStatusSent,
				})
				rig.driver.mu.Unlock()
				return job
			},
			wantCode: http.StatusConflict,
		},
		{
			name: "AttemptAlreadyInFlight",
			seed: func(t *testing.T, rig *jobRig) *store.Job {
				job := rig.seedJob(t, chatKey, 3, store.StageInfer, store.JobStatusFailed, 1)
				rig.seedJob(t, chatKey, 3, store.StageInfer, store.JobStatusPending, 2)
				return job
			},
			wantCode: http.StatusConflict,
		},
		{
			name: "ForeignTenantJob",
			seed: func(t *testing.T, rig *jobRig) *store.Job {
				return rig.seedJob(t, store.BuildChatKey(2, "acct-2", "x@c.us"), 0, store.StageInfer, store.JobStatusFailed, 1)
			},
			wantCode: http.StatusNotFound,
		},
		{
			name: "SuppressedJob",
			seed: func(t *testing.T, rig *jobRig) *store.Job {
				return rig.seedJob(t, chatKey, 5, store.StageInfer, store.JobStatusSuppressed, 1)
			},
			wantCode: http.StatusConflict,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rig := newJobRig()
			job := tc.seed(t, rig)

			rec := doJSON(t, rig.e, 1, http.MethodPost, fmt.Sprintf("/api/v1/jobs/%d/replay", job.ID), nil)
			assert.Equal(t, tc.wantCode, rec.Code)
			assert.Empty(t, rig.driver.enqueuedMessages(), "rejected replays must not enqueue")
		})
	}
}
