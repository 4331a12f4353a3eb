package stage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/hachiko-io/waflow/store"
)

func TestDecideBegin(t *testing.T) {
	now := time.Now().Unix()

	testCases := []struct {
		name string
		prev *store.Job
		want beginAction
	}{
		{"no prior row", nil, beginFresh},
		{"completed skips", &store.Job{Status: store.JobStatusCompleted}, beginSkip},
		{"suppressed skips", &store.Job{Status: store.JobStatusSuppressed}, beginSkip},
		{"superseded latest reopens the slot", &store.Job{Status: store.JobStatusSuperseded}, beginRetry},
		{
			"fresh processing has a live owner",
			&store.Job{Status: store.JobStatusProcessing, StartedTs: now - 60},
			beginSkip,
		},
		{
			"stale processing is retired",
			&store.Job{Status: store.JobStatusProcessing, StartedTs: now - 360},
			beginSupersede,
		},
		{"failed opens next attempt", &store.Job{Status: store.JobStatusFailed}, beginRetry},
		{"pending gets claimed", &store.Job{Status: store.JobStatusPending}, beginClaim},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, decideBegin(tc.prev, now))
		})
	}
}

func TestDecideBeginStaleBoundary(t *testing.T) {
	now := time.Now().Unix()
	edge := &store.Job{Status: store.JobStatusProcessing, StartedTs: now - int64(staleAfter.Seconds())}
	assert.Equal(t, beginSupersede, decideBegin(edge, now), "exactly staleAfter old counts as stale")

	nearly := &store.Job{Status: store.JobStatusProcessing, StartedTs: now - int64(staleAfter.Seconds()) + 1}
	assert.Equal(t, beginSkip, decideBegin(nearly, now))
}
