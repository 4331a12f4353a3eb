package store

// Stage names one step of the processing pipeline.
type Stage string

const (
	StageRetrieve Stage = "retrieve"
	StageInfer    Stage = "infer"
	StageReply    Stage = "reply"
)

// JobStatus is the ledger status of one stage attempt.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusSuppressed JobStatus = "suppressed"
	JobStatusSuperseded JobStatus = "superseded"
)

// IsTerminal reports whether no further transition is allowed.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusSuppressed || s == JobStatusSuperseded
}

// Job is one durable ledger row per stage attempt. Rows are append-mostly:
// retries create fresh rows rather than resetting old ones, so the ledger
// doubles as a post-mortem trail.
type Job struct {
	ChatKey    ChatKey
	Stage      Stage
	Status     JobStatus
	Payload    []byte
	Result     []byte
	Error      string
	CreatedTs  int64
	StartedTs  int64
	FinishedTs int64
	ID         int64
	Turn       int32
	Attempt    int32
}

type FindJob struct {
	ID      *int64
	ChatKey *ChatKey
	// CreatorID matches jobs whose chat key belongs to this tenant.
	CreatorID *int32
	Turn      *int32
	Stage     *Stage
	Status    *JobStatus
	Limit     *int
	Offset    *int
}

type UpdateJob struct {
	Status     *JobStatus
	Result     *[]byte
	Error      *string
	StartedTs  *int64
	FinishedTs *int64
	ID         int64
}
