package store

// QueueStatus is the delivery state of one queue message.
type QueueStatus string

const (
	QueueStatusPending    QueueStatus = "pending"
	QueueStatusProcessing QueueStatus = "processing"
	QueueStatusFailed     QueueStatus = "failed"
)

// QueueMessage is one at-least-once delivery on a stage queue. Acked
// messages are deleted; exhausted ones are parked as failed for inspection.
type QueueMessage struct {
	Stage       Stage
	ChatKey     ChatKey
	Status      QueueStatus
	Payload     []byte
	NextRunTs   int64
	ClaimedTs   int64
	CreatedTs   int64
	ID          int64
	Turn        int32
	Attempts    int32
	MaxAttempts int32
}

// EnqueueMessage inserts a new pending message for a stage.
type EnqueueMessage struct {
	Stage       Stage
	ChatKey     ChatKey
	Payload     []byte
	Turn        int32
	MaxAttempts int32
	// DelayTs postpones the first delivery (unix seconds); zero means now.
	DelayTs int64
}

// RequeueMessage returns a claimed message to the pending state with a
// backoff deadline.
type RequeueMessage struct {
	ID        int64
	NextRunTs int64
}
