package stage

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/hachiko-io/waflow/store"
)

// staleAfter is the age past which a processing job row is presumed
// abandoned by a dead worker and gets superseded by a fresh attempt.
const staleAfter = 5 * time.Minute

// Ledger wraps the per-(chatKey, turn, stage) job bookkeeping shared by
// every stage handler. Rows are idempotency hints, not locks: a terminal
// row short-circuits redelivered work, a stale processing row is retired.
type Ledger struct {
	store *store.Store
}

func NewLedger(st *store.Store) *Ledger {
	return &Ledger{store: st}
}

// Ticket identifies one live job attempt between Begin and its terminal
// transition.
type Ticket struct {
	JobID   int64
	Attempt int32
}

type beginAction int

const (
	beginFresh     beginAction = iota // no prior row, open attempt 0
	beginSkip                         // terminal row or a live owner, ack without work
	beginClaim                        // pending row, claim it
	beginRetry                        // failed row, open the next attempt
	beginSupersede                    // stale processing row, retire it first
)

// decideBegin classifies the latest known row for a slot. Factored out so
// the transition table is testable without a database.
func decideBegin(prev *store.Job, nowSec int64) beginAction {
	if prev == nil {
		return beginFresh
	}
	switch prev.Status {
	case store.JobStatusCompleted, store.JobStatusSuppressed:
		return beginSkip
	case store.JobStatusProcessing:
		if nowSec-prev.StartedTs < int64(staleAfter.Seconds()) {
			return beginSkip
		}
		return beginSupersede
	case store.JobStatusFailed, store.JobStatusSuperseded:
		// A superseded latest row means its replacement was never opened
		// (the superseding worker died in between). The slot is still open.
		return beginRetry
	default:
		return beginClaim
	}
}

// Begin claims the (chatKey, turn, stage) slot for this delivery. A nil
// ticket with a nil error means the slot is already settled, or owned by a
// worker that is still alive, and the caller should ack without acting.
func (l *Ledger) Begin(ctx context.Context, chatKey store.ChatKey, turn int32, st store.Stage, payload []byte) (*Ticket, error) {
	now := time.Now().Unix()

	prev, err := l.store.GetLatestJob(ctx, chatKey, turn, st)
	if err != nil {
		return nil, errors.Wrap(err, "load latest job")
	}

	attempt := int32(0)
	switch decideBegin(prev, now) {
	case beginSkip:
		return nil, nil
	case beginClaim:
		processing := store.JobStatusProcessing
		if err := l.store.UpdateJob(ctx, &store.UpdateJob{
			ID:        prev.ID,
			Status:    &processing,
			StartedTs: &now,
		}); err != nil {
			return nil, errors.Wrap(err, "claim pending job")
		}
		return &Ticket{JobID: prev.ID, Attempt: prev.Attempt}, nil
	case beginSupersede:
		superseded := store.JobStatusSuperseded
		if err := l.store.UpdateJob(ctx, &store.UpdateJob{
			ID:         prev.ID,
			Status:     &superseded,
			FinishedTs: &now,
		}); err != nil {
			return nil, errors.Wrap(err, "supersede stale job")
		}
		attempt = prev.Attempt + 1
	case beginRetry:
		attempt = prev.Attempt + 1
	}

	job, err := l.store.CreateJob(ctx, &store.Job{
		ChatKey:   chatKey,
		Turn:      turn,
		Stage:     st,
		Status:    store.JobStatusProcessing,
		Attempt:   attempt,
		Payload:   payload,
		CreatedTs: now,
		StartedTs: now,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create job")
	}
	return &Ticket{JobID: job.ID, Attempt: job.Attempt}, nil
}

// Complete marks the attempt done, optionally recording a result blob.
func (l *Ledger) Complete(ctx context.Context, t *Ticket, result []byte) error {
	now := time.Now().Unix()
	completed := store.JobStatusCompleted
	update := &store.UpdateJob{
		ID:         t.JobID,
		Status:     &completed,
		FinishedTs: &now,
	}
	if result != nil {
		update.Result = &result
	}
	return l.store.UpdateJob(ctx, update)
}

// Suppress marks the attempt swallowed by manual intervention.
func (l *Ledger) Suppress(ctx context.Context, t *Ticket) error {
	now := time.Now().Unix()
	suppressed := store.JobStatusSuppressed
	return l.store.UpdateJob(ctx, &store.UpdateJob{
		ID:         t.JobID,
		Status:     &suppressed,
		FinishedTs: &now,
	})
}

// Fail records the cause and marks the attempt failed. The queue's retry
// budget, not the ledger, decides whether another attempt follows.
func (l *Ledger) Fail(ctx context.Context, t *Ticket, cause error) error {
	now := time.Now().Unix()
	failed := store.JobStatusFailed
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return l.store.UpdateJob(ctx, &store.UpdateJob{
		ID:         t.JobID,
		Status:     &failed,
		Error:      &msg,
		FinishedTs: &now,
	})
}
