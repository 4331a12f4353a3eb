// Package queue layers typed, at-least-once stage queues on top of the
// queue_message table. Each stage gets its own logical queue; payloads are
// JSON and the stage column discriminates. This is transport for the three
// pipeline hops, not a general workqueue.
package queue

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/hachiko-io/waflow/store"
)

// Queue is the typed producer handle for one stage.
type Queue[T any] struct {
	store *store.Store
	stage store.Stage
}

func New[T any](st *store.Store, stg store.Stage) *Queue[T] {
	return &Queue[T]{store: st, stage: stg}
}

func (q *Queue[T]) Stage() store.Stage {
	return q.stage
}

// Enqueue durably appends one payload. On postgres the insert trigger
// notifies listening workers, so delivery usually starts within
// milliseconds. Turn is diagnostic; the merger enqueues -1 because the
// turn is not assigned until the retrieve stage runs.
func (q *Queue[T]) Enqueue(ctx context.Context, chatKey store.ChatKey, turn int32, payload *T) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrapf(err, "marshal %s payload", q.stage)
	}
	if _, err := q.store.EnqueueQueueMessage(ctx, &store.EnqueueMessage{
		Stage:   q.stage,
		ChatKey: chatKey,
		Turn:    turn,
		Payload: raw,
	}); err != nil {
		return errors.Wrapf(err, "enqueue %s", q.stage)
	}
	return nil
}
