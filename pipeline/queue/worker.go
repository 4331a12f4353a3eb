package queue

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/lib/pq"
	"golang.org/x/sync/errgroup"

	"github.com/hachiko-io/waflow/internal/metrics"
	"github.com/hachiko-io/waflow/pipeline/stage"
	"github.com/hachiko-io/waflow/store"
)

const (
	// notifyChannel is the postgres channel the queue_message insert
	// trigger notifies, carrying the stage name as payload.
	notifyChannel = "waflow_queue"

	pollInterval      = 2 * time.Second
	keepaliveInterval = 90 * time.Second
	defaultRetryBase  = 2 * time.Second
)

// Handler processes one decoded payload and classifies the outcome.
type Handler[T any] func(ctx context.Context, payload *T) stage.Result

// WorkerOptions tunes one stage's consumer pool.
type WorkerOptions struct {
	// Concurrency is the number of claim loops. Defaults to 1.
	Concurrency int
	// ListenDSN, when set, arms a postgres LISTEN connection so new work
	// wakes the pool without waiting for the poll tick. Leave empty on
	// sqlite; the poll ticker alone drives delivery there.
	ListenDSN string
	// RetryBase is the transient-failure backoff base (base doubled per
	// attempt). Defaults to 2s.
	RetryBase time.Duration
}

// Worker drains one stage's queue with a pool of claim loops. Claims use
// FOR UPDATE SKIP LOCKED underneath, so pools on separate processes are
// safe to run concurrently.
type Worker[T any] struct {
	store   *store.Store
	metrics *metrics.Exporter
	handler Handler[T]
	wake    chan struct{}
	stage   store.Stage
	opts    WorkerOptions
}

func NewWorker[T any](st *store.Store, ex *metrics.Exporter, stg store.Stage, handler Handler[T], opts WorkerOptions) *Worker[T] {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = defaultRetryBase
	}
	return &Worker[T]{
		store:   st,
		metrics: ex,
		handler: handler,
		stage:   stg,
		opts:    opts,
		// Buffered by one so a notify during a drain is not lost.
		wake: make(chan struct{}, 1),
	}
}

// Run blocks until ctx is canceled. In-flight handlers finish; unprocessed
// claims are released later by the stale-claim janitor.
func (w *Worker[T]) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if w.opts.ListenDSN != "" {
		g.Go(func() error {
			w.listen(ctx)
			return nil
		})
	}
	for i := 0; i < w.opts.Concurrency; i++ {
		g.Go(func() error {
			w.claimLoop(ctx)
			return nil
		})
	}
	return g.Wait()
}

// listen holds a LISTEN connection and converts matching notifications
// into wake signals. The poll ticker in claimLoop covers dropped
// notifications, so this path only needs to be best-effort.
func (w *Worker[T]) listen(ctx context.Context) {
	logger := slog.With(slog.String("stage", string(w.stage)))

	eventCallback := func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventDisconnected:
			logger.Warn("queue listener disconnected", slog.Any("error", err))
		case pq.ListenerEventReconnected:
			logger.Info("queue listener reconnected")
		case pq.ListenerEventConnectionAttemptFailed:
			logger.Warn("queue listener reconnect failed", slog.Any("error", err))
		}
	}

	listener := pq.NewListener(w.opts.ListenDSN, 10*time.Second, time.Minute, eventCallback)
	defer listener.Close()

	if err := listener.Listen(notifyChannel); err != nil {
		logger.Warn("queue listen failed, polling only", slog.String("error", err.Error()))
		return
	}

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case n := <-listener.Notify:
			// n is nil after a reconnect; drain anyway in case inserts
			// happened while the connection was down.
			if n != nil && n.Extra != string(w.stage) {
				continue
			}
			select {
			case w.wake <- struct{}{}:
			default:
			}
		case <-keepalive.C:
			if err := listener.Ping(); err != nil {
				logger.Warn("queue listener ping failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (w *Worker[T]) claimLoop(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.wake:
		case <-ticker.C:
		}
		w.drain(ctx)
	}
}

// drain claims and processes messages until the queue is empty.
func (w *Worker[T]) drain(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		msg, err := w.store.ClaimQueueMessage(ctx, w.stage)
		if err != nil {
			slog.Error("queue claim failed",
				slog.String("stage", string(w.stage)),
				slog.String("error", err.Error()))
			return
		}
		if msg == nil {
			return
		}
		w.process(ctx, msg)
	}
}

func (w *Worker[T]) process(ctx context.Context, msg *store.QueueMessage) {
	logger := slog.With(
		slog.String("stage", string(w.stage)),
		slog.Int64("queueMessageId", msg.ID),
		slog.String("chatKey", string(msg.ChatKey)),
		slog.Int("attempt", int(msg.Attempts)))

	var payload T
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		// Poison payload. Park it so an operator can inspect the row.
		logger.Error("queue payload undecodable", slog.String("error", err.Error()))
		if err := w.store.FailQueueMessage(ctx, msg.ID); err != nil {
			logger.Error("park poison message failed", slog.String("error", err.Error()))
		}
		return
	}

	start := time.Now()
	res := w.handler(ctx, &payload)
	w.metrics.RecordStageResult(string(w.stage), string(res.Code), time.Since(start))

	switch res.Code {
	case stage.CodeOK, stage.CodeSuppressed:
		if err := w.store.AckQueueMessage(ctx, msg.ID); err != nil {
			logger.Error("queue ack failed", slog.String("error", err.Error()))
		}
	case stage.CodePermanent:
		logger.Error("stage failed permanently", slog.Any("error", res.Err))
		if err := w.store.FailQueueMessage(ctx, msg.ID); err != nil {
			logger.Error("park message failed", slog.String("error", err.Error()))
		}
	case stage.CodeTransient:
		if msg.Attempts >= msg.MaxAttempts {
			logger.Error("stage retries exhausted", slog.Any("error", res.Err))
			if err := w.store.FailQueueMessage(ctx, msg.ID); err != nil {
				logger.Error("park message failed", slog.String("error", err.Error()))
			}
			return
		}
		delay := retryDelay(w.opts.RetryBase, msg.Attempts)
		logger.Warn("stage failed, retrying",
			slog.Any("error", res.Err),
			slog.Duration("delay", delay))
		w.metrics.RecordQueueRetry(string(w.stage))
		if err := w.store.RequeueQueueMessage(ctx, &store.RequeueMessage{
			ID:        msg.ID,
			NextRunTs: time.Now().Add(delay).Unix(),
		}); err != nil {
			logger.Error("queue requeue failed", slog.String("error", err.Error()))
		}
	}
}

// retryDelay doubles the base per attempt already spent, capped so a
// misconfigured max_attempts cannot push runs out by hours.
func retryDelay(base time.Duration, attempts int32) time.Duration {
	delay := base
	for i := int32(0); i < attempts && delay < 5*time.Minute; i++ {
		delay *= 2
	}
	if delay > 5*time.Minute {
		delay = 5 * time.Minute
	}
	return delay
}
