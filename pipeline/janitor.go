package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/hachiko-io/waflow/internal/metrics"
	"github.com/hachiko-io/waflow/store"
)

const (
	sweepInterval   = time.Hour
	reclaimInterval = time.Minute
	depthInterval   = 15 * time.Second

	// claimVisibility bounds how long a crashed worker can hold a queue
	// message before it returns to pending.
	claimVisibility = 5 * time.Minute

	auditRetention      = 30 * 24 * time.Hour
	webhookRetention    = 24 * time.Hour
	deadLetterRetention = 7 * 24 * time.Hour
	jobRetention        = 30 * 24 * time.Hour
)

var depthStages = []store.Stage{store.StageRetrieve, store.StageInfer, store.StageReply}

// janitor runs the retention sweeps, requeues work orphaned by crashed
// workers, and keeps the queue depth gauges current.
type janitor struct {
	store   *store.Store
	metrics *metrics.Exporter
}

func newJanitor(st *store.Store, ex *metrics.Exporter) *janitor {
	return &janitor{store: st, metrics: ex}
}

func (j *janitor) Run(ctx context.Context) error {
	sweep := time.NewTicker(sweepInterval)
	defer sweep.Stop()
	reclaim := time.NewTicker(reclaimInterval)
	defer reclaim.Stop()
	depth := time.NewTicker(depthInterval)
	defer depth.Stop()

	j.refreshDepth(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sweep.C:
			j.sweep(ctx, time.Now())
		case <-reclaim.C:
			j.reclaim(ctx, time.Now())
		case <-depth.C:
			j.refreshDepth(ctx)
		}
	}
}

func (j *janitor) sweep(ctx context.Context, now time.Time) {
	purges := []struct {
		name string
		run  func(context.Context, int64) (int64, error)
		ts   int64
	}{
		{"intervention_audit", j.store.PurgeInterventionAudit, now.Add(-auditRetention).Unix()},
		{"webhook_events", j.store.PurgeWebhookEvents, now.Add(-webhookRetention).Unix()},
		{"dead_letters", j.store.PurgeFailedQueueMessages, now.Add(-deadLetterRetention).Unix()},
		{"finished_jobs", j.store.PurgeFinishedJobs, now.Add(-jobRetention).Unix()},
	}
	for _, p := range purges {
		n, err := p.run(ctx, p.ts)
		if err != nil {
			slog.Error("retention sweep failed", slog.String("table", p.name), slog.String("error", err.Error()))
			continue
		}
		if n > 0 {
			slog.Info("retention sweep", slog.String("table", p.name), slog.Int64("purged", n))
		}
	}
}

func (j *janitor) reclaim(ctx context.Context, now time.Time) {
	n, err := j.store.ReleaseStaleQueueClaims(ctx, now.Add(-claimVisibility).Unix())
	if err != nil {
		slog.Error("stale claim release failed", slog.String("error", err.Error()))
		return
	}
	if n > 0 {
		slog.Warn("released stale queue claims", slog.Int64("count", n))
	}
}

func (j *janitor) refreshDepth(ctx context.Context) {
	for _, stg := range depthStages {
		n, err := j.store.CountQueueMessages(ctx, stg, store.QueueStatusPending)
		if err != nil {
			slog.Error("queue depth probe failed", slog.String("stage", string(stg)), slog.String("error", err.Error()))
			continue
		}
		j.metrics.SetQueueDepth(string(stg), int(n))
	}
}
