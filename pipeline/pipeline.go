// Package pipeline assembles the conversational core: the message merger,
// the retrieve/infer/reply workers, and the maintenance janitor.
package pipeline

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/hachiko-io/waflow/ai/knowledge"
	"github.com/hachiko-io/waflow/internal/crypto"
	"github.com/hachiko-io/waflow/internal/metrics"
	"github.com/hachiko-io/waflow/internal/profile"
	"github.com/hachiko-io/waflow/pipeline/humanize"
	"github.com/hachiko-io/waflow/pipeline/infer"
	"github.com/hachiko-io/waflow/pipeline/intervention"
	"github.com/hachiko-io/waflow/pipeline/merger"
	"github.com/hachiko-io/waflow/pipeline/queue"
	"github.com/hachiko-io/waflow/pipeline/retrieve"
	"github.com/hachiko-io/waflow/pipeline/stage"
	"github.com/hachiko-io/waflow/store"
)

// Pipeline owns every background component between webhook ingress and
// the WAHA send. It exposes the merger and controller to the HTTP layer
// and runs everything else privately.
type Pipeline struct {
	gate       *intervention.Controller
	merger     *merger.Merger
	backfiller *knowledge.Backfiller
	janitor    *janitor

	retrieveWorker *queue.Worker[stage.MergedRequest]
	inferWorker    *queue.Worker[stage.InferRequest]
	replyWorker    *queue.Worker[stage.ReplyRequest]
}

func New(st *store.Store, p *profile.Profile, ex *metrics.Exporter, sealer *crypto.Sealer) *Pipeline {
	gate := intervention.NewController(st)
	ledger := stage.NewLedger(st)

	retrieveQ := queue.New[stage.MergedRequest](st, store.StageRetrieve)
	inferQ := queue.New[stage.InferRequest](st, store.StageInfer)
	replyQ := queue.New[stage.ReplyRequest](st, store.StageReply)

	// Only postgres supports LISTEN wakeups; sqlite rides the poll tick.
	listenDSN := ""
	if p.Driver == "postgres" {
		listenDSN = p.DSN
	}

	retrieveHandler := retrieve.NewHandler(st, p, gate, ledger, inferQ)
	inferHandler := infer.NewHandler(st, p, ex, gate, ledger, sealer, replyQ)
	replyHandler := humanize.NewHandler(st, p, ex, gate, ledger, sealer)

	return &Pipeline{
		gate:       gate,
		merger:     merger.New(st, p, ex, retrieveQ),
		backfiller: knowledge.NewBackfiller(st, p),
		janitor:    newJanitor(st, ex),
		retrieveWorker: queue.NewWorker(st, ex, store.StageRetrieve, retrieveHandler.Handle, queue.WorkerOptions{
			Concurrency: p.WorkersRetrieve,
			ListenDSN:   listenDSN,
		}),
		inferWorker: queue.NewWorker(st, ex, store.StageInfer, inferHandler.Handle, queue.WorkerOptions{
			Concurrency: p.WorkersInfer,
			ListenDSN:   listenDSN,
		}),
		replyWorker: queue.NewWorker(st, ex, store.StageReply, replyHandler.Handle, queue.WorkerOptions{
			Concurrency: p.WorkersReply,
			ListenDSN:   listenDSN,
		}),
	}
}

// Run rebuilds merge state from the last shutdown and then drives all
// loops until ctx is cancelled. It returns the first hard failure.
func (p *Pipeline) Run(ctx context.Context) error {
	if err := p.merger.Rehydrate(ctx); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.merger.Run(ctx) })
	g.Go(func() error { return p.retrieveWorker.Run(ctx) })
	g.Go(func() error { return p.inferWorker.Run(ctx) })
	g.Go(func() error { return p.replyWorker.Run(ctx) })
	g.Go(func() error { return p.janitor.Run(ctx) })
	g.Go(func() error {
		p.backfiller.Run(ctx)
		return nil
	})
	return g.Wait()
}

// Merger is the ingress for webhook-delivered user messages.
func (p *Pipeline) Merger() *merger.Merger {
	return p.merger
}

// Gate exposes the intervention controller for the HTTP layer.
func (p *Pipeline) Gate() *intervention.Controller {
	return p.gate
}

// Backfiller lets the knowledge API nudge embedding work after uploads.
func (p *Pipeline) Backfiller() *knowledge.Backfiller {
	return p.backfiller
}
