package knowledge

import (
	"context"
	"log/slog"
	"time"

	"github.com/pkg/errors"

	"github.com/hachiko-io/waflow/ai/embedding"
	"github.com/hachiko-io/waflow/internal/profile"
	"github.com/hachiko-io/waflow/store"
)

const (
	backfillInterval = 15 * time.Second
	pendingBatchSize = 16
	maxBackoff       = 2 * time.Minute
)

// Backfiller embeds chunks whose vectors have not been written yet. Document
// ingestion stores chunks with NULL embeddings and kicks the backfiller, so
// upload latency never includes embedding calls.
type Backfiller struct {
	store   *store.Store
	profile *profile.Profile

	// services is keyed by embedding model. Only the Run goroutine touches it.
	services map[string]embedding.Service

	kick      chan struct{}
	skipUntil time.Time
	backoff   time.Duration
}

func NewBackfiller(st *store.Store, p *profile.Profile) *Backfiller {
	return &Backfiller{
		store:    st,
		profile:  p,
		services: make(map[string]embedding.Service),
		kick:     make(chan struct{}, 1),
	}
}

// Kick wakes the backfiller ahead of its next tick. Safe from any goroutine.
func (b *Backfiller) Kick() {
	select {
	case b.kick <- struct{}{}:
	default:
	}
}

// Run processes pending chunks until ctx is canceled.
func (b *Backfiller) Run(ctx context.Context) {
	ticker := time.NewTicker(backfillInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-b.kick:
		}
		if time.Now().Before(b.skipUntil) {
			continue
		}

		for {
			n, err := b.processBatch(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if b.backoff == 0 {
					b.backoff = backfillInterval
				} else if b.backoff < maxBackoff {
					b.backoff *= 2
				}
				b.skipUntil = time.Now().Add(b.backoff)
				slog.Warn("embedding backfill failed",
					slog.String("error", err.Error()),
					slog.Duration("backoff", b.backoff))
				break
			}
			b.backoff = 0
			b.skipUntil = time.Time{}
			if n < pendingBatchSize {
				break
			}
		}
	}
}

func (b *Backfiller) processBatch(ctx context.Context) (int, error) {
	chunks, err := b.store.ListPendingChunks(ctx, &store.PendingChunkBatch{Limit: pendingBatchSize})
	if err != nil {
		return 0, errors.Wrap(err, "list pending chunks")
	}
	if len(chunks) == 0 {
		return 0, nil
	}

	// Group by knowledge base so each group embeds with the owning tenant's
	// model. Order is preserved within a group.
	groups := make(map[int32][]*store.Chunk)
	order := make([]int32, 0, 4)
	for _, chunk := range chunks {
		if _, ok := groups[chunk.KBID]; !ok {
			order = append(order, chunk.KBID)
		}
		groups[chunk.KBID] = append(groups[chunk.KBID], chunk)
	}

	for _, kbID := range order {
		group := groups[kbID]
		svc, err := b.serviceForKB(ctx, kbID)
		if err != nil {
			return 0, err
		}

		texts := make([]string, len(group))
		for i, chunk := range group {
			texts[i] = chunk.Content
		}
		vectors, err := svc.Embed(ctx, texts)
		if err != nil {
			return 0, errors.Wrapf(err, "embed batch for kb %d", kbID)
		}
		for i, chunk := range group {
			if err := b.store.UpdateChunkEmbedding(ctx, chunk.ID, vectors[i]); err != nil {
				return 0, errors.Wrapf(err, "store embedding for chunk %d", chunk.ID)
			}
		}
		slog.Debug("embedded chunk batch", slog.Int("count", len(group)), slog.Int("kb", int(kbID)))
	}
	return len(chunks), nil
}

// serviceForKB resolves the embedding service for a knowledge base. Tenants
// may override the model via user_credential; endpoint and key always come
// from the process profile.
func (b *Backfiller) serviceForKB(ctx context.Context, kbID int32) (embedding.Service, error) {
	model := b.profile.EmbeddingModel

	kbs, err := b.store.ListKnowledgeBases(ctx, &store.FindKnowledgeBase{ID: &kbID})
	if err != nil {
		return nil, errors.Wrapf(err, "find kb %d", kbID)
	}
	if len(kbs) > 0 {
		cred, err := b.store.GetUserCredential(ctx, &store.FindUserCredential{CreatorID: kbs[0].CreatorID})
		if err != nil {
			return nil, errors.Wrapf(err, "find credential for creator %d", kbs[0].CreatorID)
		}
		if cred != nil && cred.EmbeddingModel != "" {
			model = cred.EmbeddingModel
		}
	}

	if svc, ok := b.services[model]; ok {
		return svc, nil
	}
	svc, err := embedding.NewService(&embedding.Config{
		Provider:   b.profile.EmbeddingProvider,
		Model:      model,
		APIKey:     b.profile.EmbeddingAPIKey,
		BaseURL:    b.profile.EmbeddingBaseURL,
		Dimensions: b.profile.EmbeddingDimensions,
	})
	if err != nil {
		return nil, err
	}
	b.services[model] = svc
	return svc, nil
}
