package store

import (
	"context"
	"fmt"

	"github.com/Gobusters/ectologger"

	"github.com/Okossum/utilization-sub004/pkg/models"
	"github.com/Okossum/utilization-sub004/pkg/tracing"
)

// DefaultBatchLimit stays below the 500 writes per batch most document stores accept.
const DefaultBatchLimit = 450

// Batcher splits write lists into store-sized batches.
type Batcher struct {
	store  RecordStore
	limit  int
	logger ectologger.Logger
}

func NewBatcher(store RecordStore, limit int, logger ectologger.Logger) *Batcher {
	if limit <= 0 {
		limit = DefaultBatchLimit
	}
	return &Batcher{
		store:  store,
		limit:  limit,
		logger: logger,
	}
}

func (b *Batcher) Limit() int {
	return b.limit
}

// Write applies writes in order, one BatchWrite per chunk, and returns the number of batches
// committed. A failing batch stops the run; earlier batches stay committed.
func (b *Batcher) Write(ctx context.Context, feed models.Feed, writes []Write) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "store.Batcher.Write")
	defer span.End()

	committed := 0
	for _, batch := range Chunk(writes, b.limit) {
		if err := b.store.BatchWrite(ctx, feed, batch); err != nil {
			b.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
				"feed":      feed,
				"batch":     committed + 1,
				"committed": committed,
			}).Error("Batch write failed")
			return committed, fmt.Errorf("batch %d of %s writes failed: %w", committed+1, feed, err)
		}
		committed++
	}

	if committed > 0 {
		b.logger.WithContext(ctx).WithFields(map[string]any{
			"feed":    feed,
			"writes":  len(writes),
			"batches": committed,
		}).Debug("Applied batched writes")
	}
	return committed, nil
}

// Chunk splits items into slices of at most size elements.
func Chunk[T any](items []T, size int) [][]T {
	if len(items) == 0 {
		return nil
	}
	if size <= 0 {
		return [][]T{items}
	}
	chunks := make([][]T, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		chunks = append(chunks, items[start:end])
	}
	return chunks
}
