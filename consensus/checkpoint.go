package consensus

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"dag-consensus/logger"
	"dag-consensus/models"
)

// Checkpoint snapshots the DAG and every vertex status into the repository.
// Finalized batches are flushed before the checkpoint is written so that a
// restored node never holds a finalized vertex that storage has not seen.
func (e *Engine) Checkpoint(ctx context.Context) (*models.Checkpoint, error) {
	if e.repo == nil {
		return nil, errNoRepository
	}

	now := time.Now()
	statuses, finalized := e.final.Snapshot()
	cp := &models.Checkpoint{
		ID:        fmt.Sprintf("%020d", now.UnixNano()),
		Timestamp: now.UnixMilli(),
		Vertices:  e.store.Snapshot(),
		Statuses:  statuses,
		Finalized: finalized,
	}
	if err := e.final.Flush(ctx); err != nil {
		return nil, fmt.Errorf("flushing finalized vertices: %w", err)
	}
	if err := e.repo.PutCheckpoint(ctx, cp); err != nil {
		return nil, fmt.Errorf("writing checkpoint %s: %w", cp.ID, err)
	}

	logger.Logger.Info("Checkpoint written",
		zap.String("checkpoint_id", cp.ID),
		zap.Int("vertices", len(cp.Vertices)),
		zap.Int("finalized", len(cp.Finalized)))
	return cp, nil
}

// Restore rehydrates an empty engine from the latest checkpoint. It returns
// false when the repository has none.
func (e *Engine) Restore(ctx context.Context) (bool, error) {
	if e.repo == nil {
		return false, errNoRepository
	}
	if e.store.Len() != 0 {
		return false, ErrNotEmpty
	}

	cp, err := e.repo.LoadCheckpoint(ctx)
	if err != nil {
		return false, fmt.Errorf("loading checkpoint: %w", err)
	}
	if cp == nil {
		return false, nil
	}

	for _, v := range cp.Vertices {
		stored, err := e.store.Insert(v)
		if err != nil {
			return false, fmt.Errorf("restoring vertex %s from checkpoint %s: %w", v.ID, cp.ID, err)
		}
		e.resolver.Add(stored)
	}
	e.final.Restore(cp.Statuses, cp.Finalized)

	for _, v := range cp.Vertices {
		if _, ok := cp.Statuses[v.ID]; !ok {
			if _, err := e.final.Track(ctx, v); err != nil {
				return false, err
			}
		}
		if !e.final.Status(v.ID).Terminal() {
			e.schedule(e.resolver.Key(v.ID))
		}
	}

	logger.Logger.Info("Restored from checkpoint",
		zap.String("checkpoint_id", cp.ID),
		zap.Int("vertices", len(cp.Vertices)),
		zap.Int("finalized", len(cp.Finalized)))
	return true, nil
}
