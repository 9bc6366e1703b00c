// Package scheduler periodically triggers the three idempotent
// pipeline operations: dispatch pending extractions, sync flattened
// items, and classify a batch per owner.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"nfce_reader/internal/classifier"
	"nfce_reader/internal/scraper"
	"nfce_reader/internal/storage"
)

// Scheduler runs the extraction and classification pipeline on a fixed
// interval.
type Scheduler struct {
	store     storage.Storage
	scraper   *scraper.Scraper
	engine    *classifier.Engine
	log       *slog.Logger
	tick      time.Duration
	batchSize int
}

// New creates a Scheduler ticking at the given interval.
func New(store storage.Storage, sc *scraper.Scraper, eng *classifier.Engine, tick time.Duration, batchSize int, log *slog.Logger) *Scheduler {
	return &Scheduler{
		store:     store,
		scraper:   sc,
		engine:    eng,
		log:       log,
		tick:      tick,
		batchSize: batchSize,
	}
}

// Run starts the scheduler loop, blocking until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.runOnce(ctx)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	count, err := s.scraper.DispatchPending(ctx)
	if err != nil {
		s.log.Error("dispatch pending", "error", err)
	} else if count > 0 {
		s.log.Info("dispatched extractions", "count", count)
	}

	owners, err := s.store.ListOwnerIDs(ctx)
	if err != nil {
		s.log.Error("list owners", "error", err)
		return
	}
	for _, owner := range owners {
		if ctx.Err() != nil {
			return
		}
		sync, err := s.engine.SyncItems(ctx, owner, false)
		if err != nil {
			s.log.Error("sync items", "owner_id", owner, "error", err)
			continue
		}
		if sync.Inserted > 0 || sync.Deleted > 0 {
			s.log.Debug("synced items", "owner_id", owner, "inserted", sync.Inserted, "deleted", sync.Deleted)
		}
		if _, err := s.engine.ClassifyBatch(ctx, owner, s.batchSize); err != nil {
			s.log.Error("classify batch", "owner_id", owner, "error", err)
		}
	}
}
