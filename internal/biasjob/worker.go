package biasjob

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Worker polls a Queue from a fixed pool of goroutines.
type Worker struct {
	queue     *Queue
	workers   int
	batchSize int
	interval  time.Duration
}

// NewWorker creates a Worker. Zero values fall back to one worker, batches
// of 10 and a 5s poll interval.
func NewWorker(q *Queue, workers, batchSize int, interval time.Duration) *Worker {
	if workers <= 0 {
		workers = 1
	}
	if batchSize <= 0 {
		batchSize = 10
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Worker{queue: q, workers: workers, batchSize: batchSize, interval: interval}
}

// Run blocks until ctx is cancelled. Batch errors are logged and the
// worker keeps polling.
func (w *Worker) Run(ctx context.Context) error {
	zap.L().Info("biasjob: worker pool starting",
		zap.Int("workers", w.workers),
		zap.Int("batch_size", w.batchSize),
		zap.Duration("interval", w.interval),
	)

	g, gctx := errgroup.WithContext(ctx)
	for i := range w.workers {
		g.Go(func() error {
			w.poll(gctx, i)
			return nil
		})
	}
	err := g.Wait()
	zap.L().Info("biasjob: worker pool stopped")
	return err
}

func (w *Worker) poll(ctx context.Context, id int) {
	log := zap.L().With(zap.Int("worker", id))
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		// Drain while there is work, then wait for the next tick.
		for ctx.Err() == nil {
			results, err := w.queue.ProcessBatch(ctx, w.batchSize)
			if err != nil {
				if ctx.Err() == nil {
					log.Error("biasjob: process batch failed", zap.Error(err))
				}
				break
			}
			if len(results) == 0 {
				break
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
