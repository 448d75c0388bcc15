package reaper

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andreyxaxa/File-Processor/internal/usecase"
	"github.com/andreyxaxa/File-Processor/pkg/logger"
)

// Reaper periodically fails jobs that stayed in processing longer than
// stallTimeout: their worker died or the queue dropped the last delivery.
type Reaper struct {
	pipeline usecase.PipelineUseCase
	logger   logger.Interface

	interval     time.Duration
	stallTimeout time.Duration
	batchTimeout time.Duration
	batchSize    int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	started atomic.Bool
}

func New(
	p usecase.PipelineUseCase,
	l logger.Interface,
	interval time.Duration,
	stallTimeout time.Duration,
	batchTimeout time.Duration,
	batchSize int,
) *Reaper {
	if batchSize <= 0 {
		batchSize = 1
	}

	return &Reaper{
		pipeline:     p,
		logger:       l,
		interval:     interval,
		stallTimeout: stallTimeout,
		batchTimeout: batchTimeout,
		batchSize:    batchSize,
	}
}

func (r *Reaper) Start(ctx context.Context) error {
	if !r.started.CompareAndSwap(false, true) {
		return fmt.Errorf("Reaper - Start - worker already started")
	}

	r.ctx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-r.ctx.Done():
				return
			case <-ticker.C:
				r.reap()
			}
		}
	}()

	return nil
}

// reap runs batches until one comes back short.
func (r *Reaper) reap() {
	for r.ctx.Err() == nil {
		batchCtx, batchCancel := context.WithTimeout(r.ctx, r.batchTimeout)
		n, err := r.pipeline.ReapStalled(batchCtx, time.Now().Add(-r.stallTimeout), r.batchSize)
		batchCancel()

		if err != nil {
			r.logger.Error(err, "Reaper - reap - r.pipeline.ReapStalled")

			return
		}
		if n > 0 {
			r.logger.Warn("Reaper - %d stalled jobs failed", n)
		}
		if n < r.batchSize {
			return
		}
	}
}

func (r *Reaper) Shutdown(ctx context.Context) error {
	if !r.started.Load() {
		return nil
	}

	if r.cancel != nil {
		r.cancel()
	}

	done := make(chan struct{})

	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("Reaper - Shutdown: %w", ctx.Err())
	}
}
