package outbox

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andreyxaxa/File-Processor/internal/infrastructure"
	"github.com/andreyxaxa/File-Processor/internal/usecase"
	"github.com/andreyxaxa/File-Processor/pkg/logger"
)

// OutboxRelay moves job descriptors from the outbox table to the dispatch
// queue. A descriptor may be published more than once.
type OutboxRelay struct {
	files  usecase.FileUseCase
	es     infrastructure.EventsSender
	logger logger.Interface

	pollInterval        time.Duration
	cleanupInterval     time.Duration
	markFailedInterval  time.Duration
	processBatchTimeout time.Duration
	claimTimeout        time.Duration
	batchSize           int
	maxRetries          int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	started atomic.Bool
}

func New(
	files usecase.FileUseCase,
	es infrastructure.EventsSender,
	l logger.Interface,
	pollInterval time.Duration,
	cleanupInterval time.Duration,
	markFailedInterval time.Duration,
	processBatchTimeout time.Duration,
	claimTimeout time.Duration,
	batchSize int,
	maxRetries int,
) *OutboxRelay {
	return &OutboxRelay{
		files:               files,
		es:                  es,
		logger:              l,
		pollInterval:        pollInterval,
		cleanupInterval:     cleanupInterval,
		markFailedInterval:  markFailedInterval,
		processBatchTimeout: processBatchTimeout,
		claimTimeout:        claimTimeout,
		batchSize:           batchSize,
		maxRetries:          maxRetries,
	}
}

func (r *OutboxRelay) Start(ctx context.Context) error {
	if !r.started.CompareAndSwap(false, true) {
		return fmt.Errorf("OutboxRelay - Start - worker already started")
	}

	r.ctx, r.cancel = context.WithCancel(ctx)

	// 1. воркер для отправки задач в очередь
	r.worker(r.pollInterval, r.drain)

	// 2. воркер для зависших и исчерпавших ретраи событий
	r.worker(r.markFailedInterval, r.expire)

	// 3. воркер очистки отправленных из outbox
	r.worker(r.cleanupInterval, func() {
		n, err := r.files.CleanupOutbox(r.ctx)
		if err != nil {
			r.logger.Error(err, "OutboxRelay - Start - worker - r.files.CleanupOutbox")

			return
		}
		if n > 0 {
			r.logger.Debug("OutboxRelay - cleaned up %d processed outbox events", n)
		}
	})

	return nil
}

// expire releases claims of a relay that died before settling them, then
// fails the events that ran out of retries together with their jobs.
func (r *OutboxRelay) expire() {
	// 1. зависшие в processing возвращаем в pending
	_, err := r.files.ReleaseStaleClaims(r.ctx, r.claimTimeout)
	if err != nil {
		r.logger.Error(err, "OutboxRelay - expire - r.files.ReleaseStaleClaims")
	}

	// 2. исчерпавшие ретраи помечаем failed
	n, err := r.files.MarkMaxRetriesAsFailed(r.ctx, r.maxRetries)
	if err != nil {
		r.logger.Error(err, "OutboxRelay - expire - r.files.MarkMaxRetriesAsFailed")

		return
	}
	if n > 0 {
		r.logger.Warn("OutboxRelay - %d outbox events exceeded %d retries and were marked failed", n, r.maxRetries)
	}
}

// drain publishes batches until the outbox has fewer than batchSize pending
// events, so a backlog does not wait pollInterval per batch.
func (r *OutboxRelay) drain() {
	for r.ctx.Err() == nil {
		batchCtx, batchCancel := context.WithTimeout(r.ctx, r.processBatchTimeout)
		n := r.processEventsBatch(batchCtx)
		batchCancel()

		if n == 0 || n < r.batchSize {
			return
		}
	}
}

// processEventsBatch returns how many events were published.
func (r *OutboxRelay) processEventsBatch(ctx context.Context) int {
	// 1. забираем pending события (в транзакции помечаются processing)
	events, err := r.files.ClaimPendingEvents(ctx, r.maxRetries, r.batchSize)
	if err != nil {
		r.logger.Error(err, "OutboxRelay - processEventsBatch - r.files.ClaimPendingEvents")

		return 0
	}
	if len(events) == 0 {
		return 0
	}

	// 2. пробуем их отправить
	err = r.es.SendEvents(ctx, events)
	if err != nil {
		r.logger.Error(err, "OutboxRelay - processEventsBatch - r.es.SendEvents")
		// 2.1 если не получилось - увеличиваем счетчик ретраев + возвращаем статус в pending
		incErr := r.files.IncrementRetryCountBatch(context.WithoutCancel(ctx), events)
		if incErr != nil {
			r.logger.Error(incErr, "OutboxRelay - processEventsBatch - r.files.IncrementRetryCountBatch")
		}

		return 0
	}

	// 3. если удалось отправить - помечаем как processed
	err = r.files.MarkAsProcessedBatch(context.WithoutCancel(ctx), events)
	if err != nil {
		r.logger.Error(err, "OutboxRelay - processEventsBatch - r.files.MarkAsProcessedBatch")

		return 0
	}

	return len(events)
}

func (r *OutboxRelay) worker(interval time.Duration, task func()) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-r.ctx.Done():
				return
			case <-ticker.C:
				task()
			}
		}
	}()
}

func (r *OutboxRelay) Shutdown(ctx context.Context) error {
	if !r.started.Load() {
		return nil
	}

	if r.cancel != nil {
		r.cancel()
	}

	done := make(chan struct{})

	go func() {
		r.wg.Wait()
		r.es.Close()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("OutboxRelay - Shutdown: %w", ctx.Err())
	}
}
