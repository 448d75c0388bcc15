package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andreyxaxa/File-Processor/internal/infrastructure"
	"github.com/andreyxaxa/File-Processor/internal/usecase"
	"github.com/andreyxaxa/File-Processor/pkg/logger"
	"github.com/andreyxaxa/File-Processor/pkg/types/errs"
)

const _receiveBackoff = time.Second

// Controller pulls deliveries from the queue and runs them on a fixed pool
// of workers.
type Controller struct {
	pipeline usecase.PipelineUseCase
	consumer infrastructure.DeliveryConsumer
	logger   logger.Interface

	settleTimeout  time.Duration
	processTimeout time.Duration

	workers int
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	started atomic.Bool
}

func New(
	p usecase.PipelineUseCase,
	consumer infrastructure.DeliveryConsumer,
	l logger.Interface,
	settleTimeout time.Duration,
	processTimeout time.Duration,
	workers int,
) *Controller {
	if workers <= 0 {
		workers = 1
	}

	return &Controller{
		pipeline:       p,
		consumer:       consumer,
		logger:         l,
		settleTimeout:  settleTimeout,
		processTimeout: processTimeout,
		workers:        workers,
	}
}

func (c *Controller) Start(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return fmt.Errorf("Controller - Start - controller already started")
	}

	c.ctx, c.cancel = context.WithCancel(ctx)

	// небуферизованный канал: читаем новое сообщение, только когда есть свободный воркер
	tasks := make(chan infrastructure.Delivery)

	// запускаем воркеры
	for i := 0; i < c.workers; i++ {
		c.wg.Add(1)
		go c.worker(tasks)
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer close(tasks)

		for {
			// 1. читаем из очереди
			d, err := c.consumer.Receive(c.ctx)
			if err != nil {
				if c.ctx.Err() != nil || errors.Is(err, errs.ErrQueueClosed) {
					return
				}

				c.logger.Error(err, "Controller - Start - c.consumer.Receive")

				select {
				case <-time.After(_receiveBackoff):
				case <-c.ctx.Done():
					return
				}

				continue
			}

			// 2. отдаем свободному воркеру
			select {
			case tasks <- d:
			case <-c.ctx.Done():
				// не успели взять в работу - не подтверждаем, очередь доставит повторно
				return
			}
		}
	}()

	return nil
}

func (c *Controller) worker(tasks <-chan infrastructure.Delivery) {
	defer c.wg.Done()

	// читаем канал, пока не закроется
	for d := range tasks {
		c.handle(d)
	}
}

func (c *Controller) handle(d infrastructure.Delivery) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic: %v", r)
			c.logger.Error(err, "Controller - handle - panic")
			c.nack(d, err)
		}
	}()

	// задача, взятая в работу, доводится до конца даже при остановке
	processCtx, processCancel := context.WithTimeout(context.WithoutCancel(c.ctx), c.processTimeout)
	defer processCancel()

	err := c.pipeline.Process(processCtx, d)
	if err != nil {
		c.logger.Error(err, "Controller - handle - c.pipeline.Process")
		c.nack(d, err)
	}
}

// nack hands d back to the queue. On the last attempt the queue gives up on
// it, so its job is failed first.
func (c *Controller) nack(d infrastructure.Delivery, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.settleTimeout)
	defer cancel()

	if d.LastAttempt() {
		err := c.pipeline.Abandon(ctx, d, cause)
		if err != nil {
			c.logger.Error(err, "Controller - nack - c.pipeline.Abandon")
		}
	}

	err := d.Nack(ctx, cause)
	if err != nil {
		c.logger.Error(err, "Controller - nack - d.Nack")
	}
}

// Shutdown stops receiving and waits for in-flight jobs until ctx is done.
func (c *Controller) Shutdown(ctx context.Context) error {
	if !c.started.Load() {
		return nil
	}

	if c.cancel != nil {
		c.cancel()
	}

	done := make(chan struct{})

	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("Controller - Shutdown: %w", ctx.Err())
	}
}
