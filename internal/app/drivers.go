package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/andreyxaxa/File-Processor/config"
	"github.com/andreyxaxa/File-Processor/internal/infrastructure"
	"github.com/andreyxaxa/File-Processor/internal/infrastructure/queue"
	"github.com/andreyxaxa/File-Processor/internal/infrastructure/queue/kafka"
	"github.com/andreyxaxa/File-Processor/internal/infrastructure/queue/memory"
	"github.com/andreyxaxa/File-Processor/internal/infrastructure/queue/rabbitmq"
	"github.com/andreyxaxa/File-Processor/internal/infrastructure/queue/redis"
	"github.com/andreyxaxa/File-Processor/internal/repo"
	"github.com/andreyxaxa/File-Processor/internal/repo/persistent"
	"github.com/andreyxaxa/File-Processor/pkg/kafka/consumer"
	"github.com/andreyxaxa/File-Processor/pkg/kafka/producer"
	pkgrabbitmq "github.com/andreyxaxa/File-Processor/pkg/rabbitmq"
	pkgredis "github.com/andreyxaxa/File-Processor/pkg/redis"
	"github.com/andreyxaxa/File-Processor/pkg/s3client"
)

// dispatch is the queue driver selected by QUEUE_DRIVER: the producer side used
// by the outbox relay, the consumer side used by the worker pool and the
// connections both sides share.
type dispatch struct {
	producer infrastructure.DispatchQueue
	consumer infrastructure.DeliveryConsumer
	closers  []func() error
}

// Close releases the consumer, then the producer, then the shared connections.
func (d *dispatch) Close() error {
	var errs []error

	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// onStalled receives the number of expired redis leases on every promote.
func newDispatch(ctx context.Context, cfg *config.Config, onStalled func(n int)) (*dispatch, error) {
	policy := queue.NewRetryPolicy(cfg.Queue.MaxAttempts, cfg.Queue.BaseDelay)
	d := &dispatch{}

	switch cfg.Queue.Driver {
	case config.QueueKafka:
		p, err := producer.New(ctx, cfg.Kafka.Brokers,
			producer.AutoCreateTopics(cfg.Kafka.AutoCreateTopics),
			producer.BatchTimeout(cfg.Kafka.BatchTimeout),
		)
		if err != nil {
			return nil, fmt.Errorf("app - newDispatch - producer.New: %w", err)
		}
		d.closers = append(d.closers, p.Close)

		c, err := consumer.New(ctx, cfg.Kafka.Brokers, cfg.Kafka.GroupID, cfg.Kafka.Topic,
			consumer.MaxWait(cfg.Kafka.MaxWait),
		)
		if err != nil {
			_ = d.Close()

			return nil, fmt.Errorf("app - newDispatch - consumer.New: %w", err)
		}

		ec := kafka.NewEventConsumer(c, p, cfg.Kafka.Topic, policy)
		d.closers = append(d.closers, ec.Close)

		d.producer = kafka.NewEventProducer(p, cfg.Kafka.Topic)
		d.consumer = ec

	case config.QueueRedis:
		rdb, err := pkgredis.New(ctx, cfg.Redis.Addr, pkgredis.Password(cfg.Redis.Password), pkgredis.DB(cfg.Redis.DB))
		if err != nil {
			return nil, fmt.Errorf("app - newDispatch - pkgredis.New: %w", err)
		}
		d.closers = append(d.closers, rdb.Close)

		q := redis.New(rdb.Client, policy,
			redis.Prefix(cfg.Redis.Prefix),
			redis.Lease(cfg.Redis.Lease),
			redis.OnStalled(onStalled),
		)
		d.producer = q
		d.consumer = q

	case config.QueueRabbitMQ:
		rmq, err := pkgrabbitmq.New(cfg.RabbitMQ.URL)
		if err != nil {
			return nil, fmt.Errorf("app - newDispatch - pkgrabbitmq.New: %w", err)
		}
		d.closers = append(d.closers, rmq.Close)

		pub, err := rabbitmq.New(rmq, cfg.RabbitMQ.Queue, policy, false, 0)
		if err != nil {
			_ = d.Close()

			return nil, fmt.Errorf("app - newDispatch - rabbitmq.New(publisher): %w", err)
		}
		d.closers = append(d.closers, pub.Close)

		sub, err := rabbitmq.New(rmq, cfg.RabbitMQ.Queue, policy, true, prefetch(cfg))
		if err != nil {
			_ = d.Close()

			return nil, fmt.Errorf("app - newDispatch - rabbitmq.New(consumer): %w", err)
		}
		d.closers = append(d.closers, sub.Close)

		d.producer = pub
		d.consumer = sub

	case config.QueueMemory:
		q := memory.New(policy, 0)
		d.closers = append(d.closers, q.Close)

		d.producer = q
		d.consumer = q

	default:
		return nil, fmt.Errorf("app - newDispatch - unknown queue driver %q", cfg.Queue.Driver)
	}

	return d, nil
}

func prefetch(cfg *config.Config) int {
	if cfg.RabbitMQ.Prefetch > 0 {
		return cfg.RabbitMQ.Prefetch
	}

	return workers(cfg)
}

func newBlobStorage(ctx context.Context, cfg *config.Config) (repo.BlobStorage, error) {
	switch cfg.Storage.Driver {
	case config.StorageS3:
		s3Ctx, s3Cancel := context.WithTimeout(ctx, cfg.S3.CfgLoadTimeout)
		defer s3Cancel()

		s3c, err := s3client.New(s3Ctx, cfg.S3.Endpoint, cfg.S3.AccessKey, cfg.S3.SecretKey, cfg.S3.Bucket,
			s3client.Region(cfg.S3.Region),
			s3client.UsePathStyle(cfg.S3.UsePathStyle),
			s3client.CreateBucket(cfg.S3.CreateBucket),
		)
		if err != nil {
			return nil, fmt.Errorf("app - newBlobStorage - s3client.New: %w", err)
		}

		return persistent.NewS3BlobRepo(s3c), nil

	default:
		local, err := persistent.NewLocalBlobRepo(cfg.Storage.RootDir)
		if err != nil {
			return nil, fmt.Errorf("app - newBlobStorage - persistent.NewLocalBlobRepo: %w", err)
		}

		return local, nil
	}
}
