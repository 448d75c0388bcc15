// Package redis is a dispatch queue on redis. Ready messages wait in a list
// and are taken by a script that stores them in an active hash under a fresh
// lease token and adds the token's deadline to a lease set. Retries sit in a
// sorted set scored by due time, expired leases go back to the wait list and
// dead letters are kept in a failed list.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/andreyxaxa/File-Processor/internal/entity"
	"github.com/andreyxaxa/File-Processor/internal/infrastructure"
	"github.com/andreyxaxa/File-Processor/internal/infrastructure/queue"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	_defaultPrefix     = "{file-processing}"
	_defaultPollPeriod = 250 * time.Millisecond
	_defaultLease      = 5 * time.Minute
	_promoteBatch      = 100
)

// take pops the oldest ready message and leases it under a token.
// KEYS: wait, active, leases. ARGV: token, deadline (ms).
var take = redis.NewScript(`
local raw = redis.call('RPOP', KEYS[1])
if not raw then
  return false
end
redis.call('HSET', KEYS[2], ARGV[1], raw)
redis.call('ZADD', KEYS[3], ARGV[2], ARGV[1])
return raw
`)

// promote moves due retries and messages of expired leases back to the wait
// list and returns {due, expired}.
// KEYS: delayed, wait, leases, active. ARGV: now (ms), batch.
var promote = redis.NewScript(`
local now = tonumber(ARGV[1])
local batch = tonumber(ARGV[2])
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', now, 'LIMIT', 0, batch)
for _, m in ipairs(due) do
  redis.call('ZREM', KEYS[1], m)
  redis.call('LPUSH', KEYS[2], m)
end
local expired = 0
local tokens = redis.call('ZRANGEBYSCORE', KEYS[3], '-inf', now, 'LIMIT', 0, batch)
for _, t in ipairs(tokens) do
  redis.call('ZREM', KEYS[3], t)
  local raw = redis.call('HGET', KEYS[4], t)
  if raw then
    redis.call('HDEL', KEYS[4], t)
    redis.call('LPUSH', KEYS[2], raw)
    expired = expired + 1
  end
end
return {#due, expired}
`)

// settle ends a lease. A token that is no longer active belongs to an expired
// lease and settles nothing. Mode delay adds ARGV[3] to KEYS[3] at score
// ARGV[4], mode fail pushes it to KEYS[3].
// KEYS: active, leases, target. ARGV: token, mode, member, score.
var settle = redis.NewScript(`
if redis.call('HDEL', KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call('ZREM', KEYS[2], ARGV[1])
if ARGV[2] == 'delay' then
  redis.call('ZADD', KEYS[3], ARGV[4], ARGV[3])
elseif ARGV[2] == 'fail' then
  redis.call('LPUSH', KEYS[3], ARGV[3])
end
return 1
`)

const (
	settleAck   = "ack"
	settleDelay = "delay"
	settleFail  = "fail"
)

type keys struct {
	wait    string
	active  string
	delayed string
	leases  string
	failed  string
}

func newKeys(prefix string) keys {
	return keys{
		wait:    prefix + ":wait",
		active:  prefix + ":active",
		delayed: prefix + ":delayed",
		leases:  prefix + ":leases",
		failed:  prefix + ":failed",
	}
}

type Queue struct {
	client     *redis.Client
	keys       keys
	policy     queue.RetryPolicy
	pollPeriod time.Duration
	lease      time.Duration
	onStalled  func(n int)
}

var (
	_ infrastructure.DispatchQueue    = (*Queue)(nil)
	_ infrastructure.DeliveryConsumer = (*Queue)(nil)
)

type Option func(*Queue)

// Prefix sets the key prefix. Keep a hash tag in it on redis cluster.
func Prefix(prefix string) Option {
	return func(q *Queue) {
		q.keys = newKeys(prefix)
	}
}

func PollPeriod(d time.Duration) Option {
	return func(q *Queue) {
		q.pollPeriod = d
	}
}

// Lease is how long a received message may stay unsettled before it is
// handed to another consumer.
func Lease(d time.Duration) Option {
	return func(q *Queue) {
		q.lease = d
	}
}

// OnStalled is called with the number of expired leases found by a promote.
func OnStalled(f func(n int)) Option {
	return func(q *Queue) {
		q.onStalled = f
	}
}

func New(client *redis.Client, policy queue.RetryPolicy, opts ...Option) *Queue {
	q := &Queue{
		client:     client,
		keys:       newKeys(_defaultPrefix),
		policy:     policy,
		pollPeriod: _defaultPollPeriod,
		lease:      _defaultLease,
	}

	for _, opt := range opts {
		opt(q)
	}

	return q
}

func (q *Queue) Enqueue(ctx context.Context, d entity.Descriptor) error {
	raw, err := queue.NewEnvelope(d).Encode()
	if err != nil {
		return fmt.Errorf("redis.Queue - Enqueue: %w", err)
	}

	err = q.client.LPush(ctx, q.keys.wait, raw).Err()
	if err != nil {
		return fmt.Errorf("redis.Queue - Enqueue - q.client.LPush: %w", err)
	}

	return nil
}

func (q *Queue) Receive(ctx context.Context) (infrastructure.Delivery, error) {
	for {
		err := ctx.Err()
		if err != nil {
			return nil, fmt.Errorf("redis.Queue - Receive: %w", err)
		}

		err = q.promote(ctx)
		if err != nil {
			return nil, fmt.Errorf("redis.Queue - Receive: %w", err)
		}

		token := uuid.NewString()
		deadline := strconv.FormatInt(time.Now().Add(q.lease).UnixMilli(), 10)

		raw, err := take.Run(ctx, q.client,
			[]string{q.keys.wait, q.keys.active, q.keys.leases},
			token, deadline,
		).Text()
		if errors.Is(err, redis.Nil) {
			select {
			case <-ctx.Done():
			case <-time.After(q.pollPeriod):
			}

			continue
		}
		if err != nil {
			return nil, fmt.Errorf("redis.Queue - Receive - take.Run: %w", err)
		}

		d := &delivery{q: q, token: token, raw: raw}

		env, err := queue.DecodeEnvelope([]byte(raw))
		if err != nil {
			dlErr := d.DeadLetter(ctx, err)
			if dlErr != nil {
				return nil, fmt.Errorf("redis.Queue - Receive - d.DeadLetter: %w", dlErr)
			}

			continue
		}
		d.env = env

		return d, nil
	}
}

// Close is a no-op, the client belongs to the caller.
func (q *Queue) Close() error {
	return nil
}

// Failed returns the dead-lettered envelopes, newest first.
func (q *Queue) Failed(ctx context.Context, limit int64) ([]queue.Envelope, error) {
	raws, err := q.client.LRange(ctx, q.keys.failed, 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis.Queue - Failed - q.client.LRange: %w", err)
	}

	res := make([]queue.Envelope, 0, len(raws))
	for _, raw := range raws {
		env, err := queue.DecodeEnvelope([]byte(raw))
		if err != nil {
			continue
		}
		res = append(res, env)
	}

	return res, nil
}

func (q *Queue) promote(ctx context.Context) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)

	moved, err := promote.Run(ctx, q.client,
		[]string{q.keys.delayed, q.keys.wait, q.keys.leases, q.keys.active},
		now, _promoteBatch,
	).Int64Slice()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis.Queue - promote - promote.Run: %w", err)
	}

	if len(moved) == 2 && moved[1] > 0 && q.onStalled != nil {
		q.onStalled(int(moved[1]))
	}

	return nil
}

// release ends the lease of token. mode picks where member goes: nowhere on
// ack, the delayed set at score on delay, the failed list on fail.
func (q *Queue) release(ctx context.Context, token, mode, member string, score int64) error {
	target := q.keys.failed
	if mode == settleDelay {
		target = q.keys.delayed
	}

	err := settle.Run(ctx, q.client,
		[]string{q.keys.active, q.keys.leases, target},
		token, mode, member, score,
	).Err()
	if err != nil {
		return fmt.Errorf("redis.Queue - release - settle.Run: %w", err)
	}

	return nil
}

type delivery struct {
	q     *Queue
	token string
	raw   string
	env   queue.Envelope
}

func (d *delivery) Descriptor() entity.Descriptor {
	return d.env.Descriptor
}

func (d *delivery) Attempt() int {
	return d.env.Attempt
}

func (d *delivery) LastAttempt() bool {
	return d.q.policy.Exhausted(d.env.Attempt)
}

func (d *delivery) Ack(ctx context.Context) error {
	return d.q.release(ctx, d.token, settleAck, "", 0)
}

func (d *delivery) Nack(ctx context.Context, cause error) error {
	if d.LastAttempt() {
		return d.DeadLetter(ctx, cause)
	}

	next, err := d.env.Next(cause).Encode()
	if err != nil {
		return fmt.Errorf("delivery - Nack: %w", err)
	}

	due := time.Now().Add(d.q.policy.Delay(d.env.Attempt))

	return d.q.release(ctx, d.token, settleDelay, string(next), due.UnixMilli())
}

func (d *delivery) DeadLetter(ctx context.Context, cause error) error {
	dead := d.raw

	env := d.env
	if env.ID != "" && cause != nil {
		env.LastError = cause.Error()
		b, err := env.Encode()
		if err == nil {
			dead = string(b)
		}
	}

	return d.q.release(ctx, d.token, settleFail, dead, 0)
}
