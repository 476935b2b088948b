package broker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"taskbeat/internal/job"
	logx "taskbeat/pkg/logx"
)

var (
	ErrRedisURL      = errors.New("failed to parse redis connection string")
	ErrRedisNotReady = errors.New("redis did not become ready within the given time period")
)

// Key layout, all under one prefix:
//
//	{p}:queue:{name}  ZSET  job id -> not_before (unix ms); un-leased entries
//	{p}:leases        ZSET  job id -> lease expiry (unix ms)
//	{p}:tokens        HASH  job id -> lease token
//	{p}:workers       HASH  job id -> worker id
//	{p}:jobqueue      HASH  job id -> queue name
//	{p}:nb            HASH  job id -> not_before (unix ms)
//	{p}:seq           HASH  job id -> enqueue sequence
//	{p}:deliveries    HASH  job id -> delivery count
//	{p}:seqgen        STRING sequence generator
//	{p}:queues        SET   known queue names
//
// Leased entries live only in the leases ZSET; Dequeue moves expired ones
// back into their queue before picking.
type redisKeys struct {
	prefix string
}

func (k redisKeys) queue(name string) string { return k.prefix + ":queue:" + name }

func (k redisKeys) fixed() []string {
	return []string{
		k.prefix + ":leases",
		k.prefix + ":tokens",
		k.prefix + ":workers",
		k.prefix + ":jobqueue",
		k.prefix + ":nb",
		k.prefix + ":seq",
		k.prefix + ":deliveries",
		k.prefix + ":seqgen",
		k.prefix + ":queues",
	}
}

const luaHeader = `
local leases, tokens, workers, jobqueue = KEYS[1], KEYS[2], KEYS[3], KEYS[4]
local nbs, seqs, deliveries, seqgen, queues = KEYS[5], KEYS[6], KEYS[7], KEYS[8], KEYS[9]
local prefix = ARGV[1]
local function qkey(name) return prefix .. ':queue:' .. name end
local function active(id, token, now)
  if redis.call('HGET', tokens, id) ~= token then return false end
  local exp = redis.call('ZSCORE', leases, id)
  return exp and tonumber(exp) > now
end
local function release(id)
  redis.call('ZREM', leases, id)
  redis.call('HDEL', tokens, id)
  redis.call('HDEL', workers, id)
end
local function forget(id)
  release(id)
  redis.call('HDEL', jobqueue, id)
  redis.call('HDEL', nbs, id)
  redis.call('HDEL', seqs, id)
  redis.call('HDEL', deliveries, id)
end
`

// ARGV: prefix, job id, queue, not_before, now
var enqueueScript = redis.NewScript(luaHeader + `
local id, queue, nb, now = ARGV[2], ARGV[3], ARGV[4], tonumber(ARGV[5])
local exp = redis.call('ZSCORE', leases, id)
if exp then
  if tonumber(exp) > now then return 0 end
  release(id)
end
local old = redis.call('HGET', jobqueue, id)
if old and old ~= queue then redis.call('ZREM', qkey(old), id) end
if redis.call('HEXISTS', seqs, id) == 0 then
  redis.call('HSET', seqs, id, redis.call('INCR', seqgen))
end
redis.call('ZADD', qkey(queue), nb, id)
redis.call('HSET', jobqueue, id, queue)
redis.call('HSET', nbs, id, nb)
redis.call('SADD', queues, queue)
return 1
`)

// ARGV: prefix, now, expires, token, worker id, queue names...
var dequeueScript = redis.NewScript(luaHeader + `
local now, expires, token, worker = tonumber(ARGV[2]), ARGV[3], ARGV[4], ARGV[5]
for _, id in ipairs(redis.call('ZRANGEBYSCORE', leases, '-inf', ARGV[2])) do
  local q = redis.call('HGET', jobqueue, id)
  release(id)
  if q then redis.call('ZADD', qkey(q), redis.call('HGET', nbs, id) or now, id) end
end
local best, bestq, bests, bestseq
for i = 6, #ARGV do
  local q = ARGV[i]
  local head = redis.call('ZRANGEBYSCORE', qkey(q), '-inf', ARGV[2], 'WITHSCORES', 'LIMIT', 0, 1)
  if #head > 0 then
    local s = tonumber(head[2])
    for _, id in ipairs(redis.call('ZRANGEBYSCORE', qkey(q), head[2], head[2], 'LIMIT', 0, 64)) do
      local sq = tonumber(redis.call('HGET', seqs, id) or 0)
      if not best or s < bests or (s == bests and sq < bestseq) then
        best, bestq, bests, bestseq = id, q, s, sq
      end
    end
  end
end
if not best then return false end
redis.call('ZREM', qkey(bestq), best)
redis.call('ZADD', leases, expires, best)
redis.call('HSET', tokens, best, token)
redis.call('HSET', workers, best, worker)
local n = redis.call('HINCRBY', deliveries, best, 1)
return {best, bestq, n}
`)

// ARGV: prefix, job id, token, now, expires
var extendScript = redis.NewScript(luaHeader + `
local id, token, now = ARGV[2], ARGV[3], tonumber(ARGV[4])
if not active(id, token, now) then return 0 end
redis.call('ZADD', leases, ARGV[5], id)
return tonumber(redis.call('HGET', deliveries, id) or 0)
`)

// ARGV: prefix, job id, token, now
var ackScript = redis.NewScript(luaHeader + `
local id, token, now = ARGV[2], ARGV[3], tonumber(ARGV[4])
if not active(id, token, now) then return 0 end
forget(id)
return 1
`)

// ARGV: prefix, job id, token, now, not_before
var nackScript = redis.NewScript(luaHeader + `
local id, token, now, nb = ARGV[2], ARGV[3], tonumber(ARGV[4]), ARGV[5]
if not active(id, token, now) then return 0 end
release(id)
local q = redis.call('HGET', jobqueue, id)
redis.call('HSET', seqs, id, redis.call('INCR', seqgen))
redis.call('HSET', nbs, id, nb)
redis.call('ZADD', qkey(q), nb, id)
return 1
`)

// Redis is a Broker on Redis sorted sets. All state changes run as Lua
// scripts so concurrent workers never observe half-applied leases.
type Redis struct {
	client redis.UniversalClient
	keys   redisKeys
	log    logx.Logger
	o      options
	owned  bool
}

var _ Broker = (*Redis)(nil)

// NewRedis wraps an existing client. The caller keeps ownership of client.
func NewRedis(client redis.UniversalClient, prefix string, log logx.Logger, opts ...Option) *Redis {
	if prefix == "" {
		prefix = "taskbeat"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Redis{client: client, keys: redisKeys{prefix: prefix}, log: log, o: buildOptions(opts)}
}

// OpenRedis parses cfg.URL and pings until the server answers or the
// attempts run out.
func OpenRedis(ctx context.Context, cfg Config, log logx.Logger, opts ...Option) (*Redis, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		url = "redis://localhost:6379/0"
	}
	ro, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Join(ErrRedisURL, err)
	}
	attempts := cfg.RetryAttempts
	if attempts <= 0 {
		attempts = 3
	}
	interval := cfg.RetryInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for i := range attempts {
		client := redis.NewClient(ro)
		err := client.Ping(ctx).Err()
		if err == nil {
			b := NewRedis(client, cfg.Prefix, log, opts...)
			b.owned = true
			log.Debug("redis broker connected", logx.String("addr", ro.Addr), logx.Int("attempt", i+1))
			return b, nil
		}
		log.Warn("redis ping failed", logx.String("addr", ro.Addr), logx.Int("attempt", i+1), logx.Err(err))
		_ = client.Close()

		select {
		case <-ctx.Done():
			return nil, errors.Join(ErrRedisNotReady, ctx.Err())
		case <-time.After(interval):
		}
	}
	return nil, ErrRedisNotReady
}

func ms(t time.Time) string { return strconv.FormatInt(t.UnixMilli(), 10) }

func (r *Redis) Enqueue(ctx context.Context, jobID, queue string, notBefore time.Time) error {
	err := enqueueScript.Run(ctx, r.client, r.keys.fixed(),
		r.keys.prefix, jobID, queue, ms(notBefore), ms(r.o.now())).Err()
	if err != nil {
		return fmt.Errorf("redis enqueue: %w", err)
	}
	return nil
}

func (r *Redis) Dequeue(ctx context.Context, workerID string, queues []string, visibility time.Duration) (Delivery, error) {
	if len(queues) == 0 {
		known, err := r.client.SMembers(ctx, r.keys.prefix+":queues").Result()
		if err != nil {
			return Delivery{}, fmt.Errorf("redis dequeue: %w", err)
		}
		queues = known
	}
	now := r.o.now()
	expires := now.Add(visibility)
	token := r.o.newToken()

	args := make([]any, 0, 5+len(queues))
	args = append(args, r.keys.prefix, ms(now), ms(expires), token, workerID)
	for _, q := range queues {
		args = append(args, q)
	}
	res, err := dequeueScript.Run(ctx, r.client, r.keys.fixed(), args...).Slice()
	if errors.Is(err, redis.Nil) {
		return Delivery{}, ErrEmpty
	}
	if err != nil {
		return Delivery{}, fmt.Errorf("redis dequeue: %w", err)
	}
	if len(res) != 3 {
		return Delivery{}, fmt.Errorf("redis dequeue: unexpected reply %v", res)
	}
	id, _ := res[0].(string)
	q, _ := res[1].(string)
	n, _ := res[2].(int64)
	return Delivery{
		JobID:      id,
		Queue:      q,
		WorkerID:   workerID,
		Token:      token,
		Deliveries: int(n),
		Expires:    time.UnixMilli(expires.UnixMilli()).UTC(),
	}, nil
}

func (r *Redis) Extend(ctx context.Context, d Delivery, visibility time.Duration) (Delivery, error) {
	now := r.o.now()
	expires := now.Add(visibility)
	n, err := extendScript.Run(ctx, r.client, r.keys.fixed(),
		r.keys.prefix, d.JobID, d.Token, ms(now), ms(expires)).Int64()
	if err != nil {
		return Delivery{}, fmt.Errorf("redis extend: %w", err)
	}
	if n == 0 {
		return Delivery{}, job.ErrLeaseExpired
	}
	d.Expires = time.UnixMilli(expires.UnixMilli()).UTC()
	d.Deliveries = int(n)
	return d, nil
}

func (r *Redis) Ack(ctx context.Context, d Delivery) error {
	n, err := ackScript.Run(ctx, r.client, r.keys.fixed(),
		r.keys.prefix, d.JobID, d.Token, ms(r.o.now())).Int64()
	if err != nil {
		return fmt.Errorf("redis ack: %w", err)
	}
	if n == 0 {
		return job.ErrLeaseExpired
	}
	return nil
}

func (r *Redis) Nack(ctx context.Context, d Delivery, delay time.Duration) error {
	if delay < 0 {
		delay = 0
	}
	now := r.o.now()
	n, err := nackScript.Run(ctx, r.client, r.keys.fixed(),
		r.keys.prefix, d.JobID, d.Token, ms(now), ms(now.Add(delay))).Int64()
	if err != nil {
		return fmt.Errorf("redis nack: %w", err)
	}
	if n == 0 {
		return job.ErrLeaseExpired
	}
	return nil
}

func (r *Redis) Depth(ctx context.Context, queues []string) (Depth, error) {
	if len(queues) == 0 {
		known, err := r.client.SMembers(ctx, r.keys.prefix+":queues").Result()
		if err != nil {
			return Depth{}, fmt.Errorf("redis depth: %w", err)
		}
		queues = known
	}
	now := ms(r.o.now())

	pipe := r.client.Pipeline()
	ready := make([]*redis.IntCmd, len(queues))
	delayed := make([]*redis.IntCmd, len(queues))
	for i, q := range queues {
		ready[i] = pipe.ZCount(ctx, r.keys.queue(q), "-inf", now)
		delayed[i] = pipe.ZCount(ctx, r.keys.queue(q), "("+now, "+inf")
	}
	leases := pipe.ZRangeWithScores(ctx, r.keys.prefix+":leases", 0, -1)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return Depth{}, fmt.Errorf("redis depth: %w", err)
	}

	var d Depth
	for i := range queues {
		d.Ready += int(ready[i].Val())
		d.Delayed += int(delayed[i].Val())
	}

	leased := leases.Val()
	if len(leased) == 0 {
		return d, nil
	}
	ids := make([]string, len(leased))
	for i, z := range leased {
		ids[i], _ = z.Member.(string)
	}
	owners, err := r.client.HMGet(ctx, r.keys.prefix+":jobqueue", ids...).Result()
	if err != nil {
		return Depth{}, fmt.Errorf("redis depth: %w", err)
	}
	want := queueSet(queues)
	nowMs, _ := strconv.ParseFloat(now, 64)
	for i, z := range leased {
		q, _ := owners[i].(string)
		if !want[q] {
			continue
		}
		// Expired leases are eligible again.
		if z.Score > nowMs {
			d.Leased++
		} else {
			d.Ready++
		}
	}
	return d, nil
}

func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Close closes the client only when OpenRedis created it.
func (r *Redis) Close() error {
	if !r.owned {
		return nil
	}
	return r.client.Close()
}
