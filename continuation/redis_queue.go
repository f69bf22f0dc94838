package continuation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var _ Queue = (*RedisQueue)(nil)

// A leased job stays in the due set with its score pushed to the lease
// deadline, so an abandoned lease makes the job due again without a reaper.
var dequeueScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #ids == 0 then
	return false
end
local id = ids[1]
redis.call('ZADD', KEYS[1], ARGV[2], id)
redis.call('HSET', KEYS[3], id, ARGV[3])
local deliveries = redis.call('HINCRBY', KEYS[4], id, 1)
local payload = redis.call('HGET', KEYS[2], id)
return {id, payload, deliveries}
`)

var completeScript = redis.NewScript(`
if redis.call('HGET', KEYS[3], ARGV[1]) ~= ARGV[2] then
	return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[3], ARGV[1])
redis.call('HDEL', KEYS[4], ARGV[1])
return 1
`)

// advanceScript acknowledges ARGV[1] and, when ARGV[3] is set, schedules it
// as a new job under a freshly allocated id.
var advanceScript = redis.NewScript(`
if redis.call('HGET', KEYS[3], ARGV[1]) ~= ARGV[2] then
	return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[3], ARGV[1])
redis.call('HDEL', KEYS[4], ARGV[1])
if ARGV[3] ~= '' then
	local id = tostring(redis.call('INCR', KEYS[5]))
	redis.call('HSET', KEYS[2], id, ARGV[3])
	redis.call('ZADD', KEYS[1], ARGV[4], id)
end
return 1
`)

var releaseScript = redis.NewScript(`
if redis.call('HGET', KEYS[2], ARGV[1]) ~= ARGV[2] then
	return 0
end
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
return 1
`)

// RedisQueue keeps due times in a sorted set and payloads in a hash.
type RedisQueue struct {
	client     redis.UniversalClient
	prefix     string
	visibility time.Duration
}

func NewRedisQueue(client redis.UniversalClient, prefix string, visibility time.Duration) *RedisQueue {
	if prefix == "" {
		prefix = "workspaced:continuations"
	}

	return &RedisQueue{client: client, prefix: prefix, visibility: visibility}
}

func (q *RedisQueue) key(name string) string {
	return q.prefix + ":" + name
}

func (q *RedisQueue) Enqueue(ctx context.Context, payload *Payload, delay time.Duration) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	seq, err := q.client.Incr(ctx, q.key("seq")).Result()
	if err != nil {
		return fmt.Errorf("allocate job id: %w", err)
	}
	id := strconv.FormatInt(seq, 10)

	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.key("jobs"), id, data)
		pipe.ZAdd(ctx, q.key("due"), redis.Z{
			Score:  float64(time.Now().Add(delay).UnixMilli()),
			Member: id,
		})

		return nil
	})
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", payload.ID, err)
	}

	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context, workerID string) (*Job, error) {
	now := time.Now()
	token := workerID + ":" + uuid.NewString()

	res, err := dequeueScript.Run(ctx, q.client,
		[]string{q.key("due"), q.key("jobs"), q.key("leases"), q.key("deliveries")},
		now.UnixMilli(), now.Add(q.visibility).UnixMilli(), token,
	).Slice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}

	if len(res) != 3 {
		return nil, fmt.Errorf("dequeue: unexpected reply of %d elements", len(res))
	}

	id, _ := res[0].(string)
	raw, _ := res[1].(string)
	deliveries, _ := res[2].(int64)

	var payload Payload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, fmt.Errorf("unmarshal payload %s: %w", id, err)
	}

	return &Job{
		ID:         id,
		Payload:    &payload,
		LeaseToken: token,
		Deliveries: int(deliveries),
	}, nil
}

func (q *RedisQueue) Complete(ctx context.Context, job *Job) error {
	ok, err := completeScript.Run(ctx, q.client,
		[]string{q.key("due"), q.key("jobs"), q.key("leases"), q.key("deliveries")},
		job.ID, job.LeaseToken,
	).Int()
	if err != nil {
		return fmt.Errorf("complete job %s: %w", job.ID, err)
	}

	if ok == 0 {
		return ErrLeaseLost
	}

	return nil
}

func (q *RedisQueue) Advance(ctx context.Context, job *Job, next *Payload, delay time.Duration) error {
	var data []byte
	if next != nil {
		var err error
		if data, err = json.Marshal(next); err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
	}

	ok, err := advanceScript.Run(ctx, q.client,
		[]string{q.key("due"), q.key("jobs"), q.key("leases"), q.key("deliveries"), q.key("seq")},
		job.ID, job.LeaseToken, string(data), time.Now().Add(delay).UnixMilli(),
	).Int()
	if err != nil {
		return fmt.Errorf("advance job %s: %w", job.ID, err)
	}

	if ok == 0 {
		return ErrLeaseLost
	}

	return nil
}

func (q *RedisQueue) Release(ctx context.Context, job *Job, delay time.Duration) error {
	ok, err := releaseScript.Run(ctx, q.client,
		[]string{q.key("due"), q.key("leases")},
		job.ID, job.LeaseToken, time.Now().Add(delay).UnixMilli(),
	).Int()
	if err != nil {
		return fmt.Errorf("release job %s: %w", job.ID, err)
	}

	if ok == 0 {
		return ErrLeaseLost
	}

	return nil
}

func (q *RedisQueue) Len(ctx context.Context) (int, error) {
	n, err := q.client.ZCard(ctx, q.key("due")).Result()
	if err != nil {
		return 0, fmt.Errorf("count queue: %w", err)
	}

	return int(n), nil
}
