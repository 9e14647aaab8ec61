package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"queue-rebirth/internal/models"
)

// RedisQueue keeps ready, in-flight and seen tasks in Redis so an
// interrupted invocation can resume where it stopped.
type RedisQueue struct {
	client      *redis.Client
	readyKey    string
	inflightKey string
	seenKey     string
}

// NewRedisQueue builds a queue namespaced by state id and phase, e.g.
// "rebirth:<state>:scan".
func NewRedisQueue(client *redis.Client, stateID, phase string) *RedisQueue {
	prefix := fmt.Sprintf("rebirth:%s:%s", stateID, phase)
	return &RedisQueue{
		client:      client,
		readyKey:    prefix + ":ready",
		inflightKey: prefix + ":inflight",
		seenKey:     prefix + ":seen",
	}
}

func encodeTask(task models.Task) (string, error) {
	b, err := json.Marshal(task)
	if err != nil {
		return "", fmt.Errorf("encode task: %w", err)
	}
	return string(b), nil
}

// Enqueue appends the task unless its dedup key was seen before.
func (q *RedisQueue) Enqueue(ctx context.Context, task models.Task) (bool, error) {
	payload, err := encodeTask(task)
	if err != nil {
		return false, err
	}
	added, err := enqueueScript.Run(ctx, q.client, []string{q.seenKey, q.readyKey}, task.DedupKey(), payload).Int()
	if err != nil {
		return false, fmt.Errorf("enqueue %s: %w", task.DedupKey(), err)
	}
	return added == 1, nil
}

// Dequeue pops the oldest ready task and records it as in flight, scored by
// the time it was taken.
func (q *RedisQueue) Dequeue(ctx context.Context) (models.Task, bool, error) {
	res, err := dequeueScript.Run(ctx, q.client, []string{q.readyKey, q.inflightKey}, time.Now().UnixMilli()).Result()
	if err == redis.Nil {
		return models.Task{}, false, nil
	}
	if err != nil {
		return models.Task{}, false, err
	}
	payload, ok := res.(string)
	if !ok {
		return models.Task{}, false, fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	var task models.Task
	if err := json.Unmarshal([]byte(payload), &task); err != nil {
		return models.Task{}, false, fmt.Errorf("decode task: %w", err)
	}
	return task, true, nil
}

// Ack removes a task from in-flight tracking.
func (q *RedisQueue) Ack(ctx context.Context, task models.Task) error {
	payload, err := encodeTask(task)
	if err != nil {
		return err
	}
	return q.client.ZRem(ctx, q.inflightKey, payload).Err()
}

// Len returns the number of ready tasks.
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.readyKey).Result()
}

// Recover moves every in-flight task back to the head of the ready list,
// oldest first. Call it before the first Dequeue when resuming after a crash;
// no worker of the previous process is alive.
func (q *RedisQueue) Recover(ctx context.Context) ([]models.Task, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	tasks := make([]models.Task, 0, len(ids))
	members := make([]interface{}, len(ids))
	heads := make([]interface{}, len(ids))
	for i, payload := range ids {
		var task models.Task
		if err := json.Unmarshal([]byte(payload), &task); err != nil {
			return nil, fmt.Errorf("decode in-flight task: %w", err)
		}
		tasks = append(tasks, task)
		members[i] = payload
		// LPUSH leaves its last argument at the head.
		heads[len(ids)-1-i] = payload
	}
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, members...)
	pipe.LPush(ctx, q.readyKey, heads...)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return tasks, nil
}

// Purge drops all state of this queue, including the seen set, so the next
// invocation with the same state id starts from scratch.
func (q *RedisQueue) Purge(ctx context.Context) error {
	return q.client.Del(ctx, q.readyKey, q.inflightKey, q.seenKey).Err()
}

var enqueueScript = redis.NewScript(`
if redis.call('SADD', KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call('RPUSH', KEYS[2], ARGV[2])
return 1
`)

var dequeueScript = redis.NewScript(`
local task = redis.call('LPOP', KEYS[1])
if task then
  redis.call('ZADD', KEYS[2], ARGV[1], task)
  return task
end
return nil
`)
