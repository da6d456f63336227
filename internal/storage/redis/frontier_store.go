package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/JakeFAU/adaptive-crawler/internal/crawler"
)

// Scores order the queue by priority, then insertion. They stay exact for
// |priority| < 10^4 and fewer than 10^10 insertions.
const enqueueScript = `
local seen, queue, tasks, seq, visited = KEYS[1], KEYS[2], KEYS[3], KEYS[4], KEYS[5]
local key, prio, payload, requeue = ARGV[1], tonumber(ARGV[2]), ARGV[3], ARGV[4]
if requeue == "1" then
  if redis.call('SISMEMBER', visited, key) == 1 then
    return 0
  end
  redis.call('SADD', seen, key)
elseif redis.call('SADD', seen, key) == 0 then
  return 0
end
local n = redis.call('INCR', seq)
redis.call('ZADD', queue, -prio * 10000000000 + n, key)
redis.call('HSET', tasks, key, payload)
return 1
`

const popScript = `
local queue, tasks = KEYS[1], KEYS[2]
local head = redis.call('ZRANGE', queue, 0, 0)
if #head == 0 then
  return false
end
redis.call('ZREM', queue, head[1])
local payload = redis.call('HGET', tasks, head[1])
redis.call('HDEL', tasks, head[1])
return payload
`

var (
	enqueue = goredis.NewScript(enqueueScript)
	pop     = goredis.NewScript(popScript)
)

// FrontierStore is a crawler.FrontierStore shared by every worker and process
// pointing at the same prefix.
type FrontierStore struct {
	client  goredis.UniversalClient
	queue   string
	tasks   string
	seq     string
	seen    string
	visited string
}

// NewFrontierStore creates a FrontierStore under prefix.
func NewFrontierStore(client goredis.UniversalClient, prefix string) *FrontierStore {
	p := prefixOr(prefix)
	return &FrontierStore{
		client:  client,
		queue:   p + ":frontier",
		tasks:   p + ":frontier:tasks",
		seq:     p + ":frontier:seq",
		seen:    p + ":seen",
		visited: p + ":visited",
	}
}

func (s *FrontierStore) keys() []string {
	return []string{s.seen, s.queue, s.tasks, s.seq, s.visited}
}

func (s *FrontierStore) run(ctx context.Context, task crawler.URLTask, requeue string) (bool, error) {
	payload, err := json.Marshal(task)
	if err != nil {
		return false, fmt.Errorf("encode task: %w", err)
	}
	n, err := enqueue.Run(ctx, s.client, s.keys(), task.CanonicalKey, task.Priority, payload, requeue).Int()
	if err != nil {
		return false, fmt.Errorf("redis enqueue: %w", err)
	}
	return n == 1, nil
}

// Push implements crawler.FrontierStore.
func (s *FrontierStore) Push(ctx context.Context, task crawler.URLTask) (bool, error) {
	return s.run(ctx, task, "0")
}

// Requeue implements crawler.FrontierStore.
func (s *FrontierStore) Requeue(ctx context.Context, task crawler.URLTask) error {
	_, err := s.run(ctx, task, "1")
	return err
}

// Pop implements crawler.FrontierStore.
func (s *FrontierStore) Pop(ctx context.Context) (crawler.URLTask, bool, error) {
	payload, err := pop.Run(ctx, s.client, []string{s.queue, s.tasks}).Text()
	if errors.Is(err, goredis.Nil) {
		return crawler.URLTask{}, false, nil
	}
	if err != nil {
		return crawler.URLTask{}, false, fmt.Errorf("redis pop: %w", err)
	}
	var task crawler.URLTask
	if err := json.Unmarshal([]byte(payload), &task); err != nil {
		return crawler.URLTask{}, false, fmt.Errorf("decode task: %w", err)
	}
	return task, true, nil
}

// MarkVisited implements crawler.FrontierStore.
func (s *FrontierStore) MarkVisited(ctx context.Context, key string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.SAdd(ctx, s.visited, key)
		pipe.SAdd(ctx, s.seen, key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis mark visited: %w", err)
	}
	return nil
}

// IsVisited implements crawler.FrontierStore.
func (s *FrontierStore) IsVisited(ctx context.Context, key string) (bool, error) {
	ok, err := s.client.SIsMember(ctx, s.visited, key).Result()
	if err != nil {
		return false, fmt.Errorf("redis is visited: %w", err)
	}
	return ok, nil
}

// Len implements crawler.FrontierStore.
func (s *FrontierStore) Len(ctx context.Context) (int, error) {
	n, err := s.client.ZCard(ctx, s.queue).Result()
	if err != nil {
		return 0, fmt.Errorf("redis frontier len: %w", err)
	}
	return int(n), nil
}
