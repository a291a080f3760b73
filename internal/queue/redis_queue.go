package queue

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "AgentLoop/internal/errors"
)

// RedisQueue 用 Redis 列表实现队列：LPUSH 入队，BRPOP 出队。
// 多实例部署时由 Redis 保证同一任务只被一个消费者取走。
type RedisQueue struct {
	client *redis.Client
	key    string
}

var _ Queue = (*RedisQueue)(nil)

// RedisQueueConfig 是 Redis 队列配置。
type RedisQueueConfig struct {
	Address  string
	Password string
	DB       int
	// Key 是列表键名，为空使用默认值。
	Key string
}

// NewRedisQueue 创建 Redis 队列并校验连通性。
func NewRedisQueue(cfg RedisQueueConfig) (*RedisQueue, error) {
	if cfg.Key == "" {
		cfg.Key = "agentloop:fork_tasks"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "连接 Redis 队列失败")
	}
	return &RedisQueue{client: client, key: cfg.Key}, nil
}

func (q *RedisQueue) Enqueue(ctx context.Context, taskID string) error {
	if err := q.client.LPush(ctx, q.key, taskID).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "任务入队失败")
	}
	return nil
}

// Dequeue 以短阻塞轮询 BRPOP，便于及时响应 ctx 取消。
func (q *RedisQueue) Dequeue(ctx context.Context) (string, error) {
	for {
		res, err := q.client.BRPop(ctx, 2*time.Second, q.key).Result()
		if err == nil {
			// BRPOP 返回 [key, value]。
			return res[1], nil
		}
		if errors.Is(err, redis.Nil) {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			default:
				continue
			}
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", xerrors.Wrap(xerrors.CodeQueueFailure, err, "任务出队失败")
	}
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}
