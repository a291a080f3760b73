// Package queue 提供派生任务的投递通道，支持内存、Redis 与 RabbitMQ 三种后端。
// 队列中只传任务 ID，任务体始终以存储层为准。
package queue

import (
	"context"

	xerrors "AgentLoop/internal/errors"
)

// Queue 是派生任务 ID 的投递通道。
type Queue interface {
	// Enqueue 投递任务 ID。
	Enqueue(ctx context.Context, taskID string) error
	// Dequeue 取出一个任务 ID，无任务时阻塞直到有任务或 ctx 结束。
	Dequeue(ctx context.Context) (string, error)
	// Close 关闭队列。关闭后 Dequeue 返回 ErrClosed。
	Close() error
}

// ErrClosed 表示队列已关闭。
var ErrClosed = xerrors.New(xerrors.CodeQueueFailure, "队列已关闭")
