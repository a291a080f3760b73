package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"AgentLoop/internal/queue"
	"AgentLoop/pkg/logger"
)

// ForkProcessor 从队列消费子任务并交给 ForkManager 执行。
// 多实例部署时每个实例各起一个处理器，队列保证任务只被取走一次。
type ForkProcessor struct {
	queue   queue.Queue
	forks   *ForkManager
	workers int
	log     *slog.Logger

	wg     sync.WaitGroup
	cancel context.CancelFunc
	once   sync.Once
}

// NewForkProcessor 创建处理器。workers 非正时取 4。
func NewForkProcessor(q queue.Queue, forks *ForkManager, workers int) *ForkProcessor {
	if workers <= 0 {
		workers = 4
	}
	return &ForkProcessor{
		queue:   q,
		forks:   forks,
		workers: workers,
		log:     logger.Named("fork-processor"),
	}
}

// Start 启动工作协程，立即返回。
func (p *ForkProcessor) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	p.log.Info("子任务处理器已启动", slog.Int("workers", p.workers))
}

// Stop 停止消费并等待在途任务退出。
func (p *ForkProcessor) Stop() {
	p.once.Do(func() {
		if p.cancel != nil {
			p.cancel()
		}
		p.wg.Wait()
		p.log.Info("子任务处理器已停止")
	})
}

func (p *ForkProcessor) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		taskID, err := p.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, queue.ErrClosed) {
				return
			}
			p.log.Warn("出队失败", slog.Int("worker", id), slog.Any("error", err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if err := p.forks.Execute(ctx, taskID); err != nil {
			p.log.Error("子任务执行失败",
				slog.Int("worker", id),
				slog.String("task_id", taskID),
				slog.Any("error", err))
		}
	}
}
