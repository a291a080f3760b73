package engine

import (
	"context"
	"sync"
	"time"
)

// StopRequest 是对一次会话的停止请求。
type StopRequest struct {
	// Graceful 为真时允许当前步骤执行完再停；为假时立即取消进行中的工作。
	Graceful bool
	// SaveState 为真时停止前压缩并保存会话上下文，便于之后恢复。
	SaveState bool
	// RequestedAt 是请求发起时间。
	RequestedAt time.Time
}

// StopController 管理各会话的停止请求。
// 停止只在步骤边界生效；立即停止额外取消会话绑定的上下文，
// 打断进行中的模型调用与工具执行。
type StopController struct {
	mu      sync.Mutex
	pending map[string]StopRequest
	cancels map[string]context.CancelFunc
}

// NewStopController 创建控制器。
func NewStopController() *StopController {
	return &StopController{
		pending: make(map[string]StopRequest),
		cancels: make(map[string]context.CancelFunc),
	}
}

// Bind 为正在执行的会话派生可取消上下文。
// 返回的清理函数必须在会话退出时调用。
func (c *StopController) Bind(ctx context.Context, sessionID string) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancels[sessionID] = cancel
	c.mu.Unlock()
	return ctx, func() {
		c.mu.Lock()
		delete(c.cancels, sessionID)
		c.mu.Unlock()
		cancel()
	}
}

// RequestStop 登记停止请求。对同一会话的重复请求，后到的覆盖先到的。
// 非优雅停止会立即取消会话上下文。
func (c *StopController) RequestStop(sessionID string, graceful, saveState bool) {
	c.mu.Lock()
	c.pending[sessionID] = StopRequest{
		Graceful:    graceful,
		SaveState:   saveState,
		RequestedAt: time.Now(),
	}
	cancel := c.cancels[sessionID]
	c.mu.Unlock()
	if !graceful && cancel != nil {
		cancel()
	}
}

// Pending 查询会话是否有未确认的停止请求。
func (c *StopController) Pending(sessionID string) (StopRequest, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	req, ok := c.pending[sessionID]
	return req, ok
}

// Confirm 由执行方在完成停止处理后调用，清除挂起的请求。
func (c *StopController) Confirm(sessionID string) {
	c.mu.Lock()
	delete(c.pending, sessionID)
	c.mu.Unlock()
}
