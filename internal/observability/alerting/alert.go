// Package alerting 把执行中的严重失败扇出给告警通道。
package alerting

import (
	"log/slog"
	"sync"
	"time"

	"AgentLoop/internal/engine"
	xerrors "AgentLoop/internal/errors"
	"AgentLoop/pkg/logger"
)

// Alert 是一条告警。
type Alert struct {
	Title     string
	Detail    string
	SessionID string
	Code      xerrors.Code
	Severity  xerrors.Severity
	At        time.Time
}

// Notifier 投递告警到某个通道。
type Notifier interface {
	Notify(alert Alert)
}

// LogNotifier 把告警写入审计日志。
type LogNotifier struct {
	log *slog.Logger
}

// NewLogNotifier 创建日志通道。
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{log: logger.Audit()}
}

func (n *LogNotifier) Notify(alert Alert) {
	n.log.Error("告警",
		slog.String("title", alert.Title),
		slog.String("detail", alert.Detail),
		slog.String("session_id", alert.SessionID),
		slog.String("code", string(alert.Code)),
		slog.String("severity", string(alert.Severity)))
}

// Dispatcher 把告警按严重级别过滤后扇出给所有通道。
type Dispatcher struct {
	mu        sync.RWMutex
	notifiers []Notifier
	threshold xerrors.Severity
}

// NewDispatcher 创建分发器，低于 threshold 的告警被丢弃。
func NewDispatcher(threshold xerrors.Severity, notifiers ...Notifier) *Dispatcher {
	return &Dispatcher{notifiers: notifiers, threshold: threshold}
}

// Register 追加一个通道。
func (d *Dispatcher) Register(n Notifier) {
	d.mu.Lock()
	d.notifiers = append(d.notifiers, n)
	d.mu.Unlock()
}

// Dispatch 分发一条告警。
func (d *Dispatcher) Dispatch(alert Alert) {
	if severityRank(alert.Severity) < severityRank(d.threshold) {
		return
	}
	if alert.At.IsZero() {
		alert.At = time.Now()
	}
	d.mu.RLock()
	targets := make([]Notifier, len(d.notifiers))
	copy(targets, d.notifiers)
	d.mu.RUnlock()
	for _, n := range targets {
		n.Notify(alert)
	}
}

// EventSink 返回一个事件接收器，把会话与子任务失败转成告警。
// 其它事件类型被忽略。
func (d *Dispatcher) EventSink() engine.Sink {
	return func(e engine.Event) {
		switch e.Kind {
		case engine.EventSessionFailed:
			d.Dispatch(Alert{
				Title:     "会话执行失败",
				Detail:    errDetail(e),
				SessionID: e.SessionID,
				Code:      xerrors.CodeOf(e.Err),
				Severity:  xerrors.SeverityOf(e.Err),
				At:        e.At,
			})
		case engine.EventForkFailed:
			d.Dispatch(Alert{
				Title:     "子任务执行失败",
				Detail:    errDetail(e),
				SessionID: e.SessionID,
				Code:      xerrors.CodeOf(e.Err),
				Severity:  xerrors.SeverityOf(e.Err),
				At:        e.At,
			})
		}
	}
}

func severityRank(sev xerrors.Severity) int {
	switch sev {
	case xerrors.SeverityCritical:
		return 2
	case xerrors.SeverityWarning:
		return 1
	default:
		return 0
	}
}

func errDetail(e engine.Event) string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Detail
}
