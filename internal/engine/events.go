package engine

import (
	"log/slog"
	"time"
)

// EventKind 标识执行过程中的一类事件。
type EventKind string

const (
	EventSessionStarted   EventKind = "session:started"
	EventSessionCompleted EventKind = "session:completed"
	EventSessionFailed    EventKind = "session:failed"
	EventSessionStopped   EventKind = "session:stopped"
	EventSessionAwaiting  EventKind = "session:awaiting_input"
	EventStepStarted      EventKind = "step:started"
	EventStepCompleted    EventKind = "step:completed"
	EventStepFailed       EventKind = "step:failed"
	EventToolCalled       EventKind = "tool:called"
	EventForkSpawned      EventKind = "fork:spawned"
	EventForkCompleted    EventKind = "fork:completed"
	EventForkFailed       EventKind = "fork:failed"
)

// Event 是一条执行事件。事件通过构造时注入的 Sink 分发，
// 引擎内部没有任何全局事件总线。
type Event struct {
	Kind       EventKind
	SessionID  string
	StepNumber int
	ForkTaskID string
	Detail     string
	Err        error
	At         time.Time
}

// Sink 消费事件。实现必须自行保证快速返回，慢消费请自带缓冲。
type Sink func(Event)

// MultiSink 把事件按顺序分发给多个 Sink。
func MultiSink(sinks ...Sink) Sink {
	return func(e Event) {
		for _, s := range sinks {
			if s != nil {
				s(e)
			}
		}
	}
}

// LogSink 把事件写入结构化日志。
func LogSink(log *slog.Logger) Sink {
	return func(e Event) {
		attrs := []any{
			slog.String("kind", string(e.Kind)),
			slog.String("session_id", e.SessionID),
		}
		if e.StepNumber > 0 {
			attrs = append(attrs, slog.Int("step", e.StepNumber))
		}
		if e.ForkTaskID != "" {
			attrs = append(attrs, slog.String("fork_task_id", e.ForkTaskID))
		}
		if e.Detail != "" {
			attrs = append(attrs, slog.String("detail", e.Detail))
		}
		if e.Err != nil {
			attrs = append(attrs, slog.Any("error", e.Err))
			log.Warn("执行事件", attrs...)
			return
		}
		log.Info("执行事件", attrs...)
	}
}

// ChannelSink 把事件写入通道，通道满时丢弃而不是阻塞执行。
func ChannelSink(ch chan<- Event) Sink {
	return func(e Event) {
		select {
		case ch <- e:
		default:
		}
	}
}

func (e Event) withTime() Event {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	return e
}
