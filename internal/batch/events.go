package batch

import (
	"sync"
	"time"

	"github.com/WW-AI-Lab/Dify-Batch/internal/model"
)

// EventType 进度事件类型
type EventType string

// 事件类型枚举
const (
	EventTaskStarted       EventType = "task_started"
	EventTaskSucceeded     EventType = "task_succeeded"
	EventTaskFailed        EventType = "task_failed"
	EventBatchStateChanged EventType = "batch_state_changed"
	EventBatchProgress     EventType = "batch_progress"
)

// Counts 批次各状态任务计数快照
type Counts struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

// CountsOf 从批次模型提取计数快照
func CountsOf(b *model.BatchModel) Counts {
	return Counts{
		Total:     b.TotalCount,
		Pending:   b.PendingCount,
		Running:   b.RunningCount,
		Succeeded: b.SucceededCount,
		Failed:    b.FailedCount,
		Cancelled: b.CancelledCount,
	}
}

// Event 进度事件
// 同一 task_id 的事件保证有序(task_started 先于终态事件),
// 跨任务不保证顺序
type Event struct {
	Type           EventType `json:"type"`
	BatchID        string    `json:"batch_id"`
	TaskID         string    `json:"task_id,omitempty"`
	SourceRowIndex int       `json:"source_row_index,omitempty"`
	State          string    `json:"state,omitempty"`
	ErrorKind      string    `json:"error_kind,omitempty"`
	Counts         *Counts   `json:"counts,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// Bus 进度事件总线
// 多个 worker 并发发布,外部订阅者(WebSocket 推送层等)消费。
// 订阅者缓冲满时丢弃事件而不阻塞发布方。
type Bus struct {
	mu          sync.RWMutex
	subscribers map[int]chan Event
	nextID      int
}

// NewBus 创建事件总线
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[int]chan Event),
	}
}

// Subscribe 订阅进度事件
// 返回只读通道与取消函数,取消后通道关闭
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	ch := make(chan Event, buffer)
	b.subscribers[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subscribers[id]; ok {
			delete(b.subscribers, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish 发布事件
// 不阻塞:订阅者缓冲满时该订阅者丢失此事件
func (b *Bus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- evt:
		default:
		}
	}
}

// SubscriberCount 获取订阅者数量
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
