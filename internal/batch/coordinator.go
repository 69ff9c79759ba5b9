package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/WW-AI-Lab/Dify-Batch/internal/metrics"
	"github.com/WW-AI-Lab/Dify-Batch/internal/model"
	"github.com/WW-AI-Lab/Dify-Batch/internal/repository"
	"github.com/sirupsen/logrus"
)

// ErrBatchNotFound 批次不存在
var ErrBatchNotFound = errors.New("batch not found")

// batchRun 单个批次的运行期句柄
type batchRun struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Coordinator 批次协调器
// 独占批次状态机的全部写入;任务层迁移由派发器完成。
// 每个运行中的批次对应一个 run goroutine 与一个进度节流 goroutine。
type Coordinator struct {
	batches      repository.BatchRepository
	tasks        repository.TaskRepository
	dispatcher   *Dispatcher
	bus          *Bus
	logger       *logrus.Logger
	progressTick time.Duration

	mu     sync.Mutex
	active map[string]*batchRun
}

// NewCoordinator 创建批次协调器
func NewCoordinator(
	batches repository.BatchRepository,
	tasks repository.TaskRepository,
	dispatcher *Dispatcher,
	bus *Bus,
	logger *logrus.Logger,
	progressTick time.Duration,
) *Coordinator {
	if progressTick <= 0 {
		progressTick = time.Second
	}
	return &Coordinator{
		batches:      batches,
		tasks:        tasks,
		dispatcher:   dispatcher,
		bus:          bus,
		logger:       logger,
		progressTick: progressTick,
		active:       make(map[string]*batchRun),
	}
}

// Start 启动批次,created|paused → running
// 对已处于 running 的批次是幂等空操作
func (c *Coordinator) Start(batchID string) error {
	b, err := c.batches.FindByID(batchID)
	if err != nil {
		return ErrBatchNotFound
	}
	if b.State == model.BatchStateRunning {
		return nil
	}

	if err := c.batches.TransitionState(batchID,
		[]string{model.BatchStateCreated, model.BatchStatePaused},
		model.BatchStateRunning); err != nil {
		return fmt.Errorf("cannot start batch in state %q: %w", b.State, err)
	}
	if err := c.batches.SetStarted(batchID, time.Now()); err != nil {
		c.logger.WithError(err).WithField("batch_id", batchID).Warn("failed to record batch start time")
	}

	c.publishStateChanged(batchID, model.BatchStateRunning)
	c.launch(batchID, b.ConcurrencyLimit)
	return nil
}

// Pause 暂停批次,running → paused
// 不再认领新任务,在途任务允许运行到终态
func (c *Coordinator) Pause(batchID string) error {
	b, err := c.batches.FindByID(batchID)
	if err != nil {
		return ErrBatchNotFound
	}
	if b.State == model.BatchStatePaused {
		return nil
	}

	if err := c.batches.TransitionState(batchID,
		[]string{model.BatchStateRunning}, model.BatchStatePaused); err != nil {
		return fmt.Errorf("cannot pause batch in state %q: %w", b.State, err)
	}

	c.publishStateChanged(batchID, model.BatchStatePaused)
	return nil
}

// Resume 恢复批次,paused → running
func (c *Coordinator) Resume(batchID string) error {
	b, err := c.batches.FindByID(batchID)
	if err != nil {
		return ErrBatchNotFound
	}
	if b.State == model.BatchStateRunning {
		return nil
	}

	if err := c.batches.TransitionState(batchID,
		[]string{model.BatchStatePaused}, model.BatchStateRunning); err != nil {
		return fmt.Errorf("cannot resume batch in state %q: %w", b.State, err)
	}

	c.publishStateChanged(batchID, model.BatchStateRunning)
	c.launch(batchID, b.ConcurrencyLimit)
	return nil
}

// Cancel 取消批次,任意非终态 → cancelling
// 停止新任务认领,尽力中止在途调用;对终态批次是幂等空操作
func (c *Coordinator) Cancel(batchID string) error {
	b, err := c.batches.FindByID(batchID)
	if err != nil {
		return ErrBatchNotFound
	}
	if b.IsTerminal() || b.State == model.BatchStateCancelling {
		return nil
	}

	if err := c.batches.TransitionState(batchID,
		[]string{model.BatchStateCreated, model.BatchStateRunning, model.BatchStatePaused},
		model.BatchStateCancelling); err != nil {
		return fmt.Errorf("cannot cancel batch in state %q: %w", b.State, err)
	}
	c.publishStateChanged(batchID, model.BatchStateCancelling)

	c.mu.Lock()
	run, running := c.active[batchID]
	c.mu.Unlock()

	if running {
		// 中止在途调用;run goroutine 退出后负责收尾
		run.cancel()
		return nil
	}

	// 没有活跃的 run goroutine(created 或 paused):直接收尾
	c.finalize(batchID)
	return nil
}

// Wait 阻塞等待批次的 run goroutine 退出(测试与优雅停机用)
func (c *Coordinator) Wait(batchID string) {
	c.mu.Lock()
	run, ok := c.active[batchID]
	c.mu.Unlock()
	if ok {
		<-run.done
	}
}

// launch 启动批次的 run goroutine
// 同一批次串行运行:新 run 等待上一个 run 完全退出后才开始认领,
// 避免暂停后快速恢复时出现两个 worker 池同时认领
func (c *Coordinator) launch(batchID string, concurrency int) {
	ctx, cancel := context.WithCancel(context.Background())
	run := &batchRun{cancel: cancel, done: make(chan struct{})}

	c.mu.Lock()
	prev := c.active[batchID]
	c.active[batchID] = run
	c.mu.Unlock()

	go func() {
		defer close(run.done)
		defer cancel()

		if prev != nil {
			<-prev.done
		}

		stopProgress := c.startProgressLoop(ctx, batchID)
		defer stopProgress()

		c.dispatcher.Drain(ctx, batchID, concurrency)

		c.mu.Lock()
		if c.active[batchID] == run {
			delete(c.active, batchID)
		}
		c.mu.Unlock()

		c.finalize(batchID)
	}()
}

// finalize 派发器退出后的批次收尾
// pending+running 归零时 running|cancelling → completed
func (c *Coordinator) finalize(batchID string) {
	b, err := c.batches.FindByID(batchID)
	if err != nil {
		c.logger.WithError(err).WithField("batch_id", batchID).Error("failed to reload batch for finalization")
		return
	}

	switch b.State {
	case model.BatchStateCancelling:
		// worker 已全部退出,残留的 running 任务先回退再统一取消
		if _, err := c.tasks.ResetRunning(batchID); err != nil {
			c.logger.WithError(err).WithField("batch_id", batchID).Error("failed to reset running tasks")
			return
		}
		// 剩余 pending 全部落为 cancelled
		if _, err := c.tasks.CancelAllPending(batchID); err != nil {
			c.logger.WithError(err).WithField("batch_id", batchID).Error("failed to cancel pending tasks")
			return
		}
		c.complete(batchID, model.BatchStateCancelling)

	case model.BatchStateRunning:
		if b.PendingCount == 0 && b.RunningCount == 0 {
			c.complete(batchID, model.BatchStateRunning)
			return
		}
		// worker 异常退出导致的未排空:协调器级不可恢复错误
		detail := fmt.Sprintf("dispatcher exited with %d pending and %d running tasks", b.PendingCount, b.RunningCount)
		if err := c.batches.TransitionState(batchID,
			[]string{model.BatchStateRunning}, model.BatchStateFailed); err != nil {
			c.logger.WithError(err).WithField("batch_id", batchID).Error("failed to mark batch failed")
			return
		}
		if err := c.batches.SetError(batchID, detail); err != nil {
			c.logger.WithError(err).WithField("batch_id", batchID).Warn("failed to record batch error detail")
		}
		c.publishStateChanged(batchID, model.BatchStateFailed)

	case model.BatchStatePaused:
		// 暂停只是停止认领,无需收尾
	}
}

// complete 将批次迁移到 completed 并发布收尾事件
func (c *Coordinator) complete(batchID, from string) {
	if err := c.batches.TransitionState(batchID, []string{from}, model.BatchStateCompleted); err != nil {
		c.logger.WithError(err).WithField("batch_id", batchID).Error("failed to complete batch")
		return
	}
	if err := c.batches.SetFinished(batchID, time.Now()); err != nil {
		c.logger.WithError(err).WithField("batch_id", batchID).Warn("failed to record batch finish time")
	}
	metrics.RecordBatchCompleted()
	c.publishStateChanged(batchID, model.BatchStateCompleted)
	c.publishProgress(batchID)
}

// startProgressLoop 启动进度节流 goroutine
// 每个进度节拍最多发布一次 batch_progress,计数无变化时不发布
func (c *Coordinator) startProgressLoop(ctx context.Context, batchID string) func() {
	stopped := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(c.progressTick)
		defer ticker.Stop()

		var last Counts
		for {
			select {
			case <-ctx.Done():
				return
			case <-stopped:
				return
			case <-ticker.C:
				b, err := c.batches.FindByID(batchID)
				if err != nil {
					continue
				}
				counts := CountsOf(b)
				if counts == last {
					continue
				}
				last = counts
				c.bus.Publish(Event{
					Type:    EventBatchProgress,
					BatchID: batchID,
					State:   b.State,
					Counts:  &counts,
				})
			}
		}
	}()

	return func() {
		close(stopped)
		<-done
	}
}

// publishStateChanged 发布批次状态变更事件
func (c *Coordinator) publishStateChanged(batchID, state string) {
	c.bus.Publish(Event{
		Type:    EventBatchStateChanged,
		BatchID: batchID,
		State:   state,
	})
}

// publishProgress 发布一次即时进度快照
func (c *Coordinator) publishProgress(batchID string) {
	b, err := c.batches.FindByID(batchID)
	if err != nil {
		return
	}
	counts := CountsOf(b)
	c.bus.Publish(Event{
		Type:    EventBatchProgress,
		BatchID: batchID,
		State:   b.State,
		Counts:  &counts,
	})
}
