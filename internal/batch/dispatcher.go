package batch

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/WW-AI-Lab/Dify-Batch/internal/dify"
	"github.com/WW-AI-Lab/Dify-Batch/internal/metrics"
	"github.com/WW-AI-Lab/Dify-Batch/internal/model"
	"github.com/WW-AI-Lab/Dify-Batch/internal/repository"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// RetryPolicy 任务重试策略
type RetryPolicy struct {
	BaseDelay  time.Duration
	Multiplier float64
	MaxDelay   time.Duration
}

// Delay 计算第 attempt 次尝试失败后的退避延迟
// min(base * multiplier^(attempt-1), max),附加 ±25% 抖动
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if p.MaxDelay > 0 && base > float64(p.MaxDelay) {
		base = float64(p.MaxDelay)
	}
	jitter := 1 + (rand.Float64()*0.5 - 0.25)
	return time.Duration(base * jitter)
}

// ClientFactory 为单个任务构造独立的远程客户端
// 禁止跨任务复用返回的实例
type ClientFactory func(workflow *model.WorkflowModel) (*dify.Client, error)

// Dispatcher 批次的有界并发派发器
// 每个批次运行 N 个 worker,按 source_row_index 升序认领 pending 任务,
// 每个任务独占一个新建的远程客户端实例。
// 任务状态自 running 出发的全部迁移只由派发器写入。
type Dispatcher struct {
	tasks        repository.TaskRepository
	batches      repository.BatchRepository
	workflows    repository.WorkflowRepository
	bus          *Bus
	logger       *logrus.Logger
	policy       RetryPolicy
	newClient    ClientFactory
	global       *semaphore.Weighted
	pollInterval time.Duration
}

// NewDispatcher 创建派发器
// global 为进程级并发任务上限信号量,跨批次共享
func NewDispatcher(
	tasks repository.TaskRepository,
	batches repository.BatchRepository,
	workflows repository.WorkflowRepository,
	bus *Bus,
	logger *logrus.Logger,
	policy RetryPolicy,
	newClient ClientFactory,
	global *semaphore.Weighted,
) *Dispatcher {
	return &Dispatcher{
		tasks:        tasks,
		batches:      batches,
		workflows:    workflows,
		bus:          bus,
		logger:       logger,
		policy:       policy,
		newClient:    newClient,
		global:       global,
		pollInterval: 200 * time.Millisecond,
	}
}

// Drain 运行批次的 worker 池,直至批次排空、暂停或取消
// 返回时所有 worker 已退出,不再有未决的远程调用
func (d *Dispatcher) Drain(ctx context.Context, batchID string, concurrency int) {
	if concurrency <= 0 {
		concurrency = 1
	}

	workflow, err := d.loadWorkflow(batchID)
	if err != nil {
		d.logger.WithError(err).WithField("batch_id", batchID).Error("failed to load workflow binding")
		return
	}

	done := make(chan struct{}, concurrency)
	for i := 0; i < concurrency; i++ {
		go func(workerID int) {
			defer func() { done <- struct{}{} }()
			d.workerLoop(ctx, batchID, workerID, workflow)
		}(i)
	}
	for i := 0; i < concurrency; i++ {
		<-done
	}
}

// loadWorkflow 加载批次引用的工作流绑定
func (d *Dispatcher) loadWorkflow(batchID string) (*model.WorkflowModel, error) {
	b, err := d.batches.FindByID(batchID)
	if err != nil {
		return nil, err
	}
	return d.workflows.FindByID(b.WorkflowID)
}

// workerLoop 单个 worker 的认领-执行循环
func (d *Dispatcher) workerLoop(ctx context.Context, batchID string, workerID int, workflow *model.WorkflowModel) {
	log := d.logger.WithFields(logrus.Fields{
		"batch_id": batchID,
		"worker":   workerID,
	})

	for {
		if ctx.Err() != nil {
			return
		}

		b, err := d.batches.FindByID(batchID)
		if err != nil {
			log.WithError(err).Error("failed to read batch state")
			return
		}
		// 暂停与取消都停止认领;取消路径的收尾由协调器负责
		if b.State != model.BatchStateRunning {
			return
		}

		task, err := d.tasks.ClaimNext(batchID)
		if errors.Is(err, repository.ErrNoPendingTask) {
			// 队列暂时为空:其他 worker 的重试可能重新入队,
			// 仍有任务在途时继续轮询,全部排空后退出
			if b.RunningCount > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(d.pollInterval):
				}
				continue
			}
			return
		}
		if err != nil {
			log.WithError(err).Error("failed to claim task")
			return
		}

		d.runTask(ctx, task, workflow, log)
	}
}

// runTask 执行单个任务的一次尝试并落盘终态
func (d *Dispatcher) runTask(ctx context.Context, task *model.TaskModel, workflow *model.WorkflowModel, log *logrus.Entry) {
	// 进程级并发上限
	if d.global != nil {
		if err := d.global.Acquire(ctx, 1); err != nil {
			d.cancelClaimed(task, log)
			return
		}
		defer d.global.Release(1)
	}

	// 认领后、调用前再次确认批次未进入取消
	if d.batchCancelling(task.BatchID) {
		d.cancelClaimed(task, log)
		return
	}

	d.bus.Publish(Event{
		Type:           EventTaskStarted,
		BatchID:        task.BatchID,
		TaskID:         task.ID,
		SourceRowIndex: task.SourceRowIndex,
		State:          model.TaskStateRunning,
	})
	metrics.RecordTaskDispatched()

	result, err := d.invoke(ctx, task, workflow)

	// 批次取消:丢弃调用结果,任务落为 cancelled
	if ctx.Err() != nil || d.batchCancelling(task.BatchID) {
		d.cancelClaimed(task, log)
		return
	}

	if err == nil {
		output := dify.ExtractOutput(result)
		if markErr := d.tasks.MarkSucceeded(task.ID, output, result.ExternalRunID); markErr != nil {
			log.WithError(markErr).WithField("task_id", task.ID).Error("failed to persist task success")
			return
		}
		metrics.RecordTaskSucceeded()
		d.bus.Publish(Event{
			Type:           EventTaskSucceeded,
			BatchID:        task.BatchID,
			TaskID:         task.ID,
			SourceRowIndex: task.SourceRowIndex,
			State:          model.TaskStateSucceeded,
		})
		return
	}

	kind := dify.KindOf(err)
	detail := dify.DetailOf(err)
	externalRunID := ""
	if result != nil {
		externalRunID = result.ExternalRunID
	}

	if kind.Retryable() && task.Attempts < task.MaxAttempts {
		log.WithFields(logrus.Fields{
			"task_id":  task.ID,
			"kind":     kind,
			"attempts": task.Attempts,
		}).Warn("task attempt failed, backing off before requeue")
		metrics.RecordTaskRetried()

		select {
		case <-ctx.Done():
			d.cancelClaimed(task, log)
			return
		case <-time.After(d.policy.Delay(task.Attempts)):
		}

		if d.batchCancelling(task.BatchID) {
			d.cancelClaimed(task, log)
			return
		}
		if requeueErr := d.tasks.Requeue(task.ID); requeueErr != nil {
			log.WithError(requeueErr).WithField("task_id", task.ID).Error("failed to requeue task")
		}
		return
	}

	if markErr := d.tasks.MarkFailed(task.ID, string(kind), detail, externalRunID); markErr != nil {
		log.WithError(markErr).WithField("task_id", task.ID).Error("failed to persist task failure")
		return
	}
	metrics.RecordTaskFailed(string(kind))
	d.bus.Publish(Event{
		Type:           EventTaskFailed,
		BatchID:        task.BatchID,
		TaskID:         task.ID,
		SourceRowIndex: task.SourceRowIndex,
		State:          model.TaskStateFailed,
		ErrorKind:      string(kind),
	})
}

// invoke 用独立客户端实例完成一次远程调用
func (d *Dispatcher) invoke(ctx context.Context, task *model.TaskModel, workflow *model.WorkflowModel) (*dify.RunResult, error) {
	client, err := d.newClient(workflow)
	if err != nil {
		return nil, dify.NewError(dify.KindProtocol, 0, "failed to build client: "+err.Error())
	}
	defer client.Close()

	inputs, err := task.InputMap()
	if err != nil {
		return nil, dify.NewError(dify.KindProtocol, 0, "failed to decode task inputs: "+err.Error())
	}
	callInputs := make(map[string]interface{}, len(inputs))
	for k, v := range inputs {
		callInputs[k] = v
	}

	return client.Run(ctx, callInputs)
}

// batchCancelling 判断批次是否处于取消中
func (d *Dispatcher) batchCancelling(batchID string) bool {
	b, err := d.batches.FindByID(batchID)
	if err != nil {
		return false
	}
	return b.State == model.BatchStateCancelling
}

// cancelClaimed 将已认领的任务落为 cancelled
func (d *Dispatcher) cancelClaimed(task *model.TaskModel, log *logrus.Entry) {
	if err := d.tasks.MarkCancelled(task.ID); err != nil {
		log.WithError(err).WithField("task_id", task.ID).Error("failed to persist task cancellation")
	}
}
