package batch_test

import (
	"testing"
	"time"

	"github.com/WW-AI-Lab/Dify-Batch/internal/batch"
	"github.com/WW-AI-Lab/Dify-Batch/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestCoordinator_PauseResume 测试暂停停止认领、恢复后继续执行
func TestCoordinator_PauseResume(t *testing.T) {
	server := echoServer(t, func(string) time.Duration { return 30 * time.Millisecond })
	defer server.Close()

	h := newHarness(t, server.URL)
	h.seedBatch(t, "batch-001", 40, 2, 3)

	require.NoError(t, h.coordinator.Start("batch-001"))

	// 等待一部分任务完成后暂停
	time.Sleep(120 * time.Millisecond)
	require.NoError(t, h.coordinator.Pause("batch-001"))

	// 派发循环退出后不再有在途任务,未完成的任务保持 pending
	h.coordinator.Wait("batch-001")
	b, err := h.batches.FindByID("batch-001")
	require.NoError(t, err)
	assert.Equal(t, model.BatchStatePaused, b.State)
	assert.Equal(t, 0, b.RunningCount)
	assert.Greater(t, b.PendingCount, 0)
	completedAtPause := b.SucceededCount
	assert.Greater(t, completedAtPause, 0)

	// 暂停期间没有新的认领
	time.Sleep(100 * time.Millisecond)
	b, err = h.batches.FindByID("batch-001")
	require.NoError(t, err)
	assert.Equal(t, completedAtPause, b.SucceededCount)

	// 恢复后执行到完成
	require.NoError(t, h.coordinator.Resume("batch-001"))
	b = h.waitState(t, "batch-001", model.BatchStateCompleted, 20*time.Second)
	assert.Equal(t, 40, b.SucceededCount)
}

// TestCoordinator_Cancel 测试取消批次
// 已完成的保留结果,剩余任务落为 cancelled,批次最终 completed
func TestCoordinator_Cancel(t *testing.T) {
	server := echoServer(t, func(string) time.Duration { return 40 * time.Millisecond })
	defer server.Close()

	h := newHarness(t, server.URL)
	h.seedBatch(t, "batch-001", 30, 3, 3)

	require.NoError(t, h.coordinator.Start("batch-001"))
	time.Sleep(150 * time.Millisecond)
	require.NoError(t, h.coordinator.Cancel("batch-001"))

	b := h.waitState(t, "batch-001", model.BatchStateCompleted, 10*time.Second)
	assert.Equal(t, 0, b.PendingCount)
	assert.Equal(t, 0, b.RunningCount)
	assert.Greater(t, b.CancelledCount, 0)
	assert.Equal(t, 30, b.SucceededCount+b.FailedCount+b.CancelledCount)

	// 取消的任务带 cancelled 错误分类
	cancelled, err := h.tasks.FindByBatch("batch-001", model.TaskStateCancelled)
	require.NoError(t, err)
	for _, task := range cancelled {
		assert.Equal(t, "cancelled", task.ErrorKind)
	}
}

// TestCoordinator_CancelCreatedBatch 测试取消从未启动的批次
func TestCoordinator_CancelCreatedBatch(t *testing.T) {
	server := echoServer(t, nil)
	defer server.Close()

	h := newHarness(t, server.URL)
	h.seedBatch(t, "batch-001", 5, 2, 3)

	require.NoError(t, h.coordinator.Cancel("batch-001"))

	b := h.waitState(t, "batch-001", model.BatchStateCompleted, 5*time.Second)
	assert.Equal(t, 5, b.CancelledCount)
	assert.Equal(t, 0, b.SucceededCount)
}

// TestCoordinator_Idempotence 测试幂等:重复启动与取消已完成批次
func TestCoordinator_Idempotence(t *testing.T) {
	server := echoServer(t, nil)
	defer server.Close()

	h := newHarness(t, server.URL)
	h.seedBatch(t, "batch-001", 3, 2, 3)

	require.NoError(t, h.coordinator.Start("batch-001"))
	// 运行中的批次再次 start 是空操作
	require.NoError(t, h.coordinator.Start("batch-001"))

	b := h.waitState(t, "batch-001", model.BatchStateCompleted, 10*time.Second)
	assert.Equal(t, 3, b.SucceededCount)

	// 已完成批次 cancel 是空操作,状态不变
	require.NoError(t, h.coordinator.Cancel("batch-001"))
	b, err := h.batches.FindByID("batch-001")
	require.NoError(t, err)
	assert.Equal(t, model.BatchStateCompleted, b.State)
}

// TestCoordinator_InvalidTransitions 测试非法迁移被拒绝
func TestCoordinator_InvalidTransitions(t *testing.T) {
	server := echoServer(t, nil)
	defer server.Close()

	h := newHarness(t, server.URL)
	h.seedBatch(t, "batch-001", 1, 1, 3)

	// created 状态不能 pause/resume
	assert.Error(t, h.coordinator.Pause("batch-001"))
	assert.Error(t, h.coordinator.Resume("batch-001"))

	// 不存在的批次
	assert.ErrorIs(t, h.coordinator.Start("no-such-batch"), batch.ErrBatchNotFound)
}

// TestCoordinator_EventOrdering 测试单任务事件有序与进度事件节流
func TestCoordinator_EventOrdering(t *testing.T) {
	server := echoServer(t, func(string) time.Duration { return 10 * time.Millisecond })
	defer server.Close()

	h := newHarness(t, server.URL)
	h.seedBatch(t, "batch-001", 5, 2, 3)

	events, cancel := h.bus.Subscribe(1024)
	defer cancel()

	require.NoError(t, h.coordinator.Start("batch-001"))
	h.waitState(t, "batch-001", model.BatchStateCompleted, 10*time.Second)

	// 收集事件直到拿到批次完成
	var collected []batch.Event
	deadline := time.After(2 * time.Second)
loop:
	for {
		select {
		case evt := <-events:
			collected = append(collected, evt)
			if evt.Type == batch.EventBatchStateChanged && evt.State == model.BatchStateCompleted {
				break loop
			}
		case <-deadline:
			break loop
		}
	}

	// 每个任务的 task_started 先于其终态事件
	startedAt := make(map[string]int)
	for i, evt := range collected {
		switch evt.Type {
		case batch.EventTaskStarted:
			if _, seen := startedAt[evt.TaskID]; !seen {
				startedAt[evt.TaskID] = i
			}
		case batch.EventTaskSucceeded, batch.EventTaskFailed:
			startIdx, seen := startedAt[evt.TaskID]
			require.True(t, seen, "terminal event for %s without task_started", evt.TaskID)
			assert.Less(t, startIdx, i)
		}
	}

	// 至少收到一次带计数的进度事件
	progressSeen := false
	for _, evt := range collected {
		if evt.Type == batch.EventBatchProgress && evt.Counts != nil {
			progressSeen = true
			assert.Equal(t, 5, evt.Counts.Total)
		}
	}
	assert.True(t, progressSeen)
}

// TestCoordinator_RecoverInterrupted 测试重启恢复
// 模拟进程崩溃:批次停在 running,部分任务停在 running
func TestCoordinator_RecoverInterrupted(t *testing.T) {
	server := echoServer(t, nil)
	defer server.Close()

	h := newHarness(t, server.URL)
	h.seedBatch(t, "batch-001", 6, 2, 3)

	// 直接写出崩溃现场:批次 running,前两个任务卡在 running
	require.NoError(t, h.batches.TransitionState("batch-001",
		[]string{model.BatchStateCreated}, model.BatchStateRunning))
	for i := 0; i < 2; i++ {
		_, err := h.tasks.ClaimNext("batch-001")
		require.NoError(t, err)
	}

	recovered, err := h.coordinator.RecoverInterrupted()
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	b := h.waitState(t, "batch-001", model.BatchStateCompleted, 10*time.Second)
	assert.Equal(t, 6, b.SucceededCount)

	// 被重派的任务 attempts 超过 1,external_run_id 记录了重复执行的可能
	tasks, err := h.tasks.FindByBatch("batch-001", "")
	require.NoError(t, err)
	redispatched := 0
	for _, task := range tasks {
		if task.Attempts > 1 {
			redispatched++
		}
	}
	assert.Equal(t, 2, redispatched)
}

// TestCoordinator_BatchStateMachine 测试状态机合法性表
func TestCoordinator_BatchStateMachine(t *testing.T) {
	assert.True(t, model.ValidBatchTransition(model.BatchStateCreated, model.BatchStateRunning))
	assert.True(t, model.ValidBatchTransition(model.BatchStateRunning, model.BatchStatePaused))
	assert.True(t, model.ValidBatchTransition(model.BatchStatePaused, model.BatchStateRunning))
	assert.True(t, model.ValidBatchTransition(model.BatchStateRunning, model.BatchStateCancelling))
	assert.True(t, model.ValidBatchTransition(model.BatchStatePaused, model.BatchStateCancelling))
	assert.True(t, model.ValidBatchTransition(model.BatchStateCancelling, model.BatchStateCompleted))
	assert.True(t, model.ValidBatchTransition(model.BatchStateRunning, model.BatchStateCompleted))
	assert.True(t, model.ValidBatchTransition(model.BatchStateRunning, model.BatchStateFailed))

	assert.False(t, model.ValidBatchTransition(model.BatchStateCompleted, model.BatchStateRunning))
	assert.False(t, model.ValidBatchTransition(model.BatchStateFailed, model.BatchStateRunning))
	assert.False(t, model.ValidBatchTransition(model.BatchStateCreated, model.BatchStatePaused))
	assert.False(t, model.ValidBatchTransition(model.BatchStateCancelling, model.BatchStateRunning))
}
