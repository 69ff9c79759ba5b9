package batch

import (
	"fmt"

	"github.com/WW-AI-Lab/Dify-Batch/internal/model"
)

// RecoverInterrupted 进程重启后恢复被中断的批次
// running 批次的 running 任务回退为 pending 并重新派发;
// cancelling 批次直接完成收尾。
// 回退重派可能造成远程重复执行:任务上保留的 external_run_id
// 记录了此前的尝试可能已实际运行,但不足以用于去重。
func (c *Coordinator) RecoverInterrupted() (int, error) {
	interrupted, err := c.batches.FindByState(model.BatchStateRunning, model.BatchStateCancelling)
	if err != nil {
		return 0, fmt.Errorf("failed to find interrupted batches: %w", err)
	}

	recovered := 0
	for _, b := range interrupted {
		log := c.logger.WithField("batch_id", b.ID)

		demoted, err := c.tasks.ResetRunning(b.ID)
		if err != nil {
			log.WithError(err).Error("failed to reset running tasks during recovery")
			continue
		}
		if demoted > 0 {
			log.WithField("demoted", demoted).Info("demoted in-flight tasks back to pending")
		}

		switch b.State {
		case model.BatchStateCancelling:
			c.finalize(b.ID)
		case model.BatchStateRunning:
			c.launch(b.ID, b.ConcurrencyLimit)
		}

		recovered++
		log.Info("recovered interrupted batch")
	}

	return recovered, nil
}
