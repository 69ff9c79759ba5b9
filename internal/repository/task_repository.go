package repository

import (
	"errors"
	"time"

	"github.com/WW-AI-Lab/Dify-Batch/internal/model"
	"gorm.io/gorm"
)

// ErrNoPendingTask 当前批次没有可认领的任务
var ErrNoPendingTask = errors.New("no pending task to claim")

// ErrStaleTaskState 任务状态已被并发修改,本次迁移未生效
var ErrStaleTaskState = errors.New("task state changed concurrently")

// TaskRepository 任务仓储接口
// 所有状态迁移均在事务内完成:任务行与所属批次的计数列一起更新,
// 保证任意静止时刻批次计数与任务聚合一致
type TaskRepository interface {
	CreateAll(tasks []*model.TaskModel) error
	FindByID(id string) (*model.TaskModel, error)
	FindByBatch(batchID string, stateFilter string) ([]*model.TaskModel, error)
	// ClaimNext 按 source_row_index 升序认领下一个 pending 任务,
	// 原子迁移 pending → running 并递增 attempts
	ClaimNext(batchID string) (*model.TaskModel, error)
	MarkSucceeded(id string, output string, externalRunID string) error
	MarkFailed(id string, errorKind string, errorDetail string, externalRunID string) error
	MarkCancelled(id string) error
	// Requeue 将重试中的任务放回队列,running → pending,attempts 保持
	Requeue(id string) error
	// CancelAllPending 批量取消批次内全部 pending 任务
	CancelAllPending(batchID string) (int64, error)
	// ResetRunning 进程重启恢复:running → pending,重新派发
	ResetRunning(batchID string) (int64, error)
	CountByState(batchID string) (map[string]int64, error)
}

// taskRepository 任务仓储实现
type taskRepository struct {
	db *gorm.DB
}

// NewTaskRepository 创建任务仓储
func NewTaskRepository(db *gorm.DB) TaskRepository {
	return &taskRepository{db: db}
}

// CreateAll 批量创建任务
func (r *taskRepository) CreateAll(tasks []*model.TaskModel) error {
	if len(tasks) == 0 {
		return nil
	}
	return r.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&tasks).Error; err != nil {
			return err
		}
		return tx.Model(&model.BatchModel{}).
			Where("id = ?", tasks[0].BatchID).
			Updates(map[string]interface{}{
				"total_count":   gorm.Expr("total_count + ?", len(tasks)),
				"pending_count": gorm.Expr("pending_count + ?", len(tasks)),
				"updated_at":    time.Now(),
			}).Error
	})
}

// FindByID 根据 ID 查找任务
func (r *taskRepository) FindByID(id string) (*model.TaskModel, error) {
	var task model.TaskModel
	if err := r.db.Where("id = ?", id).First(&task).Error; err != nil {
		return nil, err
	}
	return &task, nil
}

// FindByBatch 查找批次内的任务,按原始行号升序
func (r *taskRepository) FindByBatch(batchID string, stateFilter string) ([]*model.TaskModel, error) {
	var tasks []*model.TaskModel
	query := r.db.Where("batch_id = ?", batchID)
	if stateFilter != "" {
		query = query.Where("state = ?", stateFilter)
	}
	err := query.Order("source_row_index").Find(&tasks).Error
	return tasks, err
}

// ClaimNext 认领下一个 pending 任务
func (r *taskRepository) ClaimNext(batchID string) (*model.TaskModel, error) {
	var claimed *model.TaskModel

	err := r.db.Transaction(func(tx *gorm.DB) error {
		var task model.TaskModel
		err := tx.Where("batch_id = ? AND state = ?", batchID, model.TaskStatePending).
			Order("source_row_index").
			First(&task).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNoPendingTask
		}
		if err != nil {
			return err
		}

		now := time.Now()
		result := tx.Model(&model.TaskModel{}).
			Where("id = ? AND state = ?", task.ID, model.TaskStatePending).
			Updates(map[string]interface{}{
				"state":      model.TaskStateRunning,
				"attempts":   gorm.Expr("attempts + 1"),
				"started_at": now,
				"updated_at": now,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrStaleTaskState
		}

		if err := tx.Model(&model.BatchModel{}).
			Where("id = ?", batchID).
			Updates(map[string]interface{}{
				"pending_count": gorm.Expr("pending_count - 1"),
				"running_count": gorm.Expr("running_count + 1"),
				"updated_at":    now,
			}).Error; err != nil {
			return err
		}

		task.State = model.TaskStateRunning
		task.Attempts++
		task.StartedAt = &now
		claimed = &task
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// MarkSucceeded 任务成功,running → succeeded
func (r *taskRepository) MarkSucceeded(id string, output string, externalRunID string) error {
	return r.transition(id, model.TaskStateRunning, model.TaskStateSucceeded, map[string]interface{}{
		"output":          output,
		"error_kind":      "",
		"error_detail":    "",
		"external_run_id": externalRunID,
		"finished_at":     time.Now(),
	}, "running_count", "succeeded_count")
}

// MarkFailed 任务失败,running → failed
func (r *taskRepository) MarkFailed(id string, errorKind string, errorDetail string, externalRunID string) error {
	updates := map[string]interface{}{
		"error_kind":   errorKind,
		"error_detail": errorDetail,
		"finished_at":  time.Now(),
	}
	if externalRunID != "" {
		updates["external_run_id"] = externalRunID
	}
	return r.transition(id, model.TaskStateRunning, model.TaskStateFailed, updates,
		"running_count", "failed_count")
}

// MarkCancelled 任务取消,running → cancelled
func (r *taskRepository) MarkCancelled(id string) error {
	return r.transition(id, model.TaskStateRunning, model.TaskStateCancelled, map[string]interface{}{
		"error_kind":  "cancelled",
		"finished_at": time.Now(),
	}, "running_count", "cancelled_count")
}

// Requeue 重试退避后放回队列,running → pending
func (r *taskRepository) Requeue(id string) error {
	return r.transition(id, model.TaskStateRunning, model.TaskStatePending, map[string]interface{}{
		"started_at": nil,
	}, "running_count", "pending_count")
}

// transition 在事务内完成任务状态迁移与批次计数更新
// WHERE state = from 保证终态不可变:已进入终态的任务不会被二次迁移
func (r *taskRepository) transition(id, from, to string, extra map[string]interface{}, fromCounter, toCounter string) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		var task model.TaskModel
		if err := tx.Select("batch_id").Where("id = ?", id).First(&task).Error; err != nil {
			return err
		}

		now := time.Now()
		updates := map[string]interface{}{
			"state":      to,
			"updated_at": now,
		}
		for k, v := range extra {
			updates[k] = v
		}

		result := tx.Model(&model.TaskModel{}).
			Where("id = ? AND state = ?", id, from).
			Updates(updates)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrStaleTaskState
		}

		return tx.Model(&model.BatchModel{}).
			Where("id = ?", task.BatchID).
			Updates(map[string]interface{}{
				fromCounter: gorm.Expr(fromCounter + " - 1"),
				toCounter:   gorm.Expr(toCounter + " + 1"),
				"updated_at": now,
			}).Error
	})
}

// CancelAllPending 批量取消批次内全部 pending 任务
func (r *taskRepository) CancelAllPending(batchID string) (int64, error) {
	var affected int64
	err := r.db.Transaction(func(tx *gorm.DB) error {
		now := time.Now()
		result := tx.Model(&model.TaskModel{}).
			Where("batch_id = ? AND state = ?", batchID, model.TaskStatePending).
			Updates(map[string]interface{}{
				"state":       model.TaskStateCancelled,
				"error_kind":  "cancelled",
				"finished_at": now,
				"updated_at":  now,
			})
		if result.Error != nil {
			return result.Error
		}
		affected = result.RowsAffected
		if affected == 0 {
			return nil
		}

		return tx.Model(&model.BatchModel{}).
			Where("id = ?", batchID).
			Updates(map[string]interface{}{
				"pending_count":   gorm.Expr("pending_count - ?", affected),
				"cancelled_count": gorm.Expr("cancelled_count + ?", affected),
				"updated_at":      now,
			}).Error
	})
	return affected, err
}

// ResetRunning 进程重启恢复:running → pending
func (r *taskRepository) ResetRunning(batchID string) (int64, error) {
	var affected int64
	err := r.db.Transaction(func(tx *gorm.DB) error {
		now := time.Now()
		result := tx.Model(&model.TaskModel{}).
			Where("batch_id = ? AND state = ?", batchID, model.TaskStateRunning).
			Updates(map[string]interface{}{
				"state":      model.TaskStatePending,
				"started_at": nil,
				"updated_at": now,
			})
		if result.Error != nil {
			return result.Error
		}
		affected = result.RowsAffected
		if affected == 0 {
			return nil
		}

		return tx.Model(&model.BatchModel{}).
			Where("id = ?", batchID).
			Updates(map[string]interface{}{
				"running_count": gorm.Expr("running_count - ?", affected),
				"pending_count": gorm.Expr("pending_count + ?", affected),
				"updated_at":    now,
			}).Error
	})
	return affected, err
}

// CountByState 统计批次内各状态任务数
func (r *taskRepository) CountByState(batchID string) (map[string]int64, error) {
	type stateCount struct {
		State string
		Count int64
	}
	var rows []stateCount
	err := r.db.Model(&model.TaskModel{}).
		Select("state, count(*) as count").
		Where("batch_id = ?", batchID).
		Group("state").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int64)
	for _, row := range rows {
		counts[row.State] = row.Count
	}
	return counts, nil
}
