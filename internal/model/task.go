package model

import (
	"encoding/json"
	"errors"
	"time"
)

// 任务状态枚举
const (
	TaskStatePending   = "pending"
	TaskStateRunning   = "running"
	TaskStateSucceeded = "succeeded"
	TaskStateFailed    = "failed"
	TaskStateCancelled = "cancelled"
)

// TaskModel 单行任务数据模型
// 对应输入表格中的一个数据行针对远程工作流的一次调用
type TaskModel struct {
	ID             string `gorm:"primaryKey;type:varchar(64)"`
	BatchID        string `gorm:"type:varchar(64);not null;index:idx_tasks_batch_state;index:idx_tasks_batch_row,unique"`
	SourceRowIndex int    `gorm:"type:int;not null;index:idx_tasks_batch_row,unique"` // 原始表格中的 0 基行号
	Inputs         []byte `gorm:"type:jsonb;not null"`                                // 行输入快照
	State          string `gorm:"type:varchar(32);not null;index:idx_tasks_batch_state"`
	Attempts       int    `gorm:"type:int;not null;default:0"`
	MaxAttempts    int    `gorm:"type:int;not null"`
	ExternalRunID  string `gorm:"type:varchar(128)"` // 远程服务返回的运行 ID
	Output         string `gorm:"type:text"`
	ErrorKind      string `gorm:"type:varchar(32)"`
	ErrorDetail    string `gorm:"type:text"`
	CreatedAt      time.Time `gorm:"not null"`
	UpdatedAt      time.Time `gorm:"not null"`
	StartedAt      *time.Time
	FinishedAt     *time.Time
}

// TableName 指定表名
func (TaskModel) TableName() string {
	return "tasks"
}

// Validate 验证任务模型
func (tm *TaskModel) Validate() error {
	if tm.ID == "" {
		return errors.New("task ID is required")
	}
	if tm.BatchID == "" {
		return errors.New("task batch ID is required")
	}
	if tm.SourceRowIndex < 0 {
		return errors.New("task source row index must be non-negative")
	}
	if tm.State == "" {
		return errors.New("task state is required")
	}
	return nil
}

// IsTerminal 判断任务是否处于终态
func (tm *TaskModel) IsTerminal() bool {
	return tm.State == TaskStateSucceeded || tm.State == TaskStateFailed || tm.State == TaskStateCancelled
}

// InputMap 反序列化行输入快照
func (tm *TaskModel) InputMap() (map[string]string, error) {
	inputs := make(map[string]string)
	if len(tm.Inputs) == 0 {
		return inputs, nil
	}
	if err := json.Unmarshal(tm.Inputs, &inputs); err != nil {
		return nil, err
	}
	return inputs, nil
}

// SetInputMap 序列化行输入快照
func (tm *TaskModel) SetInputMap(inputs map[string]string) error {
	data, err := json.Marshal(inputs)
	if err != nil {
		return err
	}
	tm.Inputs = data
	return nil
}
