package model

import (
	"errors"
	"time"
)

// 批次状态枚举
const (
	BatchStateCreated    = "created"
	BatchStateRunning    = "running"
	BatchStatePaused     = "paused"
	BatchStateCancelling = "cancelling"
	BatchStateCompleted  = "completed"
	BatchStateFailed     = "failed"
)

// BatchModel 批次数据模型
// 一个批次由一张输入表格针对一个工作流绑定产生
type BatchModel struct {
	ID               string     `gorm:"primaryKey;type:varchar(64)"`
	WorkflowID       string     `gorm:"type:varchar(64);not null;index"` // 关联的工作流绑定 ID
	SourceFile       string     `gorm:"type:varchar(500)"`               // 原始文件名
	SourceData       []byte     `gorm:"type:bytea"`                      // 原始表格字节(结果装配需要)
	State            string     `gorm:"type:varchar(32);not null;index"` // 批次状态
	ConcurrencyLimit int        `gorm:"type:int;not null"`               // 并发数上限
	MaxAttempts      int        `gorm:"type:int;not null"`               // 单任务最大尝试次数
	ResultTemplate   string     `gorm:"type:text"`                       // 结果渲染模板表达式
	TotalCount       int        `gorm:"type:int;not null;default:0"`
	PendingCount     int        `gorm:"type:int;not null;default:0"`
	RunningCount     int        `gorm:"type:int;not null;default:0"`
	SucceededCount   int        `gorm:"type:int;not null;default:0"`
	FailedCount      int        `gorm:"type:int;not null;default:0"`
	CancelledCount   int        `gorm:"type:int;not null;default:0"`
	ErrorDetail      string     `gorm:"type:text"` // 批次级错误信息
	CreatedAt        time.Time  `gorm:"not null;index"`
	UpdatedAt        time.Time  `gorm:"not null"`
	StartedAt        *time.Time
	FinishedAt       *time.Time
}

// TableName 指定表名
func (BatchModel) TableName() string {
	return "batches"
}

// Validate 验证批次模型
func (bm *BatchModel) Validate() error {
	if bm.ID == "" {
		return errors.New("batch ID is required")
	}
	if bm.WorkflowID == "" {
		return errors.New("batch workflow ID is required")
	}
	if bm.State == "" {
		return errors.New("batch state is required")
	}
	if bm.ConcurrencyLimit <= 0 {
		return errors.New("batch concurrency limit must be positive")
	}
	return nil
}

// IsTerminal 判断批次是否处于终态
func (bm *BatchModel) IsTerminal() bool {
	return bm.State == BatchStateCompleted || bm.State == BatchStateFailed
}

// ValidBatchTransition 校验批次状态迁移是否合法
func ValidBatchTransition(from, to string) bool {
	switch from {
	case BatchStateCreated:
		return to == BatchStateRunning || to == BatchStateCancelling
	case BatchStateRunning:
		return to == BatchStatePaused || to == BatchStateCancelling ||
			to == BatchStateCompleted || to == BatchStateFailed
	case BatchStatePaused:
		return to == BatchStateRunning || to == BatchStateCancelling
	case BatchStateCancelling:
		return to == BatchStateCompleted
	default:
		return false
	}
}
