package repository

import (
	"errors"
	"time"

	"github.com/WW-AI-Lab/Dify-Batch/internal/model"
	"gorm.io/gorm"
)

// ErrInvalidTransition 非法的批次状态迁移
var ErrInvalidTransition = errors.New("invalid batch state transition")

// BatchRepository 批次仓储接口
type BatchRepository interface {
	Save(batch *model.BatchModel) error
	FindByID(id string) (*model.BatchModel, error)
	FindAll() ([]*model.BatchModel, error)
	FindByState(states ...string) ([]*model.BatchModel, error)
	// TransitionState 条件更新批次状态,from 不匹配时返回 ErrInvalidTransition
	TransitionState(id string, from []string, to string) error
	SetStarted(id string, at time.Time) error
	SetFinished(id string, at time.Time) error
	SetError(id string, detail string) error
}

// batchRepository 批次仓储实现
type batchRepository struct {
	db *gorm.DB
}

// NewBatchRepository 创建批次仓储
func NewBatchRepository(db *gorm.DB) BatchRepository {
	return &batchRepository{db: db}
}

// Save 保存批次
func (r *batchRepository) Save(batch *model.BatchModel) error {
	return r.db.Save(batch).Error
}

// FindByID 根据 ID 查找批次
func (r *batchRepository) FindByID(id string) (*model.BatchModel, error) {
	var batch model.BatchModel
	if err := r.db.Where("id = ?", id).First(&batch).Error; err != nil {
		return nil, err
	}
	return &batch, nil
}

// FindAll 查找所有批次
func (r *batchRepository) FindAll() ([]*model.BatchModel, error) {
	var batches []*model.BatchModel
	err := r.db.Order("created_at DESC").Find(&batches).Error
	return batches, err
}

// FindByState 按状态查找批次
func (r *batchRepository) FindByState(states ...string) ([]*model.BatchModel, error) {
	var batches []*model.BatchModel
	err := r.db.Where("state IN ?", states).Order("created_at").Find(&batches).Error
	return batches, err
}

// TransitionState 条件更新批次状态
// 以 WHERE state IN (from) 保证迁移的原子性,避免并发写互相覆盖
func (r *batchRepository) TransitionState(id string, from []string, to string) error {
	result := r.db.Model(&model.BatchModel{}).
		Where("id = ? AND state IN ?", id, from).
		Updates(map[string]interface{}{
			"state":      to,
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrInvalidTransition
	}
	return nil
}

// SetStarted 记录批次开始时间(仅首次)
func (r *batchRepository) SetStarted(id string, at time.Time) error {
	return r.db.Model(&model.BatchModel{}).
		Where("id = ? AND started_at IS NULL", id).
		Update("started_at", at).Error
}

// SetFinished 记录批次结束时间
func (r *batchRepository) SetFinished(id string, at time.Time) error {
	return r.db.Model(&model.BatchModel{}).
		Where("id = ?", id).
		Update("finished_at", at).Error
}

// SetError 记录批次级错误信息
func (r *batchRepository) SetError(id string, detail string) error {
	return r.db.Model(&model.BatchModel{}).
		Where("id = ?", id).
		Update("error_detail", detail).Error
}
