package repository

import (
	"github.com/WW-AI-Lab/Dify-Batch/internal/model"
	"gorm.io/gorm"
)

// WorkflowRepository 工作流绑定仓储接口
type WorkflowRepository interface {
	Save(workflow *model.WorkflowModel) error
	FindByID(id string) (*model.WorkflowModel, error)
	FindAll() ([]*model.WorkflowModel, error)
	Delete(id string) error
	CountActiveBatches(workflowID string) (int64, error)
}

// workflowRepository 工作流绑定仓储实现
type workflowRepository struct {
	db *gorm.DB
}

// NewWorkflowRepository 创建工作流绑定仓储
func NewWorkflowRepository(db *gorm.DB) WorkflowRepository {
	return &workflowRepository{db: db}
}

// Save 保存工作流绑定
func (r *workflowRepository) Save(workflow *model.WorkflowModel) error {
	return r.db.Save(workflow).Error
}

// FindByID 根据 ID 查找工作流绑定
func (r *workflowRepository) FindByID(id string) (*model.WorkflowModel, error) {
	var workflow model.WorkflowModel
	if err := r.db.Where("id = ?", id).First(&workflow).Error; err != nil {
		return nil, err
	}
	return &workflow, nil
}

// FindAll 查找所有工作流绑定
func (r *workflowRepository) FindAll() ([]*model.WorkflowModel, error) {
	var workflows []*model.WorkflowModel
	err := r.db.Order("created_at DESC").Find(&workflows).Error
	return workflows, err
}

// Delete 删除工作流绑定
func (r *workflowRepository) Delete(id string) error {
	return r.db.Where("id = ?", id).Delete(&model.WorkflowModel{}).Error
}

// CountActiveBatches 统计引用该绑定的非终态批次数量
func (r *workflowRepository) CountActiveBatches(workflowID string) (int64, error) {
	var count int64
	err := r.db.Model(&model.BatchModel{}).
		Where("workflow_id = ? AND state NOT IN ?", workflowID,
			[]string{model.BatchStateCompleted, model.BatchStateFailed}).
		Count(&count).Error
	return count, err
}
