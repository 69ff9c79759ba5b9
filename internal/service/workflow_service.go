package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/WW-AI-Lab/Dify-Batch/internal/dify"
	"github.com/WW-AI-Lab/Dify-Batch/internal/excel"
	"github.com/WW-AI-Lab/Dify-Batch/internal/model"
	"github.com/WW-AI-Lab/Dify-Batch/internal/repository"
	"github.com/WW-AI-Lab/Dify-Batch/internal/utils"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// 工作流注册表的批次级错误
var (
	ErrAuth             = errors.New("remote service rejected the credential")
	ErrUnreachable      = errors.New("remote service is unreachable")
	ErrProtocol         = errors.New("remote service returned a malformed response")
	ErrWorkflowInUse    = errors.New("workflow is referenced by a non-terminal batch")
	ErrWorkflowNotFound = errors.New("workflow not found")
)

// WorkflowService 工作流注册表服务接口
// 缓存的参数 schema 是下游所有组件的权威描述,只在 create/sync 时更新
type WorkflowService interface {
	Create(ctx context.Context, req *CreateWorkflowRequest) (*model.WorkflowModel, error)
	Sync(ctx context.Context, id string) (*model.WorkflowModel, error)
	Update(ctx context.Context, id string, req *UpdateWorkflowRequest) (*model.WorkflowModel, error)
	Delete(ctx context.Context, id string) error
	Get(id string) (*model.WorkflowModel, error)
	List() ([]*model.WorkflowModel, error)
	// Template 生成该工作流的输入模板表格
	Template(id string) ([]byte, string, error)
	// APIKey 解密工作流的 API 密钥
	APIKey(workflow *model.WorkflowModel) (string, error)
}

// CreateWorkflowRequest 创建工作流绑定请求
type CreateWorkflowRequest struct {
	Name        string `json:"name" binding:"required"`        // 名称
	Description string `json:"description"`                    // 描述
	BaseURL     string `json:"base_url" binding:"required"`    // Dify API 基础 URL
	APIKey      string `json:"api_key" binding:"required"`     // API 密钥
}

// UpdateWorkflowRequest 更新工作流绑定请求
type UpdateWorkflowRequest struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
	Active      *bool   `json:"active"`
}

type workflowService struct {
	workflows     repository.WorkflowRepository
	logger        *logrus.Logger
	encryptionKey string
	timeout       time.Duration
}

// NewWorkflowService 创建工作流注册表服务
func NewWorkflowService(workflows repository.WorkflowRepository, logger *logrus.Logger, encryptionKey string, timeout time.Duration) WorkflowService {
	return &workflowService{
		workflows:     workflows,
		logger:        logger,
		encryptionKey: encryptionKey,
		timeout:       timeout,
	}
}

// Create 创建工作流绑定
// 通过一次 schema 拉取验证端点与凭证,成功后缓存 schema 并记录同步时间
func (s *workflowService) Create(ctx context.Context, req *CreateWorkflowRequest) (*model.WorkflowModel, error) {
	schema, appName, err := s.fetchRemote(ctx, req.BaseURL, req.APIKey)
	if err != nil {
		return nil, err
	}

	storedKey, err := s.encryptKey(req.APIKey)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt API key: %w", err)
	}

	now := time.Now()
	workflow := &model.WorkflowModel{
		ID:          uuid.New().String(),
		Name:        req.Name,
		Description: req.Description,
		BaseURL:     req.BaseURL,
		APIKey:      storedKey,
		AppName:     appName,
		Active:      true,
		SyncedAt:    &now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := workflow.SetSchema(schema); err != nil {
		return nil, fmt.Errorf("failed to cache schema: %w", err)
	}

	if err := s.workflows.Save(workflow); err != nil {
		return nil, fmt.Errorf("failed to save workflow: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"workflow_id": workflow.ID,
		"name":        workflow.Name,
	}).Info("workflow binding created")

	return workflow, nil
}

// Sync 重新拉取并替换缓存的 schema
func (s *workflowService) Sync(ctx context.Context, id string) (*model.WorkflowModel, error) {
	workflow, err := s.Get(id)
	if err != nil {
		return nil, err
	}

	apiKey, err := s.APIKey(workflow)
	if err != nil {
		return nil, err
	}

	schema, appName, err := s.fetchRemote(ctx, workflow.BaseURL, apiKey)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	workflow.SyncedAt = &now
	workflow.UpdatedAt = now
	if appName != "" {
		workflow.AppName = appName
	}
	if err := workflow.SetSchema(schema); err != nil {
		return nil, fmt.Errorf("failed to cache schema: %w", err)
	}

	if err := s.workflows.Save(workflow); err != nil {
		return nil, fmt.Errorf("failed to save workflow: %w", err)
	}
	return workflow, nil
}

// Update 更新工作流绑定的基础字段
// 引用它的批次未全部终态时拒绝更新
func (s *workflowService) Update(ctx context.Context, id string, req *UpdateWorkflowRequest) (*model.WorkflowModel, error) {
	workflow, err := s.Get(id)
	if err != nil {
		return nil, err
	}

	if err := s.ensureNotInUse(id); err != nil {
		return nil, err
	}

	if req.Name != nil {
		workflow.Name = *req.Name
	}
	if req.Description != nil {
		workflow.Description = *req.Description
	}
	if req.Active != nil {
		workflow.Active = *req.Active
	}
	workflow.UpdatedAt = time.Now()

	if err := s.workflows.Save(workflow); err != nil {
		return nil, fmt.Errorf("failed to save workflow: %w", err)
	}
	return workflow, nil
}

// Delete 删除工作流绑定
// 引用它的批次未全部终态时以 in-use 拒绝
func (s *workflowService) Delete(ctx context.Context, id string) error {
	if _, err := s.Get(id); err != nil {
		return err
	}
	if err := s.ensureNotInUse(id); err != nil {
		return err
	}
	return s.workflows.Delete(id)
}

// Get 获取工作流绑定
func (s *workflowService) Get(id string) (*model.WorkflowModel, error) {
	workflow, err := s.workflows.FindByID(id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrWorkflowNotFound
		}
		return nil, err
	}
	return workflow, nil
}

// List 列出所有工作流绑定
func (s *workflowService) List() ([]*model.WorkflowModel, error) {
	return s.workflows.FindAll()
}

// Template 生成输入模板表格
func (s *workflowService) Template(id string) ([]byte, string, error) {
	workflow, err := s.Get(id)
	if err != nil {
		return nil, "", err
	}
	schema, err := workflow.Schema()
	if err != nil {
		return nil, "", fmt.Errorf("workflow has no usable schema, sync it first: %w", err)
	}
	data, err := excel.GenerateTemplate(workflow.Name, schema)
	if err != nil {
		return nil, "", err
	}
	filename := fmt.Sprintf("template_%s.xlsx", workflow.ID)
	return data, filename, nil
}

// APIKey 解密工作流的 API 密钥
func (s *workflowService) APIKey(workflow *model.WorkflowModel) (string, error) {
	if s.encryptionKey == "" {
		return workflow.APIKey, nil
	}
	return utils.Decrypt(workflow.APIKey, s.encryptionKey)
}

// encryptKey 加密 API 密钥,未配置加密密钥时明文存储
func (s *workflowService) encryptKey(apiKey string) (string, error) {
	if s.encryptionKey == "" {
		return apiKey, nil
	}
	return utils.Encrypt(apiKey, s.encryptionKey)
}

// ensureNotInUse 确认没有非终态批次引用该绑定
func (s *workflowService) ensureNotInUse(id string) error {
	count, err := s.workflows.CountActiveBatches(id)
	if err != nil {
		return fmt.Errorf("failed to count referencing batches: %w", err)
	}
	if count > 0 {
		return fmt.Errorf("%w: %d batches still active", ErrWorkflowInUse, count)
	}
	return nil
}

// fetchRemote 拉取远程 schema 与应用信息,并完成批次级错误映射
func (s *workflowService) fetchRemote(ctx context.Context, baseURL, apiKey string) (*model.ParameterSchema, string, error) {
	client := dify.NewClient(baseURL, apiKey, s.timeout)
	defer client.Close()

	schema, err := client.FetchParameters(ctx)
	if err != nil {
		return nil, "", mapRegistryError(err)
	}

	appName := ""
	if info, err := client.FetchAppInfo(ctx); err == nil {
		appName = info.Name
	}

	return schema, appName, nil
}

// mapRegistryError 将客户端错误映射为注册表错误
func mapRegistryError(err error) error {
	var de *dify.Error
	if errors.As(err, &de) {
		switch {
		case de.StatusCode == 401 || de.StatusCode == 403:
			return fmt.Errorf("%w: %s", ErrAuth, de.Detail)
		case de.Kind == dify.KindTransport || de.Kind == dify.KindTimeout || de.Kind == dify.KindRetryable:
			return fmt.Errorf("%w: %s", ErrUnreachable, de.Detail)
		case de.Kind == dify.KindProtocol:
			return fmt.Errorf("%w: %s", ErrProtocol, de.Detail)
		}
	}
	return fmt.Errorf("%w: %v", ErrUnreachable, err)
}
