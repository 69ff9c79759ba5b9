package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/WW-AI-Lab/Dify-Batch/internal/batch"
	"github.com/WW-AI-Lab/Dify-Batch/internal/excel"
	"github.com/WW-AI-Lab/Dify-Batch/internal/model"
	"github.com/WW-AI-Lab/Dify-Batch/internal/repository"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// 批次服务错误
var (
	ErrBatchNotFound    = errors.New("batch not found")
	ErrBatchNotComplete = errors.New("batch is not completed yet")
	ErrEmptySheet       = errors.New("sheet contains no data rows")
)

// ValidationError 批次创建时的行校验错误集合
type ValidationError struct {
	RowErrors []excel.RowError `json:"row_errors"`
}

// Error 实现 error 接口
func (e *ValidationError) Error() string {
	return fmt.Sprintf("sheet validation failed with %d errors", len(e.RowErrors))
}

// BatchService 批次服务接口
type BatchService interface {
	Create(ctx context.Context, req *CreateBatchRequest) (*model.BatchModel, error)
	Start(batchID string) error
	Pause(batchID string) error
	Resume(batchID string) error
	Cancel(batchID string) error
	Get(batchID string) (*BatchStatus, error)
	List() ([]*model.BatchModel, error)
	ListTasks(batchID string, stateFilter string) ([]*model.TaskModel, error)
	// DownloadResult 装配结果表格,仅 completed 状态可用
	DownloadResult(batchID string) ([]byte, string, error)
}

// CreateBatchRequest 创建批次请求
type CreateBatchRequest struct {
	WorkflowID     string // 工作流绑定 ID
	FileName       string // 原始文件名
	SheetData      []byte // 表格字节
	Concurrency    int    // 并发数,0 取默认值
	MaxAttempts    int    // 最大尝试次数,0 取默认值
	ResultTemplate string // 结果渲染模板表达式
}

// BatchStatus 批次状态快照
type BatchStatus struct {
	ID         string       `json:"id"`
	WorkflowID string       `json:"workflow_id"`
	State      string       `json:"state"`
	Counts     batch.Counts `json:"counts"`
	SourceFile string       `json:"source_file,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
	StartedAt  *time.Time   `json:"started_at,omitempty"`
	FinishedAt *time.Time   `json:"finished_at,omitempty"`
	Error      string       `json:"error,omitempty"`
}

// Limits 批次创建时的配置默认值与上限
type Limits struct {
	DefaultConcurrency int
	MaxConcurrency     int
	DefaultMaxAttempts int
}

type batchService struct {
	batches     repository.BatchRepository
	tasks       repository.TaskRepository
	workflowSvc WorkflowService
	coordinator *batch.Coordinator
	logger      *logrus.Logger
	limits      Limits
}

// NewBatchService 创建批次服务
func NewBatchService(
	batches repository.BatchRepository,
	tasks repository.TaskRepository,
	workflowSvc WorkflowService,
	coordinator *batch.Coordinator,
	logger *logrus.Logger,
	limits Limits,
) BatchService {
	return &batchService{
		batches:     batches,
		tasks:       tasks,
		workflowSvc: workflowSvc,
		coordinator: coordinator,
		logger:      logger,
		limits:      limits,
	}
}

// Create 从输入表格创建批次
// 解析发生且仅发生一次;每个数据行按绑定 schema 校验,
// 任何必填缺失或类型错误都会带着绝对行号一次性报告
func (s *batchService) Create(ctx context.Context, req *CreateBatchRequest) (*model.BatchModel, error) {
	workflow, err := s.workflowSvc.Get(req.WorkflowID)
	if err != nil {
		return nil, err
	}
	schema, err := workflow.Schema()
	if err != nil {
		return nil, fmt.Errorf("workflow has no usable schema, sync it first: %w", err)
	}

	parsed, err := excel.Parse(req.SheetData, schema)
	if err != nil {
		return nil, err
	}
	if len(parsed.Rows) == 0 {
		return nil, ErrEmptySheet
	}

	if rowErrs := excel.ValidateRows(parsed.Rows, schema); len(rowErrs) > 0 {
		return nil, &ValidationError{RowErrors: rowErrs}
	}

	concurrency := req.Concurrency
	if concurrency <= 0 {
		concurrency = s.limits.DefaultConcurrency
	}
	if s.limits.MaxConcurrency > 0 && concurrency > s.limits.MaxConcurrency {
		concurrency = s.limits.MaxConcurrency
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = s.limits.DefaultMaxAttempts
	}

	now := time.Now()
	b := &model.BatchModel{
		ID:               uuid.New().String(),
		WorkflowID:       workflow.ID,
		SourceFile:       req.FileName,
		SourceData:       req.SheetData,
		State:            model.BatchStateCreated,
		ConcurrencyLimit: concurrency,
		MaxAttempts:      maxAttempts,
		ResultTemplate:   req.ResultTemplate,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.batches.Save(b); err != nil {
		return nil, fmt.Errorf("failed to save batch: %w", err)
	}

	taskModels := make([]*model.TaskModel, 0, len(parsed.Rows))
	for _, row := range parsed.Rows {
		task := &model.TaskModel{
			ID:             uuid.New().String(),
			BatchID:        b.ID,
			SourceRowIndex: row.SourceRowIndex,
			State:          model.TaskStatePending,
			MaxAttempts:    maxAttempts,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := task.SetInputMap(row.Inputs); err != nil {
			return nil, fmt.Errorf("failed to snapshot inputs for row %d: %w", row.SourceRowIndex, err)
		}
		taskModels = append(taskModels, task)
	}
	if err := s.tasks.CreateAll(taskModels); err != nil {
		return nil, fmt.Errorf("failed to materialize tasks: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"batch_id":    b.ID,
		"workflow_id": workflow.ID,
		"tasks":       len(taskModels),
		"concurrency": concurrency,
	}).Info("batch created")

	return s.reload(b.ID)
}

// Start 启动批次
func (s *batchService) Start(batchID string) error {
	return s.coordinator.Start(batchID)
}

// Pause 暂停批次
func (s *batchService) Pause(batchID string) error {
	return s.coordinator.Pause(batchID)
}

// Resume 恢复批次
func (s *batchService) Resume(batchID string) error {
	return s.coordinator.Resume(batchID)
}

// Cancel 取消批次
func (s *batchService) Cancel(batchID string) error {
	return s.coordinator.Cancel(batchID)
}

// Get 获取批次状态快照
func (s *batchService) Get(batchID string) (*BatchStatus, error) {
	b, err := s.reload(batchID)
	if err != nil {
		return nil, err
	}
	counts := batch.CountsOf(b)
	return &BatchStatus{
		ID:         b.ID,
		WorkflowID: b.WorkflowID,
		State:      b.State,
		Counts:     counts,
		SourceFile: b.SourceFile,
		CreatedAt:  b.CreatedAt,
		StartedAt:  b.StartedAt,
		FinishedAt: b.FinishedAt,
		Error:      b.ErrorDetail,
	}, nil
}

// List 列出所有批次
func (s *batchService) List() ([]*model.BatchModel, error) {
	return s.batches.FindAll()
}

// ListTasks 列出批次内任务,可按状态过滤
func (s *batchService) ListTasks(batchID string, stateFilter string) ([]*model.TaskModel, error) {
	if _, err := s.reload(batchID); err != nil {
		return nil, err
	}
	return s.tasks.FindByBatch(batchID, stateFilter)
}

// DownloadResult 装配并返回结果表格
// 在原始表格上按绝对行号写入结果列:成功行写提取的输出文本,
// 失败与取消的行写 "[error:<kind>] <detail>" 诊断文本,保持对齐可见
func (s *batchService) DownloadResult(batchID string) ([]byte, string, error) {
	b, err := s.reload(batchID)
	if err != nil {
		return nil, "", err
	}
	if b.State != model.BatchStateCompleted {
		return nil, "", fmt.Errorf("%w: state is %q", ErrBatchNotComplete, b.State)
	}

	tasks, err := s.tasks.FindByBatch(batchID, "")
	if err != nil {
		return nil, "", fmt.Errorf("failed to load tasks: %w", err)
	}

	results := make(map[int]string, len(tasks))
	for _, task := range tasks {
		switch task.State {
		case model.TaskStateSucceeded:
			results[task.SourceRowIndex] = task.Output
		case model.TaskStateFailed, model.TaskStateCancelled:
			results[task.SourceRowIndex] = errorCellText(task.ErrorKind, task.ErrorDetail)
		}
	}

	data, err := excel.Assemble(b.SourceData, results)
	if err != nil {
		return nil, "", fmt.Errorf("failed to assemble result sheet: %w", err)
	}
	return data, fmt.Sprintf("result_%s.xlsx", b.ID), nil
}

// errorCellText 失败单元格的诊断文本,绝不为空
func errorCellText(kind, detail string) string {
	if kind == "" {
		kind = "failed"
	}
	return strings.TrimSpace(fmt.Sprintf("[error:%s] %s", kind, detail))
}

// reload 重新读取批次
func (s *batchService) reload(batchID string) (*model.BatchModel, error) {
	b, err := s.batches.FindByID(batchID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrBatchNotFound
		}
		return nil, err
	}
	return b, nil
}
