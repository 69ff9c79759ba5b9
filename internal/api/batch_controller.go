package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/WW-AI-Lab/Dify-Batch/internal/service"
	"github.com/gin-gonic/gin"
)

// BatchController 批次控制器
type BatchController struct {
	batchService   service.BatchService
	maxUploadBytes int64
}

// NewBatchController 创建批次控制器
func NewBatchController(batchService service.BatchService, maxUploadBytes int64) *BatchController {
	if maxUploadBytes <= 0 {
		maxUploadBytes = 200 * 1024 * 1024
	}
	return &BatchController{
		batchService:   batchService,
		maxUploadBytes: maxUploadBytes,
	}
}

// Create 创建批次
// multipart 表单:file 为输入表格,workflow_id 为绑定 ID,
// concurrency/max_attempts/result_template 可选。
// 行校验失败时返回 400,detail 携带全部行级错误。
func (c *BatchController) Create(ctx *gin.Context) {
	workflowID := ctx.PostForm("workflow_id")
	if workflowID == "" {
		Error(ctx, http.StatusBadRequest, "invalid request", "workflow_id is required")
		return
	}

	fileHeader, err := ctx.FormFile("file")
	if err != nil {
		Error(ctx, http.StatusBadRequest, "invalid request", "file is required")
		return
	}
	if fileHeader.Size > c.maxUploadBytes {
		Error(ctx, http.StatusRequestEntityTooLarge, "file too large", nil)
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		Error(ctx, http.StatusBadRequest, "failed to open upload", err.Error())
		return
	}
	defer file.Close()

	sheetData, err := io.ReadAll(file)
	if err != nil {
		Error(ctx, http.StatusBadRequest, "failed to read upload", err.Error())
		return
	}

	concurrency, _ := strconv.Atoi(ctx.PostForm("concurrency"))
	maxAttempts, _ := strconv.Atoi(ctx.PostForm("max_attempts"))

	b, err := c.batchService.Create(ctx.Request.Context(), &service.CreateBatchRequest{
		WorkflowID:     workflowID,
		FileName:       fileHeader.Filename,
		SheetData:      sheetData,
		Concurrency:    concurrency,
		MaxAttempts:    maxAttempts,
		ResultTemplate: ctx.PostForm("result_template"),
	})
	if err != nil {
		c.handleBatchError(ctx, err, "create batch")
		return
	}

	Success(ctx, gin.H{
		"batch_id":    b.ID,
		"state":       b.State,
		"total_tasks": b.TotalCount,
	})
}

// Start 启动批次
func (c *BatchController) Start(ctx *gin.Context) {
	c.lifecycle(ctx, c.batchService.Start, "start batch")
}

// Pause 暂停批次
func (c *BatchController) Pause(ctx *gin.Context) {
	c.lifecycle(ctx, c.batchService.Pause, "pause batch")
}

// Resume 恢复批次
func (c *BatchController) Resume(ctx *gin.Context) {
	c.lifecycle(ctx, c.batchService.Resume, "resume batch")
}

// Cancel 取消批次
func (c *BatchController) Cancel(ctx *gin.Context) {
	c.lifecycle(ctx, c.batchService.Cancel, "cancel batch")
}

// lifecycle 批次生命周期操作的公共处理
func (c *BatchController) lifecycle(ctx *gin.Context, op func(string) error, operation string) {
	if err := op(ctx.Param("id")); err != nil {
		c.handleBatchError(ctx, err, operation)
		return
	}
	Success(ctx, nil)
}

// Get 获取批次状态
func (c *BatchController) Get(ctx *gin.Context) {
	status, err := c.batchService.Get(ctx.Param("id"))
	if err != nil {
		c.handleBatchError(ctx, err, "get batch")
		return
	}
	Success(ctx, status)
}

// List 列出所有批次
func (c *BatchController) List(ctx *gin.Context) {
	batches, err := c.batchService.List()
	if err != nil {
		Error(ctx, http.StatusInternalServerError, "failed to list batches", err.Error())
		return
	}
	Success(ctx, batches)
}

// ListTasks 列出批次内任务,支持 state 过滤
func (c *BatchController) ListTasks(ctx *gin.Context) {
	tasks, err := c.batchService.ListTasks(ctx.Param("id"), ctx.Query("state"))
	if err != nil {
		c.handleBatchError(ctx, err, "list tasks")
		return
	}

	items := make([]gin.H, 0, len(tasks))
	for _, task := range tasks {
		inputs, _ := task.InputMap()
		items = append(items, gin.H{
			"id":               task.ID,
			"source_row_index": task.SourceRowIndex,
			"state":            task.State,
			"attempts":         task.Attempts,
			"inputs":           inputs,
			"output":           task.Output,
			"error_kind":       task.ErrorKind,
			"error_detail":     task.ErrorDetail,
			"external_run_id":  task.ExternalRunID,
			"started_at":       task.StartedAt,
			"finished_at":      task.FinishedAt,
		})
	}
	Success(ctx, items)
}

// DownloadResult 下载结果表格,仅 completed 批次可用
func (c *BatchController) DownloadResult(ctx *gin.Context) {
	data, filename, err := c.batchService.DownloadResult(ctx.Param("id"))
	if err != nil {
		c.handleBatchError(ctx, err, "download result")
		return
	}

	ctx.Header("Content-Disposition", "attachment; filename="+filename)
	ctx.Data(http.StatusOK, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", data)
}

// handleBatchError 按批次错误类型映射 HTTP 状态码
func (c *BatchController) handleBatchError(ctx *gin.Context, err error, operation string) {
	var validationErr *service.ValidationError
	switch {
	case errors.As(err, &validationErr):
		Error(ctx, http.StatusBadRequest, "sheet validation failed", validationErr.RowErrors)
	case errors.Is(err, service.ErrBatchNotFound):
		Error(ctx, http.StatusNotFound, "batch not found", err.Error())
	case errors.Is(err, service.ErrWorkflowNotFound):
		Error(ctx, http.StatusNotFound, "workflow not found", err.Error())
	case errors.Is(err, service.ErrEmptySheet):
		Error(ctx, http.StatusBadRequest, "sheet has no data rows", err.Error())
	case errors.Is(err, service.ErrBatchNotComplete):
		Error(ctx, http.StatusConflict, "batch not completed", err.Error())
	default:
		Error(ctx, http.StatusInternalServerError, "failed to "+operation, err.Error())
	}
}
