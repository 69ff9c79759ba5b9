package api

import (
	"errors"
	"net/http"

	"github.com/WW-AI-Lab/Dify-Batch/internal/model"
	"github.com/WW-AI-Lab/Dify-Batch/internal/service"
	"github.com/gin-gonic/gin"
)

// WorkflowController 工作流绑定控制器
type WorkflowController struct {
	workflowService service.WorkflowService
}

// NewWorkflowController 创建工作流绑定控制器
func NewWorkflowController(workflowService service.WorkflowService) *WorkflowController {
	return &WorkflowController{
		workflowService: workflowService,
	}
}

// Create 创建工作流绑定
// 创建时会向远程服务发起一次 schema 拉取以验证端点与凭证
func (c *WorkflowController) Create(ctx *gin.Context) {
	var req service.CreateWorkflowRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		Error(ctx, http.StatusBadRequest, "invalid request", err.Error())
		return
	}

	workflow, err := c.workflowService.Create(ctx.Request.Context(), &req)
	if err != nil {
		c.handleRegistryError(ctx, err, "create workflow")
		return
	}

	Success(ctx, sanitizeWorkflow(workflow))
}

// Sync 重新同步工作流 schema
func (c *WorkflowController) Sync(ctx *gin.Context) {
	id := ctx.Param("id")

	workflow, err := c.workflowService.Sync(ctx.Request.Context(), id)
	if err != nil {
		c.handleRegistryError(ctx, err, "sync workflow")
		return
	}

	Success(ctx, sanitizeWorkflow(workflow))
}

// Get 获取工作流绑定详情
func (c *WorkflowController) Get(ctx *gin.Context) {
	workflow, err := c.workflowService.Get(ctx.Param("id"))
	if err != nil {
		c.handleRegistryError(ctx, err, "get workflow")
		return
	}

	Success(ctx, sanitizeWorkflow(workflow))
}

// List 列出所有工作流绑定
func (c *WorkflowController) List(ctx *gin.Context) {
	workflows, err := c.workflowService.List()
	if err != nil {
		Error(ctx, http.StatusInternalServerError, "failed to list workflows", err.Error())
		return
	}

	items := make([]gin.H, 0, len(workflows))
	for _, workflow := range workflows {
		items = append(items, sanitizeWorkflow(workflow))
	}
	Success(ctx, items)
}

// Update 更新工作流绑定
func (c *WorkflowController) Update(ctx *gin.Context) {
	var req service.UpdateWorkflowRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		Error(ctx, http.StatusBadRequest, "invalid request", err.Error())
		return
	}

	workflow, err := c.workflowService.Update(ctx.Request.Context(), ctx.Param("id"), &req)
	if err != nil {
		c.handleRegistryError(ctx, err, "update workflow")
		return
	}

	Success(ctx, sanitizeWorkflow(workflow))
}

// Delete 删除工作流绑定
// 仍被非终态批次引用时返回 409
func (c *WorkflowController) Delete(ctx *gin.Context) {
	if err := c.workflowService.Delete(ctx.Request.Context(), ctx.Param("id")); err != nil {
		c.handleRegistryError(ctx, err, "delete workflow")
		return
	}

	Success(ctx, nil)
}

// Template 下载输入模板表格
func (c *WorkflowController) Template(ctx *gin.Context) {
	data, filename, err := c.workflowService.Template(ctx.Param("id"))
	if err != nil {
		c.handleRegistryError(ctx, err, "generate template")
		return
	}

	ctx.Header("Content-Disposition", "attachment; filename="+filename)
	ctx.Data(http.StatusOK, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", data)
}

// handleRegistryError 按注册表错误类型映射 HTTP 状态码
func (c *WorkflowController) handleRegistryError(ctx *gin.Context, err error, operation string) {
	switch {
	case errors.Is(err, service.ErrWorkflowNotFound):
		Error(ctx, http.StatusNotFound, "workflow not found", err.Error())
	case errors.Is(err, service.ErrAuth):
		Error(ctx, http.StatusUnauthorized, "remote credential rejected", err.Error())
	case errors.Is(err, service.ErrUnreachable):
		Error(ctx, http.StatusBadGateway, "remote service unreachable", err.Error())
	case errors.Is(err, service.ErrProtocol):
		Error(ctx, http.StatusBadGateway, "remote service protocol error", err.Error())
	case errors.Is(err, service.ErrWorkflowInUse):
		Error(ctx, http.StatusConflict, "workflow in use", err.Error())
	default:
		Error(ctx, http.StatusInternalServerError, "failed to "+operation, err.Error())
	}
}

// sanitizeWorkflow 构造不含凭证的工作流响应
func sanitizeWorkflow(workflow *model.WorkflowModel) gin.H {
	item := gin.H{
		"id":          workflow.ID,
		"name":        workflow.Name,
		"description": workflow.Description,
		"base_url":    workflow.BaseURL,
		"app_name":    workflow.AppName,
		"active":      workflow.Active,
		"synced_at":   workflow.SyncedAt,
		"created_at":  workflow.CreatedAt,
		"updated_at":  workflow.UpdatedAt,
	}
	if schema, err := workflow.Schema(); err == nil {
		item["parameters"] = schema.Parameters
	}
	return item
}
