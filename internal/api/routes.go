package api

import (
	"net/http"

	"github.com/WW-AI-Lab/Dify-Batch/internal/config"
	"github.com/WW-AI-Lab/Dify-Batch/internal/metrics"
	"github.com/WW-AI-Lab/Dify-Batch/internal/websocket"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// SetupRoutes 配置路由
func SetupRoutes(
	cfg *config.Config,
	logger *logrus.Logger,
	db *gorm.DB,
	workflowController *WorkflowController,
	batchController *BatchController,
	hub *websocket.Hub,
) *gin.Engine {
	if config.IsProduction(cfg) {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	// 中间件
	router.Use(RequestIDMiddleware())
	router.Use(RequestLogMiddleware(logger))
	router.Use(CORSMiddleware([]string{"*"}))
	if cfg.API.RateLimitRPS > 0 {
		router.Use(RateLimitMiddleware(cfg.API.RateLimitRPS, cfg.API.RateLimitBurst))
	}

	// 健康检查
	healthController := NewHealthController(db)
	router.GET("/health", healthController.Check)

	// Prometheus 指标端点
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	// WebSocket 进度推送
	if hub != nil {
		router.GET("/ws/batches/:id", websocket.Handler(hub))
	}

	// API v1 路由组
	v1 := router.Group("/api/v1")
	{
		// 工作流绑定管理路由
		workflows := v1.Group("/workflows")
		{
			workflows.POST("", workflowController.Create)
			workflows.GET("", workflowController.List)
			workflows.GET("/:id", workflowController.Get)
			workflows.PUT("/:id", workflowController.Update)
			workflows.DELETE("/:id", workflowController.Delete)
			workflows.POST("/:id/sync", workflowController.Sync)
			workflows.GET("/:id/template", workflowController.Template)
		}

		// 批次管理路由
		batches := v1.Group("/batches")
		{
			batches.POST("", batchController.Create)
			batches.GET("", batchController.List)
			batches.GET("/:id", batchController.Get)
			batches.POST("/:id/start", batchController.Start)
			batches.POST("/:id/pause", batchController.Pause)
			batches.POST("/:id/resume", batchController.Resume)
			batches.POST("/:id/cancel", batchController.Cancel)
			batches.GET("/:id/tasks", batchController.ListTasks)
			batches.GET("/:id/result", batchController.DownloadResult)
		}
	}

	// 自定义 NoRoute 处理器,返回 JSON 格式的 404
	router.NoRoute(func(c *gin.Context) {
		Error(c, http.StatusNotFound, "route not found", "the requested route does not exist")
	})

	return router
}
