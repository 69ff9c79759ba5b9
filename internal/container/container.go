package container

import (
	"fmt"
	"time"

	"github.com/WW-AI-Lab/Dify-Batch/internal/batch"
	"github.com/WW-AI-Lab/Dify-Batch/internal/config"
	"github.com/WW-AI-Lab/Dify-Batch/internal/database"
	"github.com/WW-AI-Lab/Dify-Batch/internal/dify"
	"github.com/WW-AI-Lab/Dify-Batch/internal/metrics"
	"github.com/WW-AI-Lab/Dify-Batch/internal/model"
	"github.com/WW-AI-Lab/Dify-Batch/internal/repository"
	"github.com/WW-AI-Lab/Dify-Batch/internal/service"
	"github.com/WW-AI-Lab/Dify-Batch/internal/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
	"gorm.io/gorm"
)

// Container 依赖注入容器
// 管理所有应用依赖,包括数据库、服务、协调器等
type Container struct {
	db          *gorm.DB
	logger      *logrus.Logger
	bus         *batch.Bus
	coordinator *batch.Coordinator
	workflowSvc service.WorkflowService
	batchSvc    service.BatchService
	hub         *websocket.Hub
	collector   *metrics.Collector
}

// NewContainer 创建依赖注入容器
// 根据配置初始化所有依赖组件
func NewContainer(cfg *config.Config, logger *logrus.Logger) (*Container, error) {
	// 1. 初始化数据库（带重试机制）
	db, err := database.ConnectWithRetry(cfg.Database, 3, time.Second)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	// 执行数据库迁移
	if err := database.Migrate(db); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	// 2. 注册指标并启动收集器
	metrics.Register()
	collector := metrics.NewCollector(db, 15*time.Second)
	collector.Start()

	// 3. 初始化仓储与事件总线
	workflowRepo := repository.NewWorkflowRepository(db)
	batchRepo := repository.NewBatchRepository(db)
	taskRepo := repository.NewTaskRepository(db)
	bus := batch.NewBus()

	// 4. 初始化工作流注册表服务
	workflowSvc := service.NewWorkflowService(workflowRepo, logger, cfg.Security.EncryptionKey, cfg.Batch.RequestTimeout)

	// 5. 初始化派发器与协调器
	// 每个任务独占一个新建的客户端实例,进程级信号量约束总并发
	newClient := func(workflow *model.WorkflowModel) (*dify.Client, error) {
		apiKey, err := workflowSvc.APIKey(workflow)
		if err != nil {
			return nil, err
		}
		return dify.NewClient(workflow.BaseURL, apiKey, cfg.Batch.RequestTimeout), nil
	}
	global := semaphore.NewWeighted(cfg.Batch.MaxConcurrentTasks)
	dispatcher := batch.NewDispatcher(
		taskRepo, batchRepo, workflowRepo, bus, logger,
		batch.RetryPolicy{
			BaseDelay:  cfg.Batch.BaseDelay,
			Multiplier: cfg.Batch.Multiplier,
			MaxDelay:   cfg.Batch.MaxDelay,
		},
		newClient, global,
	)
	coordinator := batch.NewCoordinator(batchRepo, taskRepo, dispatcher, bus, logger, cfg.Batch.ProgressTick)

	// 6. 初始化批次服务
	batchSvc := service.NewBatchService(batchRepo, taskRepo, workflowSvc, coordinator, logger, service.Limits{
		DefaultConcurrency: cfg.Batch.ConcurrencyLimit,
		MaxConcurrency:     cfg.Batch.MaxConcurrencyCap,
		DefaultMaxAttempts: cfg.Batch.MaxAttempts,
	})

	// 7. 初始化 WebSocket Hub
	hub := websocket.NewHub(bus, logger)
	go hub.Run()

	return &Container{
		db:          db,
		logger:      logger,
		bus:         bus,
		coordinator: coordinator,
		workflowSvc: workflowSvc,
		batchSvc:    batchSvc,
		hub:         hub,
		collector:   collector,
	}, nil
}

// Close 释放容器持有的资源
func (c *Container) Close() {
	if c.collector != nil {
		c.collector.Stop()
	}
	if c.hub != nil {
		c.hub.Stop()
	}
	if c.db != nil {
		if sqlDB, err := c.db.DB(); err == nil {
			sqlDB.Close()
		}
	}
}

// DB 获取数据库连接
func (c *Container) DB() *gorm.DB {
	return c.db
}

// Bus 获取进度事件总线
func (c *Container) Bus() *batch.Bus {
	return c.bus
}

// Coordinator 获取批次协调器
func (c *Container) Coordinator() *batch.Coordinator {
	return c.coordinator
}

// WorkflowService 获取工作流注册表服务
func (c *Container) WorkflowService() service.WorkflowService {
	return c.workflowSvc
}

// BatchService 获取批次服务
func (c *Container) BatchService() service.BatchService {
	return c.batchSvc
}

// Hub 获取 WebSocket Hub
func (c *Container) Hub() *websocket.Hub {
	return c.hub
}
