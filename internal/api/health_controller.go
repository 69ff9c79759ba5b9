package api

import (
	"net/http"

	"github.com/WW-AI-Lab/Dify-Batch/internal/database"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// HealthController 健康检查控制器
type HealthController struct {
	db *gorm.DB
}

// NewHealthController 创建健康检查控制器
func NewHealthController(db *gorm.DB) *HealthController {
	return &HealthController{db: db}
}

// Check 健康检查
func (c *HealthController) Check(ctx *gin.Context) {
	dbHealthy := database.CheckHealth(c.db)

	status := "ok"
	httpStatus := http.StatusOK
	if !dbHealthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	ctx.JSON(httpStatus, gin.H{
		"status": status,
		"checks": gin.H{
			"database": dbHealthy,
		},
	})
}
