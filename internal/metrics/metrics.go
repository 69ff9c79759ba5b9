package metrics

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"
)

var (
	// API 请求计数器
	apiRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "path", "status"},
	)

	// API 请求响应时间
	apiRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// 任务派发数
	tasksDispatchedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "batch_tasks_dispatched_total",
			Help: "Total number of task attempts dispatched to the remote service",
		},
	)

	// 任务成功数
	tasksSucceededTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "batch_tasks_succeeded_total",
			Help: "Total number of tasks that reached the succeeded state",
		},
	)

	// 任务失败数(按错误分类)
	tasksFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batch_tasks_failed_total",
			Help: "Total number of tasks that reached the failed state",
		},
		[]string{"kind"},
	)

	// 任务重试数
	tasksRetriedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "batch_tasks_retried_total",
			Help: "Total number of task attempts requeued for retry",
		},
	)

	// 批次完成数
	batchesCompletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "batches_completed_total",
			Help: "Total number of batches that reached the completed state",
		},
	)

	// 数据库连接数
	databaseConnectionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "database_connections_active",
			Help: "Number of active database connections",
		},
	)

	databaseConnectionsIdle = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "database_connections_idle",
			Help: "Number of idle database connections",
		},
	)

	registerOnce sync.Once
)

// Register 注册所有指标到默认注册表
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			apiRequestsTotal,
			apiRequestDuration,
			tasksDispatchedTotal,
			tasksSucceededTotal,
			tasksFailedTotal,
			tasksRetriedTotal,
			batchesCompletedTotal,
			databaseConnectionsActive,
			databaseConnectionsIdle,
		)
	})
}

// Handler 返回 Prometheus 指标端点处理器
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordAPIRequest 记录一次 API 请求
func RecordAPIRequest(method, path string, status int, durationSeconds float64) {
	apiRequestsTotal.WithLabelValues(method, path, fmt.Sprintf("%d", status)).Inc()
	apiRequestDuration.WithLabelValues(method, path).Observe(durationSeconds)
}

// RecordTaskDispatched 记录一次任务派发
func RecordTaskDispatched() {
	tasksDispatchedTotal.Inc()
}

// RecordTaskSucceeded 记录一次任务成功
func RecordTaskSucceeded() {
	tasksSucceededTotal.Inc()
}

// RecordTaskFailed 记录一次任务失败
func RecordTaskFailed(kind string) {
	tasksFailedTotal.WithLabelValues(kind).Inc()
}

// RecordTaskRetried 记录一次任务重试
func RecordTaskRetried() {
	tasksRetriedTotal.Inc()
}

// RecordBatchCompleted 记录一次批次完成
func RecordBatchCompleted() {
	batchesCompletedTotal.Inc()
}

// UpdateDatabaseConnections 更新数据库连接数指标
func UpdateDatabaseConnections(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	stats := sqlDB.Stats()
	databaseConnectionsActive.Set(float64(stats.InUse))
	databaseConnectionsIdle.Set(float64(stats.Idle))
	return nil
}
