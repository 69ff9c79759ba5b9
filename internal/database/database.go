package database

import (
	"context"
	"fmt"
	"time"

	"github.com/WW-AI-Lab/Dify-Batch/internal/config"
	"github.com/WW-AI-Lab/Dify-Batch/internal/model"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// PoolConfig 连接池配置
type PoolConfig struct {
	MaxIdleConns    int
	MaxOpenConns    int
	ConnMaxLifetime int // 秒
	ConnMaxIdleTime int // 秒
}

// BuildDSN 构建 PostgreSQL DSN
func BuildDSN(cfg config.DatabaseConfig) string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode)
}

// Connect 连接数据库
// driver 为 sqlite 时使用本地文件(或 :memory:),否则按 PostgreSQL 连接
func Connect(cfg config.DatabaseConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector
	if cfg.Driver == "" || cfg.Driver == "sqlite" {
		path := cfg.Path
		if path == "" {
			path = "dify-batch.db"
		}
		dialector = sqlite.Open(path)
	} else {
		dialector = postgres.Open(BuildDSN(cfg))
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}

	// 配置连接池
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}

	poolConfig := &PoolConfig{
		MaxIdleConns:    cfg.MaxIdleConns,
		MaxOpenConns:    cfg.MaxOpenConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}
	if poolConfig.MaxIdleConns == 0 {
		poolConfig.MaxIdleConns = 10
	}
	if poolConfig.MaxOpenConns == 0 {
		poolConfig.MaxOpenConns = 100
	}
	if poolConfig.ConnMaxLifetime == 0 {
		poolConfig.ConnMaxLifetime = 3600
	}
	if poolConfig.ConnMaxIdleTime == 0 {
		poolConfig.ConnMaxIdleTime = 600
	}

	// SQLite 并发写串行化,连接数压到 1 避免 database is locked
	if cfg.Driver == "" || cfg.Driver == "sqlite" {
		poolConfig.MaxOpenConns = 1
		poolConfig.MaxIdleConns = 1
	}

	sqlDB.SetMaxIdleConns(poolConfig.MaxIdleConns)
	sqlDB.SetMaxOpenConns(poolConfig.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Duration(poolConfig.ConnMaxLifetime) * time.Second)
	sqlDB.SetConnMaxIdleTime(time.Duration(poolConfig.ConnMaxIdleTime) * time.Second)

	return db, nil
}

// ConnectWithRetry 带重试的数据库连接
func ConnectWithRetry(cfg config.DatabaseConfig, maxRetries int, retryInterval time.Duration) (*gorm.DB, error) {
	var db *gorm.DB
	var err error

	for i := 0; i < maxRetries; i++ {
		db, err = Connect(cfg)
		if err == nil {
			return db, nil
		}

		// 如果不是最后一次重试，等待后重试
		if i < maxRetries-1 {
			time.Sleep(retryInterval)
			retryInterval *= 2 // 指数退避
		}
	}

	return nil, fmt.Errorf("failed to connect database after %d retries: %w", maxRetries, err)
}

// Migrate 执行数据库迁移
func Migrate(db *gorm.DB) error {
	// 检测数据库类型
	dialector := db.Dialector.Name()

	// SQLite 不支持 jsonb，需要手动创建表
	if dialector == "sqlite" || dialector == "sqlite3" {
		if err := createSQLiteTables(db); err != nil {
			return fmt.Errorf("failed to create SQLite tables: %w", err)
		}
	} else {
		// PostgreSQL 等其他数据库使用 AutoMigrate
		if err := db.AutoMigrate(
			&model.WorkflowModel{},
			&model.BatchModel{},
			&model.TaskModel{},
		); err != nil {
			return fmt.Errorf("failed to auto migrate: %w", err)
		}
	}

	// 创建索引
	if err := CreateIndexes(db); err != nil {
		return fmt.Errorf("failed to create indexes: %w", err)
	}

	return nil
}

// createSQLiteTables 为 SQLite 手动创建表（使用 TEXT 替代 jsonb）
func createSQLiteTables(db *gorm.DB) error {
	// 创建 workflows 表
	if err := db.Exec(`
		CREATE TABLE IF NOT EXISTS workflows (
			id VARCHAR(64) PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			description TEXT,
			base_url VARCHAR(500) NOT NULL,
			api_key VARCHAR(500) NOT NULL,
			app_name VARCHAR(255),
			parameters TEXT,
			active BOOLEAN NOT NULL DEFAULT 1,
			synced_at DATETIME,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)
	`).Error; err != nil {
		return fmt.Errorf("failed to create workflows table: %w", err)
	}

	// 创建 batches 表
	if err := db.Exec(`
		CREATE TABLE IF NOT EXISTS batches (
			id VARCHAR(64) PRIMARY KEY,
			workflow_id VARCHAR(64) NOT NULL,
			source_file VARCHAR(500),
			source_data BLOB,
			state VARCHAR(32) NOT NULL,
			concurrency_limit INTEGER NOT NULL,
			max_attempts INTEGER NOT NULL,
			result_template TEXT,
			total_count INTEGER NOT NULL DEFAULT 0,
			pending_count INTEGER NOT NULL DEFAULT 0,
			running_count INTEGER NOT NULL DEFAULT 0,
			succeeded_count INTEGER NOT NULL DEFAULT 0,
			failed_count INTEGER NOT NULL DEFAULT 0,
			cancelled_count INTEGER NOT NULL DEFAULT 0,
			error_detail TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			started_at DATETIME,
			finished_at DATETIME
		)
	`).Error; err != nil {
		return fmt.Errorf("failed to create batches table: %w", err)
	}

	// 创建 tasks 表
	if err := db.Exec(`
		CREATE TABLE IF NOT EXISTS tasks (
			id VARCHAR(64) PRIMARY KEY,
			batch_id VARCHAR(64) NOT NULL,
			source_row_index INTEGER NOT NULL,
			inputs TEXT NOT NULL,
			state VARCHAR(32) NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL,
			external_run_id VARCHAR(128),
			output TEXT,
			error_kind VARCHAR(32),
			error_detail TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			started_at DATETIME,
			finished_at DATETIME
		)
	`).Error; err != nil {
		return fmt.Errorf("failed to create tasks table: %w", err)
	}

	return nil
}

// CreateIndexes 创建数据库索引
// tasks 表的两个组合索引分别服务任务认领与结果装配
func CreateIndexes(db *gorm.DB) error {
	if err := db.Exec("CREATE INDEX IF NOT EXISTS idx_workflows_synced_at ON workflows(synced_at)").Error; err != nil {
		return fmt.Errorf("failed to create idx_workflows_synced_at: %w", err)
	}

	if err := db.Exec("CREATE INDEX IF NOT EXISTS idx_batches_workflow_id ON batches(workflow_id)").Error; err != nil {
		return fmt.Errorf("failed to create idx_batches_workflow_id: %w", err)
	}
	if err := db.Exec("CREATE INDEX IF NOT EXISTS idx_batches_state ON batches(state)").Error; err != nil {
		return fmt.Errorf("failed to create idx_batches_state: %w", err)
	}
	if err := db.Exec("CREATE INDEX IF NOT EXISTS idx_batches_created_at ON batches(created_at)").Error; err != nil {
		return fmt.Errorf("failed to create idx_batches_created_at: %w", err)
	}

	if err := db.Exec("CREATE INDEX IF NOT EXISTS idx_tasks_batch_state ON tasks(batch_id, state)").Error; err != nil {
		return fmt.Errorf("failed to create idx_tasks_batch_state: %w", err)
	}
	if err := db.Exec("CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_batch_row ON tasks(batch_id, source_row_index)").Error; err != nil {
		return fmt.Errorf("failed to create idx_tasks_batch_row: %w", err)
	}

	return nil
}

// CheckHealth 检查数据库连接健康状态
func CheckHealth(db *gorm.DB) bool {
	if db == nil {
		return false
	}

	sqlDB, err := db.DB()
	if err != nil {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := sqlDB.PingContext(ctx); err != nil {
		return false
	}

	return true
}
