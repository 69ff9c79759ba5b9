package service_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/WW-AI-Lab/Dify-Batch/internal/config"
	"github.com/WW-AI-Lab/Dify-Batch/internal/database"
	"github.com/WW-AI-Lab/Dify-Batch/internal/model"
	"github.com/WW-AI-Lab/Dify-Batch/internal/repository"
	"github.com/WW-AI-Lab/Dify-Batch/internal/service"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// parametersBody /parameters 响应体
const parametersBody = `{
	"user_input_form": [
		{"text-input": {"variable": "search_term", "label": "搜索词", "required": true}}
	]
}`

// setupWorkflowTest 创建测试数据库与注册表服务
func setupWorkflowTest(t *testing.T, encryptionKey string) (*gorm.DB, service.WorkflowService) {
	t.Helper()

	db, err := database.Connect(config.DatabaseConfig{Driver: "sqlite", Path: ":memory:"})
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	svc := service.NewWorkflowService(repository.NewWorkflowRepository(db), logger, encryptionKey, 2*time.Second)
	return db, svc
}

// difyStub 模拟 Dify 的 /parameters 与 /info 端点
func difyStub(t *testing.T, apiKey string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+apiKey {
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprint(w, `{"message":"invalid api key"}`)
			return
		}
		switch r.URL.Path {
		case "/parameters":
			fmt.Fprint(w, parametersBody)
		case "/info":
			fmt.Fprint(w, `{"name":"搜索应用","description":"demo"}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

// TestWorkflowService_Create 测试创建时验证端点并缓存 schema
func TestWorkflowService_Create(t *testing.T) {
	server := difyStub(t, "good-key")
	defer server.Close()

	_, svc := setupWorkflowTest(t, "")

	workflow, err := svc.Create(context.Background(), &service.CreateWorkflowRequest{
		Name:    "搜索工作流",
		BaseURL: server.URL,
		APIKey:  "good-key",
	})
	require.NoError(t, err)

	assert.NotEmpty(t, workflow.ID)
	assert.Equal(t, "搜索应用", workflow.AppName)
	require.NotNil(t, workflow.SyncedAt)

	schema, err := workflow.Schema()
	require.NoError(t, err)
	require.Len(t, schema.Parameters, 1)
	assert.Equal(t, "search_term", schema.Parameters[0].Name)
	assert.True(t, schema.Parameters[0].Required)
}

// TestWorkflowService_Create_AuthRejected 测试凭证被拒返回 auth 错误
func TestWorkflowService_Create_AuthRejected(t *testing.T) {
	server := difyStub(t, "good-key")
	defer server.Close()

	_, svc := setupWorkflowTest(t, "")

	_, err := svc.Create(context.Background(), &service.CreateWorkflowRequest{
		Name:    "w",
		BaseURL: server.URL,
		APIKey:  "wrong-key",
	})
	assert.ErrorIs(t, err, service.ErrAuth)
}

// TestWorkflowService_Create_Unreachable 测试端点不可达
func TestWorkflowService_Create_Unreachable(t *testing.T) {
	_, svc := setupWorkflowTest(t, "")

	_, err := svc.Create(context.Background(), &service.CreateWorkflowRequest{
		Name:    "w",
		BaseURL: "http://127.0.0.1:1",
		APIKey:  "key",
	})
	assert.ErrorIs(t, err, service.ErrUnreachable)
}

// TestWorkflowService_Create_MalformedSchema 测试 schema 响应非法
func TestWorkflowService_Create_MalformedSchema(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "oops not json")
	}))
	defer server.Close()

	_, svc := setupWorkflowTest(t, "")

	_, err := svc.Create(context.Background(), &service.CreateWorkflowRequest{
		Name:    "w",
		BaseURL: server.URL,
		APIKey:  "key",
	})
	assert.ErrorIs(t, err, service.ErrProtocol)
}

// TestWorkflowService_APIKeyEncryptedAtRest 测试密钥加密存储与解密读取
func TestWorkflowService_APIKeyEncryptedAtRest(t *testing.T) {
	server := difyStub(t, "secret-key")
	defer server.Close()

	encKey := "0123456789abcdef0123456789abcdef"
	db, svc := setupWorkflowTest(t, encKey)

	workflow, err := svc.Create(context.Background(), &service.CreateWorkflowRequest{
		Name:    "w",
		BaseURL: server.URL,
		APIKey:  "secret-key",
	})
	require.NoError(t, err)

	// 数据库中的密钥不是明文
	var stored model.WorkflowModel
	require.NoError(t, db.Where("id = ?", workflow.ID).First(&stored).Error)
	assert.NotEqual(t, "secret-key", stored.APIKey)

	// 服务层能解密回原文
	decrypted, err := svc.APIKey(&stored)
	require.NoError(t, err)
	assert.Equal(t, "secret-key", decrypted)
}

// TestWorkflowService_Sync 测试重新同步替换 schema
func TestWorkflowService_Sync(t *testing.T) {
	server := difyStub(t, "key")
	defer server.Close()

	_, svc := setupWorkflowTest(t, "")

	created, err := svc.Create(context.Background(), &service.CreateWorkflowRequest{
		Name:    "w",
		BaseURL: server.URL,
		APIKey:  "key",
	})
	require.NoError(t, err)
	firstSync := *created.SyncedAt

	time.Sleep(10 * time.Millisecond)
	synced, err := svc.Sync(context.Background(), created.ID)
	require.NoError(t, err)
	assert.True(t, synced.SyncedAt.After(firstSync))
}

// TestWorkflowService_Delete_InUse 测试被非终态批次引用时拒绝删除
func TestWorkflowService_Delete_InUse(t *testing.T) {
	server := difyStub(t, "key")
	defer server.Close()

	db, svc := setupWorkflowTest(t, "")

	workflow, err := svc.Create(context.Background(), &service.CreateWorkflowRequest{
		Name:    "w",
		BaseURL: server.URL,
		APIKey:  "key",
	})
	require.NoError(t, err)

	// 挂一个运行中的批次
	now := time.Now()
	require.NoError(t, repository.NewBatchRepository(db).Save(&model.BatchModel{
		ID:               "batch-001",
		WorkflowID:       workflow.ID,
		State:            model.BatchStateRunning,
		ConcurrencyLimit: 1,
		MaxAttempts:      1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}))

	err = svc.Delete(context.Background(), workflow.ID)
	assert.ErrorIs(t, err, service.ErrWorkflowInUse)

	// 批次终态后允许删除
	require.NoError(t, repository.NewBatchRepository(db).TransitionState("batch-001",
		[]string{model.BatchStateRunning}, model.BatchStateCompleted))
	assert.NoError(t, svc.Delete(context.Background(), workflow.ID))
}

// TestWorkflowService_Template 测试模板下载
func TestWorkflowService_Template(t *testing.T) {
	server := difyStub(t, "key")
	defer server.Close()

	_, svc := setupWorkflowTest(t, "")

	workflow, err := svc.Create(context.Background(), &service.CreateWorkflowRequest{
		Name:    "w",
		BaseURL: server.URL,
		APIKey:  "key",
	})
	require.NoError(t, err)

	data, filename, err := svc.Template(workflow.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, data)
	assert.Contains(t, filename, workflow.ID)
}

// TestWorkflowService_NotFound 测试不存在的绑定
func TestWorkflowService_NotFound(t *testing.T) {
	_, svc := setupWorkflowTest(t, "")

	_, err := svc.Get("no-such-id")
	assert.ErrorIs(t, err, service.ErrWorkflowNotFound)

	_, err = svc.Sync(context.Background(), "no-such-id")
	assert.ErrorIs(t, err, service.ErrWorkflowNotFound)
}
