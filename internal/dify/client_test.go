package dify_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/WW-AI-Lab/Dify-Batch/internal/dify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runBody 成功响应体
func runBody(runID, status string, outputs map[string]interface{}) string {
	data := map[string]interface{}{
		"id":           runID,
		"workflow_id":  "wf-1",
		"status":       status,
		"outputs":      outputs,
		"elapsed_time": 0.5,
	}
	body, _ := json.Marshal(map[string]interface{}{
		"workflow_run_id": runID,
		"task_id":         "task-1",
		"data":            data,
	})
	return string(body)
}

// TestClient_Run_Succeeded 测试成功调用
func TestClient_Run_Succeeded(t *testing.T) {
	var gotAuth, gotBody string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		var req map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&req)
		gotBody, _ = req["response_mode"].(string)

		assert.Equal(t, "/workflows/run", r.URL.Path)
		fmt.Fprint(w, runBody("run-1", "succeeded", map[string]interface{}{"text": "OK"}))
	}))
	defer server.Close()

	client := dify.NewClient(server.URL, "key-1", 5*time.Second)
	defer client.Close()

	result, err := client.Run(context.Background(), map[string]interface{}{"search_term": "huawei"})
	require.NoError(t, err)
	assert.Equal(t, "run-1", result.ExternalRunID)
	assert.Equal(t, "succeeded", result.Status)
	assert.Equal(t, int64(500), result.ElapsedMs)
	assert.Equal(t, "Bearer key-1", gotAuth)
	assert.Equal(t, "blocking", gotBody)
}

// TestClient_Run_ApplicationFailure 测试 HTTP 200 但工作流失败
func TestClient_Run_ApplicationFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := json.Marshal(map[string]interface{}{
			"workflow_run_id": "run-2",
			"task_id":         "task-2",
			"data": map[string]interface{}{
				"id":     "run-2",
				"status": "failed",
				"error":  "node timeout",
			},
		})
		w.Write(body)
	}))
	defer server.Close()

	client := dify.NewClient(server.URL, "key", 5*time.Second)
	defer client.Close()

	result, err := client.Run(context.Background(), map[string]interface{}{})
	require.Error(t, err)
	assert.Equal(t, dify.KindApplication, dify.KindOf(err))
	// 失败时仍返回结果以保留 external_run_id
	require.NotNil(t, result)
	assert.Equal(t, "run-2", result.ExternalRunID)
}

// TestClient_Run_ErrorMapping 测试 HTTP 状态码到错误分类的映射
func TestClient_Run_ErrorMapping(t *testing.T) {
	cases := []struct {
		status int
		kind   dify.ErrorKind
	}{
		{http.StatusInternalServerError, dify.KindRetryable},
		{http.StatusBadGateway, dify.KindRetryable},
		{http.StatusServiceUnavailable, dify.KindRetryable},
		{http.StatusRequestTimeout, dify.KindRetryable},
		{http.StatusTooManyRequests, dify.KindRetryable},
		{http.StatusBadRequest, dify.KindPermanent},
		{http.StatusUnauthorized, dify.KindPermanent},
		{http.StatusNotFound, dify.KindPermanent},
	}

	for _, tc := range cases {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			fmt.Fprintf(w, `{"message":"HTTP %d"}`, tc.status)
		}))

		client := dify.NewClient(server.URL, "key", 5*time.Second)
		_, err := client.Run(context.Background(), map[string]interface{}{})
		require.Error(t, err, "status %d", tc.status)
		assert.Equal(t, tc.kind, dify.KindOf(err), "status %d", tc.status)

		client.Close()
		server.Close()
	}
}

// TestClient_Run_MalformedBody 测试非法响应体归为 protocol
func TestClient_Run_MalformedBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "not json at all")
	}))
	defer server.Close()

	client := dify.NewClient(server.URL, "key", 5*time.Second)
	defer client.Close()

	_, err := client.Run(context.Background(), map[string]interface{}{})
	require.Error(t, err)
	assert.Equal(t, dify.KindProtocol, dify.KindOf(err))
}

// TestClient_Run_Timeout 测试超时归为 timeout
func TestClient_Run_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
		fmt.Fprint(w, runBody("run-x", "succeeded", nil))
	}))
	defer server.Close()

	client := dify.NewClient(server.URL, "key", 50*time.Millisecond)
	defer client.Close()

	_, err := client.Run(context.Background(), map[string]interface{}{})
	require.Error(t, err)
	assert.Equal(t, dify.KindTimeout, dify.KindOf(err))
}

// TestClient_Run_ContextCancelled 测试上下文取消归为 timeout
func TestClient_Run_ContextCancelled(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer server.Close()
	defer close(release)

	client := dify.NewClient(server.URL, "key", 5*time.Second)
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := client.Run(ctx, map[string]interface{}{})
	require.Error(t, err)
	assert.Equal(t, dify.KindTimeout, dify.KindOf(err))
}

// TestClient_Run_TransportError 测试连接失败归为 transport
func TestClient_Run_TransportError(t *testing.T) {
	client := dify.NewClient("http://127.0.0.1:1", "key", 2*time.Second)
	defer client.Close()

	_, err := client.Run(context.Background(), map[string]interface{}{})
	require.Error(t, err)
	assert.Equal(t, dify.KindTransport, dify.KindOf(err))
}

// TestClient_Isolation 测试并发调用使用各自独立的客户端实例
// 一个实例 Close 不影响其他实例的在途调用
func TestClient_Isolation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		fmt.Fprint(w, runBody("run-i", "succeeded", map[string]interface{}{"text": "ok"}))
	}))
	defer server.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := dify.NewClient(server.URL, "key", 5*time.Second)
			_, err := client.Run(context.Background(), map[string]interface{}{})
			client.Close()
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
}

// TestClient_FetchParameters 测试参数 schema 拉取与类型映射
func TestClient_FetchParameters(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/parameters", r.URL.Path)
		fmt.Fprint(w, `{
			"user_input_form": [
				{"text-input": {"variable": "search_term", "label": "搜索词", "required": true}},
				{"paragraph": {"variable": "prompt", "label": "提示词"}},
				{"number": {"variable": "count", "label": "数量"}},
				{"select": {"variable": "mode", "label": "模式", "options": ["fast", "slow"]}}
			]
		}`)
	}))
	defer server.Close()

	client := dify.NewClient(server.URL, "key", 5*time.Second)
	defer client.Close()

	schema, err := client.FetchParameters(context.Background())
	require.NoError(t, err)
	require.Len(t, schema.Parameters, 4)

	byName := make(map[string]string)
	for _, p := range schema.Parameters {
		byName[p.Name] = p.Type
	}
	assert.Equal(t, "string", byName["search_term"])
	assert.Equal(t, "paragraph", byName["prompt"])
	assert.Equal(t, "number", byName["count"])
	assert.Equal(t, "select", byName["mode"])
}

// TestClient_FetchParameters_AuthRejected 测试凭证被拒
func TestClient_FetchParameters_AuthRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"message":"invalid api key"}`)
	}))
	defer server.Close()

	client := dify.NewClient(server.URL, "bad-key", 5*time.Second)
	defer client.Close()

	_, err := client.FetchParameters(context.Background())
	require.Error(t, err)

	var de *dify.Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, http.StatusUnauthorized, de.StatusCode)
}
