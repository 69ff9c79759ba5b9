package dify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/WW-AI-Lab/Dify-Batch/internal/model"
)

// Client Dify API 客户端
// 单次调用、实例独占:每个实例持有自己的 Transport,一次 Run 之后即应 Close。
// 禁止在并发任务间共享实例——共享连接上下文会导致一个调用的完成
// 拆掉另一个调用正在使用的连接。
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	transport  *http.Transport
}

// RunResult 单次工作流调用结果
type RunResult struct {
	ExternalRunID string          // 远程服务返回的运行 ID
	Status        string          // succeeded, failed
	Data          json.RawMessage // data 对象原文
	Outputs       json.RawMessage // data.outputs 原文(可能为空)
	ElapsedMs     int64
	ErrorDetail   string
}

// runResponse Dify 阻塞模式响应结构
type runResponse struct {
	WorkflowRunID string          `json:"workflow_run_id"`
	TaskID        string          `json:"task_id"`
	Data          json.RawMessage `json:"data"`
}

// runData data 对象中本客户端关心的字段
type runData struct {
	ID          string          `json:"id"`
	Status      string          `json:"status"`
	Outputs     json.RawMessage `json:"outputs"`
	Error       string          `json:"error"`
	ElapsedTime float64         `json:"elapsed_time"` // 秒
}

// NewClient 创建 Dify 客户端
// 每个实例拥有独立的 Transport 与连接池
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        2,
		MaxIdleConnsPerHost: 2,
		IdleConnTimeout:     30 * time.Second,
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
		transport: transport,
	}
}

// Close 释放客户端持有的连接
func (c *Client) Close() {
	c.transport.CloseIdleConnections()
}

// Run 执行工作流(阻塞模式)
// 返回的 RunResult 在出错时也可能非空,以便调用方保留 external_run_id
func (c *Client) Run(ctx context.Context, inputs map[string]interface{}) (*RunResult, error) {
	body, err := json.Marshal(map[string]interface{}{
		"inputs":        inputs,
		"response_mode": "blocking",
		"user":          "batch-user",
	})
	if err != nil {
		return nil, NewError(KindProtocol, 0, fmt.Sprintf("failed to marshal inputs: %v", err))
	}

	data, statusCode, err := c.do(ctx, http.MethodPost, "/workflows/run", body)
	if err != nil {
		return nil, err
	}

	var resp runResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, NewError(KindProtocol, statusCode, fmt.Sprintf("malformed response body: %v", err))
	}

	var rd runData
	if len(resp.Data) > 0 {
		if err := json.Unmarshal(resp.Data, &rd); err != nil {
			return nil, NewError(KindProtocol, statusCode, fmt.Sprintf("malformed data object: %v", err))
		}
	}

	externalRunID := resp.WorkflowRunID
	if externalRunID == "" {
		externalRunID = rd.ID
	}
	if externalRunID == "" && len(resp.Data) == 0 {
		return nil, NewError(KindProtocol, statusCode, "response has neither workflow_run_id nor data")
	}

	result := &RunResult{
		ExternalRunID: externalRunID,
		Status:        rd.Status,
		Data:          resp.Data,
		Outputs:       rd.Outputs,
		ElapsedMs:     int64(rd.ElapsedTime * 1000),
		ErrorDetail:   rd.Error,
	}

	if rd.Status == "failed" {
		detail := rd.Error
		if detail == "" {
			detail = "workflow execution failed"
		}
		return result, NewError(KindApplication, statusCode, detail)
	}

	return result, nil
}

// FetchParameters 拉取工作流参数 schema
// 解析 Dify 的 user_input_form 结构
func (c *Client) FetchParameters(ctx context.Context) (*model.ParameterSchema, error) {
	data, statusCode, err := c.do(ctx, http.MethodGet, "/parameters", nil)
	if err != nil {
		return nil, err
	}

	var resp struct {
		UserInputForm []map[string]struct {
			Variable string   `json:"variable"`
			Label    string   `json:"label"`
			Required bool     `json:"required"`
			Default  string   `json:"default"`
			Options  []string `json:"options"`
		} `json:"user_input_form"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, NewError(KindProtocol, statusCode, fmt.Sprintf("malformed parameters response: %v", err))
	}

	schema := &model.ParameterSchema{}
	for _, formItem := range resp.UserInputForm {
		for inputType, param := range formItem {
			if param.Variable == "" {
				continue
			}
			schema.Parameters = append(schema.Parameters, model.Parameter{
				Name:        param.Variable,
				Type:        mapParameterType(inputType),
				Required:    param.Required,
				Description: param.Label,
				Default:     param.Default,
				Options:     param.Options,
			})
		}
	}
	return schema, nil
}

// AppInfo 远程应用基本信息
type AppInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// FetchAppInfo 拉取应用基本信息
func (c *Client) FetchAppInfo(ctx context.Context) (*AppInfo, error) {
	data, statusCode, err := c.do(ctx, http.MethodGet, "/info", nil)
	if err != nil {
		return nil, err
	}

	var info AppInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, NewError(KindProtocol, statusCode, fmt.Sprintf("malformed info response: %v", err))
	}
	return &info, nil
}

// do 发起单次 HTTP 请求并完成错误分类
func (c *Client) do(ctx context.Context, method, path string, body []byte) ([]byte, int, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, 0, NewError(KindProtocol, 0, fmt.Sprintf("failed to build request: %v", err))
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Dify-Batch-Client/1.0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, classifyTransportError(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, classifyTransportError(err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return data, resp.StatusCode, nil
	}

	detail := extractErrorMessage(data)

	// 5xx/408/429 可重试,其余 4xx 不可
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusTooManyRequests {
		return nil, resp.StatusCode, NewError(KindRetryable, resp.StatusCode, detail)
	}
	return nil, resp.StatusCode, NewError(KindPermanent, resp.StatusCode, detail)
}

// classifyTransportError 区分超时与其他传输错误
func classifyTransportError(err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return NewError(KindTimeout, 0, err.Error())
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return NewError(KindTimeout, 0, err.Error())
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NewError(KindTimeout, 0, err.Error())
	}
	return NewError(KindTransport, 0, err.Error())
}

// extractErrorMessage 从错误响应体提取 message 字段
func extractErrorMessage(data []byte) string {
	var body struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &body); err == nil && body.Message != "" {
		return body.Message
	}
	text := strings.TrimSpace(string(data))
	if len(text) > 500 {
		text = text[:500]
	}
	if text == "" {
		text = "request failed"
	}
	return text
}

// mapParameterType 映射 Dify 表单项类型到参数类型
func mapParameterType(inputType string) string {
	switch inputType {
	case "text-input":
		return model.ParameterTypeString
	case "paragraph":
		return model.ParameterTypeParagraph
	case "number":
		return model.ParameterTypeNumber
	case "select":
		return model.ParameterTypeSelect
	case "file":
		return model.ParameterTypeFile
	default:
		return model.ParameterTypeString
	}
}
