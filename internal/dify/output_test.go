package dify_test

import (
	"encoding/json"
	"testing"

	"github.com/WW-AI-Lab/Dify-Batch/internal/dify"
	"github.com/stretchr/testify/assert"
)

// resultWith 构造指定 outputs 原文的调用结果
func resultWith(outputs, data string) *dify.RunResult {
	res := &dify.RunResult{}
	if outputs != "" {
		res.Outputs = json.RawMessage(outputs)
	}
	if data != "" {
		res.Data = json.RawMessage(data)
	}
	return res
}

// TestExtractOutput_SingleValue 测试单值 outputs
func TestExtractOutput_SingleValue(t *testing.T) {
	res := resultWith(`{"text": "OK"}`, "")
	assert.Equal(t, "OK", dify.ExtractOutput(res))
}

// TestExtractOutput_MultipleValuesJoined 测试多值按文档顺序换行拼接
func TestExtractOutput_MultipleValuesJoined(t *testing.T) {
	res := resultWith(`{"answer": "A", "confidence": "0.9", "note": "fine"}`, "")
	assert.Equal(t, "A\n0.9\nfine", dify.ExtractOutput(res))
}

// TestExtractOutput_NestedOutputs 测试嵌套 outputs 下钻一次
func TestExtractOutput_NestedOutputs(t *testing.T) {
	res := resultWith(`{"outputs": {"result": "A", "confidence": "0.9"}}`, "")
	assert.Equal(t, "A\n0.9", dify.ExtractOutput(res))
}

// TestExtractOutput_ReservedKeysFiltered 测试系统字段被过滤
func TestExtractOutput_ReservedKeysFiltered(t *testing.T) {
	res := resultWith(`{
		"id": "run-1",
		"workflow_id": "wf-1",
		"status": "succeeded",
		"elapsed_time": 1.5,
		"total_tokens": 100,
		"total_steps": 3,
		"created_at": 1700000000,
		"finished_at": 1700000001,
		"error": null,
		"text": "only this"
	}`, "")
	assert.Equal(t, "only this", dify.ExtractOutput(res))
}

// TestExtractOutput_FallbackToOutputField 测试回退到 data.output
func TestExtractOutput_FallbackToOutputField(t *testing.T) {
	res := resultWith("", `{"output": "legacy"}`)
	assert.Equal(t, "legacy", dify.ExtractOutput(res))
}

// TestExtractOutput_FallbackToResultField 测试回退到 data.result
func TestExtractOutput_FallbackToResultField(t *testing.T) {
	res := resultWith("", `{"result": "from result"}`)
	assert.Equal(t, "from result", dify.ExtractOutput(res))
}

// TestExtractOutput_Empty 测试空输出返回哨兵文本
func TestExtractOutput_Empty(t *testing.T) {
	assert.Equal(t, dify.NoOutput, dify.ExtractOutput(nil))
	assert.Equal(t, dify.NoOutput, dify.ExtractOutput(&dify.RunResult{}))
	assert.Equal(t, dify.NoOutput, dify.ExtractOutput(resultWith(`{}`, "")))
	assert.Equal(t, dify.NoOutput, dify.ExtractOutput(resultWith(`{"text": "  "}`, "")))
	assert.Equal(t, dify.NoOutput, dify.ExtractOutput(resultWith(`null`, `null`)))
}

// TestExtractOutput_NonStringValues 测试非字符串值的扁平化
func TestExtractOutput_NonStringValues(t *testing.T) {
	res := resultWith(`{"count": 42, "ok": true}`, "")
	assert.Equal(t, "42\ntrue", dify.ExtractOutput(res))

	// 结构化值保留紧凑 JSON 文本
	res = resultWith(`{"items": ["a", "b"]}`, "")
	assert.Equal(t, `["a","b"]`, dify.ExtractOutput(res))
}

// TestExtractOutput_DocumentOrderPreserved 测试键顺序与文档一致
func TestExtractOutput_DocumentOrderPreserved(t *testing.T) {
	// 反字典序排列的键,拼接顺序必须按文档顺序而不是排序后的顺序
	res := resultWith(`{"z": "1", "m": "2", "a": "3"}`, "")
	assert.Equal(t, "1\n2\n3", dify.ExtractOutput(res))
}
