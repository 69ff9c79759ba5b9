package dify

import (
	"bytes"
	"encoding/json"
	"strings"
)

// NoOutput 工作流无输出时写入结果列的哨兵文本
const NoOutput = "no output"

// reservedOutputKeys 输出提取时过滤的系统字段
var reservedOutputKeys = map[string]struct{}{
	"id":           {},
	"workflow_id":  {},
	"status":       {},
	"elapsed_time": {},
	"total_tokens": {},
	"total_steps":  {},
	"created_at":   {},
	"finished_at":  {},
	"error":        {},
}

// ExtractOutput 从调用结果提取可展示的结果文本
// 规则:优先 outputs,其次 data.output,再次 data.result;
// outputs 自身嵌套一层 outputs 对象时下钻一次;
// 对象值过滤系统字段后按文档顺序以换行拼接;空结果返回哨兵文本。
func ExtractOutput(res *RunResult) string {
	if res == nil {
		return NoOutput
	}

	raw := res.Outputs
	if isEmptyJSON(raw) {
		raw = objectField(res.Data, "output")
	}
	if isEmptyJSON(raw) {
		raw = objectField(res.Data, "result")
	}
	if isEmptyJSON(raw) {
		return NoOutput
	}

	// 嵌套 outputs 对象时下钻一次
	if isJSONObject(raw) {
		if nested := objectField(raw, "outputs"); isJSONObject(nested) {
			raw = nested
		}
	}

	var text string
	if isJSONObject(raw) {
		text = joinObjectValues(raw)
	} else {
		text = stringifyValue(raw)
	}

	if strings.TrimSpace(text) == "" {
		return NoOutput
	}
	return text
}

// isEmptyJSON 判断 raw 是否为空或 JSON null
func isEmptyJSON(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// isJSONObject 判断 raw 是否为 JSON 对象
func isJSONObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{'
}

// objectField 提取 JSON 对象的指定字段原文
func objectField(raw json.RawMessage, key string) json.RawMessage {
	if !isJSONObject(raw) {
		return nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil
	}
	return fields[key]
}

// joinObjectValues 按文档顺序拼接对象值
// map 反序列化不保证顺序,这里用 Decoder 按 token 流遍历以保留插入顺序
func joinObjectValues(raw json.RawMessage) string {
	dec := json.NewDecoder(bytes.NewReader(raw))

	// 消费开头的 '{'
	if _, err := dec.Token(); err != nil {
		return ""
	}

	var parts []string
	for dec.More() {
		keyToken, err := dec.Token()
		if err != nil {
			return strings.Join(parts, "\n")
		}
		key, ok := keyToken.(string)
		if !ok {
			return strings.Join(parts, "\n")
		}

		var value json.RawMessage
		if err := dec.Decode(&value); err != nil {
			return strings.Join(parts, "\n")
		}

		if _, reserved := reservedOutputKeys[key]; reserved {
			continue
		}

		text := stringifyValue(value)
		if strings.TrimSpace(text) == "" {
			continue
		}
		parts = append(parts, text)
	}

	return strings.Join(parts, "\n")
}

// stringifyValue 将 JSON 值转换为展示文本
// 字符串去引号,其余类型保留紧凑 JSON 文本(结构化值的信息损失已记录为已知限制)
func stringifyValue(raw json.RawMessage) string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return ""
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err == nil {
			return s
		}
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, trimmed); err == nil {
		return compact.String()
	}
	return string(trimmed)
}
